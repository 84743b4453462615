package constants

import "time"

// Offline queue sizing
const (
	// OfflineQueueCapacity bounds the number of unsent events kept while
	// disconnected; older entries are evicted first
	OfflineQueueCapacity = 50
)

// Surge area geohash precision used when encoding a pickup point for
// surge-area membership checks
const SurgeAreaPrecision = 5

// Keys for the local key-value snapshot cache
const (
	KeyPendingRequests = "ridesync:pending_requests"
	KeyActiveSearch    = "ridesync:active_search"
	KeyLastLocation    = "ridesync:last_location"
)

// Default sampling cadences per lifecycle/tracking combination
const (
	ForegroundRideInterval    = 3 * time.Second
	ForegroundAmbientInterval = 10 * time.Second
	BackgroundRideInterval    = 15 * time.Second
	BackgroundAmbientInterval = 60 * time.Second
)
