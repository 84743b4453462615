package constants

// WebSocket event types
const (
	// Common events
	EventError = "error"
	EventPing  = "ping"
	EventPong  = "pong"

	// Inbound events (backend -> client)
	EventNewRideRequest   = "new-ride-request"
	EventRideStatusUpdate = "ride-status-update"
	EventRequestExpired   = "request-expired"
	EventRequestCancelled = "request-cancelled"
	EventPeerLocation     = "peer-location-update"
	EventSurgeUpdate      = "surge-pricing-update"

	// Outbound events (client -> backend)
	EventAcceptRequest  = "accept-request"
	EventRejectRequest  = "reject-request"
	EventLocationUpdate = "location-update"
	EventCancelRequest  = "cancel-request"
	EventSOSAlert       = "sos-alert"
	EventRideSearch     = "ride-search"
	EventResyncRequest  = "resync-request"
)

// Ride status values carried by ride-status-update
const (
	StatusSearching = "searching"
	StatusMatched   = "matched"
	StatusAccepted  = "accepted"
	StatusEnroute   = "enroute"
	StatusArrived   = "arrived"
	StatusCancelled = "cancelled"
	StatusNoDrivers = "no_drivers"
)

// WebSocket error codes
const (
	ErrorInvalidFormat    = "invalid_format"
	ErrorValidationFailed = "validation_failed"
	ErrorUnauthorized     = "unauthorized"
	ErrorInternalError    = "internal_error"
	ErrorRequestNotFound  = "request_not_found"
)
