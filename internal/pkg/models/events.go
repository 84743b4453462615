package models

import "time"

// Inbound event payloads (backend -> client)

// NewRideRequestPayload announces a candidate trip to a driver
type NewRideRequestPayload struct {
	ID              string   `json:"id"`
	PassengerID     string   `json:"passenger_id"`
	PassengerName   string   `json:"passenger_name,omitempty"`
	Pickup          Location `json:"pickup"`
	Destination     Location `json:"destination"`
	Fare            float64  `json:"fare"`
	DistanceKm      float64  `json:"distance_km"`
	PassengerRating float64  `json:"passenger_rating"`
	SurgeMultiplier float64  `json:"surge_multiplier,omitempty"`
	ExpiresInSec    int      `json:"expires_in_sec,omitempty"`
}

// RideStatusPayload carries a ride status change
type RideStatusPayload struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	DriverID   string        `json:"driver_id,omitempty"`
	DriverName string        `json:"driver_name,omitempty"`
	ETA        time.Duration `json:"eta,omitempty"`
}

// RequestExpiredPayload signals server-side expiry of a request
type RequestExpiredPayload struct {
	ID string `json:"id"`
}

// RequestCancelledPayload signals cancellation of a request or ride
type RequestCancelledPayload struct {
	ID          string `json:"id"`
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

// PeerLocationPayload carries the counterpart's live position
type PeerLocationPayload struct {
	EntityID  string  `json:"entity_id"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Bearing   float64 `json:"bearing,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
}

// SurgePayload announces a fare multiplier for a geographic area
type SurgePayload struct {
	Area       string  `json:"area"`
	Multiplier float64 `json:"multiplier"`
}

// Outbound event payloads (client -> backend)

// AcceptRequestPayload accepts a ride request
type AcceptRequestPayload struct {
	ID   string `json:"id"`
	Auto bool   `json:"auto,omitempty"`
}

// RejectRequestPayload declines a ride request
type RejectRequestPayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// LocationUpdatePayload reports a device position fix
type LocationUpdatePayload struct {
	EntityID  string  `json:"entity_id"`
	RideID    string  `json:"ride_id,omitempty"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy"`
	Bearing   float64 `json:"bearing,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// CancelRequestPayload cancels a request or active search
type CancelRequestPayload struct {
	ID          string `json:"id"`
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by"`
}

// SOSAlertPayload is a fire-and-forget emergency side channel
type SOSAlertPayload struct {
	ID       string   `json:"id"`
	Location Location `json:"location"`
	Message  string   `json:"message,omitempty"`
}

// RideSearchPayload starts a rider-side search
type RideSearchPayload struct {
	RequestID   string   `json:"request_id"`
	Pickup      Location `json:"pickup"`
	Destination Location `json:"destination"`
}

// ResyncPayload asks the backend for current authoritative state
type ResyncPayload struct {
	EntityID string `json:"entity_id"`
	Role     string `json:"role"`
}
