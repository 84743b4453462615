package models

import "time"

// RideRequestState represents the state of a driver-side ride request
type RideRequestState string

const (
	RequestStatePending      RideRequestState = "pending"
	RequestStateAccepted     RideRequestState = "accepted"
	RequestStateRejected     RideRequestState = "rejected"
	RequestStateExpired      RideRequestState = "expired"
	RequestStateAutoAccepted RideRequestState = "auto_accepted"
)

// Terminal reports whether no further transition may leave the state
func (s RideRequestState) Terminal() bool {
	switch s {
	case RequestStateAccepted, RequestStateRejected, RequestStateExpired, RequestStateAutoAccepted:
		return true
	}
	return false
}

// RideRequest is a driver-side candidate trip awaiting accept/reject/expiry
type RideRequest struct {
	ID              string           `json:"id"`
	PassengerID     string           `json:"passenger_id"`
	PassengerName   string           `json:"passenger_name,omitempty"`
	Pickup          Location         `json:"pickup"`
	Destination     Location         `json:"destination"`
	Fare            float64          `json:"fare"`
	DistanceKm      float64          `json:"distance_km"`
	PassengerRating float64          `json:"passenger_rating"`
	ReceivedAt      time.Time        `json:"received_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
	State           RideRequestState `json:"state"`
}

// AutoAcceptCriteria decides programmatic acceptance before a request is
// ever surfaced to the driver
type AutoAcceptCriteria struct {
	MinFare       float64 `json:"min_fare"`
	MaxDistanceKm float64 `json:"max_distance_km"`
	MinRating     float64 `json:"min_rating"`
}

// Satisfies reports whether the request meets every criterion
func (c AutoAcceptCriteria) Satisfies(req *RideRequest) bool {
	return req.Fare >= c.MinFare &&
		req.DistanceKm <= c.MaxDistanceKm &&
		req.PassengerRating >= c.MinRating
}
