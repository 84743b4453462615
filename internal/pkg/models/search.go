package models

import "time"

// RideSearchState represents the state of a rider-side ride search
type RideSearchState string

const (
	SearchStateSearching RideSearchState = "searching"
	SearchStateMatched   RideSearchState = "matched"
	SearchStateAccepted  RideSearchState = "accepted"
	SearchStateEnroute   RideSearchState = "enroute"
	SearchStateArrived   RideSearchState = "arrived"
	SearchStateCancelled RideSearchState = "cancelled"
	SearchStateNoDrivers RideSearchState = "no_drivers"
)

// Terminal reports whether the search instance is finished
func (s RideSearchState) Terminal() bool {
	switch s {
	case SearchStateArrived, SearchStateCancelled, SearchStateNoDrivers:
		return true
	}
	return false
}

// RideSearch is the single active rider-side attempt to be matched
type RideSearch struct {
	RequestID   string          `json:"request_id"`
	State       RideSearchState `json:"state"`
	DriverID    string          `json:"driver_id,omitempty"`
	DriverName  string          `json:"driver_name,omitempty"`
	ETAEstimate time.Duration   `json:"eta_estimate,omitempty"`
	Pickup      Location        `json:"pickup"`
	Destination Location        `json:"destination"`
	StartedAt   time.Time       `json:"started_at"`
}
