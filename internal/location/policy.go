package location

import (
	"github.com/openhail/ridesync/internal/pkg/constants"
)

// LifecycleState is whether the application is foregrounded or backgrounded
type LifecycleState int

const (
	Foreground LifecycleState = iota
	Background
)

func (s LifecycleState) String() string {
	if s == Background {
		return "background"
	}
	return "foreground"
}

// ContextKind is the purpose of tracking, which selects the sampling policy
type ContextKind int

const (
	// Ambient tracking reports general presence
	Ambient ContextKind = iota
	// Ride tracking is bound to a specific request/trip
	Ride
)

func (k ContextKind) String() string {
	if k == Ride {
		return "ride"
	}
	return "ambient"
}

// TrackingContext names what the sampling loop is for
type TrackingContext struct {
	Kind   ContextKind
	RideID string
}

// Policy is one row of the sampling policy table
type Policy struct {
	Options Options
	// Poll switches from a continuous high-accuracy watch to a coarser
	// timer-driven poll, used in the background to conserve power
	Poll bool
}

// policyFor selects sampling parameters for a lifecycle/context pair.
// Foreground ride tracking is tight and accurate; backgrounded loops relax
// cadence and accuracy instead of stopping.
func policyFor(lifecycle LifecycleState, kind ContextKind) Policy {
	switch {
	case lifecycle == Foreground && kind == Ride:
		return Policy{Options: Options{
			Interval:          constants.ForegroundRideInterval,
			MinDistanceMeters: 5,
			HighAccuracy:      true,
			MaxAge:            constants.ForegroundRideInterval,
		}}
	case lifecycle == Foreground:
		return Policy{Options: Options{
			Interval:          constants.ForegroundAmbientInterval,
			MinDistanceMeters: 25,
			HighAccuracy:      true,
			MaxAge:            constants.ForegroundAmbientInterval,
		}}
	case kind == Ride:
		return Policy{Poll: true, Options: Options{
			Interval:          constants.BackgroundRideInterval,
			MinDistanceMeters: 50,
			HighAccuracy:      false,
			MaxAge:            constants.BackgroundRideInterval,
		}}
	default:
		return Policy{Poll: true, Options: Options{
			Interval:          constants.BackgroundAmbientInterval,
			MinDistanceMeters: 100,
			HighAccuracy:      false,
			MaxAge:            constants.BackgroundAmbientInterval,
		}}
	}
}
