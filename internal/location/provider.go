package location

import (
	"context"
	"time"

	"github.com/openhail/ridesync/internal/pkg/models"
)

// WatchHandle identifies a continuous position subscription
type WatchHandle int

// Options are the sampling parameters handed to the device capability
type Options struct {
	Interval          time.Duration // Desired time between fixes
	MinDistanceMeters float64       // Minimum movement before a new fix
	HighAccuracy      bool          // Request GPS-grade accuracy
	MaxAge            time.Duration // Oldest acceptable cached fix
}

// Provider is the device location capability. Permission and availability
// failures surface as errors to the caller; the sampler never retries them
// silently.
type Provider interface {
	GetCurrentPosition(ctx context.Context, opts Options) (models.LocationSample, error)
	WatchPosition(opts Options, onSample func(models.LocationSample), onError func(error)) (WatchHandle, error)
	ClearWatch(handle WatchHandle)
}
