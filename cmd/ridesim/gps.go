package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/openhail/ridesync/internal/location"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// simGPS fakes the device location capability: a position drifting
// north-east with a little noise, reported per the requested cadence.
type simGPS struct {
	mu      sync.Mutex
	lat     float64
	lng     float64
	next    location.WatchHandle
	watches map[location.WatchHandle]chan struct{}
}

func newSimGPS(start models.Location) *simGPS {
	return &simGPS{
		lat:     start.Latitude,
		lng:     start.Longitude,
		watches: make(map[location.WatchHandle]chan struct{}),
	}
}

func (g *simGPS) advance() models.LocationSample {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lat += 0.0002 + rand.Float64()*0.0001
	g.lng += 0.0002 + rand.Float64()*0.0001
	return models.LocationSample{
		Latitude:         g.lat,
		Longitude:        g.lng,
		Accuracy:         5 + rand.Float64()*10,
		Speed:            8 + rand.Float64()*4,
		CapturedAtMillis: time.Now().UnixMilli(),
	}
}

func (g *simGPS) GetCurrentPosition(_ context.Context, _ location.Options) (models.LocationSample, error) {
	return g.advance(), nil
}

func (g *simGPS) WatchPosition(opts location.Options, onSample func(models.LocationSample), _ func(error)) (location.WatchHandle, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	g.mu.Lock()
	g.next++
	handle := g.next
	stop := make(chan struct{})
	g.watches[handle] = stop
	g.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				onSample(g.advance())
			case <-stop:
				return
			}
		}
	}()

	return handle, nil
}

func (g *simGPS) ClearWatch(handle location.WatchHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if stop, ok := g.watches[handle]; ok {
		close(stop)
		delete(g.watches, handle)
	}
}
