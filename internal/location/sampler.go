// Package location produces the device-position stream: it adapts sampling
// cadence to the app lifecycle, forwards samples over the live connection,
// and buffers them in the offline queue while disconnected.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openhail/ridesync/internal/conn"
	"github.com/openhail/ridesync/internal/offline"
	"github.com/openhail/ridesync/internal/pkg/constants"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// Sender is the slice of the connection manager the sampler needs
type Sender interface {
	Emit(event string, payload interface{}) error
	Connected() bool
}

// Sampler owns the single active sampling loop and the offline queue
type Sampler struct {
	provider Provider
	sender   Sender
	queue    *offline.Queue
	log      *logger.ZapLogger
	entityID string

	mu        sync.Mutex
	lifecycle LifecycleState
	tctx      TrackingContext
	tracking  bool
	watch     WatchHandle
	watching  bool
	stopPoll  chan struct{}
	lastKnown *models.LocationSample
}

// NewSampler creates a sampler. queueCapacity <= 0 uses the default bound.
func NewSampler(provider Provider, sender Sender, entityID string, queueCapacity int, log *logger.ZapLogger) *Sampler {
	return &Sampler{
		provider: provider,
		sender:   sender,
		queue:    offline.NewQueue(queueCapacity),
		log:      log,
		entityID: entityID,
	}
}

// Queue exposes the offline queue for inspection
func (s *Sampler) Queue() *offline.Queue {
	return s.queue
}

// StartTracking begins sampling for the given context. An active loop is
// torn down first: only one loop ever samples the device sensor.
func (s *Sampler) StartTracking(tctx TrackingContext) error {
	s.mu.Lock()
	s.teardownLocked()
	s.tctx = tctx
	s.tracking = true
	lifecycle := s.lifecycle
	s.mu.Unlock()

	s.log.Info("Tracking started",
		logger.String("context", tctx.Kind.String()),
		logger.String("ride_id", tctx.RideID),
		logger.String("lifecycle", lifecycle.String()))

	return s.applyPolicy(lifecycle, tctx)
}

// StopTracking releases the location capability. Safe to call at any time,
// including when tracking was never started.
func (s *Sampler) StopTracking() {
	s.mu.Lock()
	wasTracking := s.tracking
	s.teardownLocked()
	s.tracking = false
	s.mu.Unlock()

	if wasTracking {
		s.log.Info("Tracking stopped")
	}
}

// SetLifecycleState reacts to foreground/background transitions. A
// ride-bound loop is never stopped in the background, only degraded; the
// tighter policy is restored immediately on foregrounding.
func (s *Sampler) SetLifecycleState(state LifecycleState) {
	s.mu.Lock()
	if s.lifecycle == state {
		s.mu.Unlock()
		return
	}
	s.lifecycle = state
	active := s.tracking
	tctx := s.tctx
	if active {
		s.teardownLocked()
		s.tracking = true
	}
	s.mu.Unlock()

	if !active {
		return
	}

	s.log.Info("Lifecycle changed, re-applying sampling policy",
		logger.String("lifecycle", state.String()),
		logger.String("context", tctx.Kind.String()))

	if err := s.applyPolicy(state, tctx); err != nil {
		s.log.Error("Failed to re-apply sampling policy", logger.Err(err))
	}
}

// OnConnectivityChange is subscribed to the connection-status broadcast.
// Reconnection drains the offline queue oldest-first.
func (s *Sampler) OnConnectivityChange(connected bool) {
	if !connected {
		return
	}
	s.flushOffline()
}

// LastKnown returns the most recent sample, if any
func (s *Sampler) LastKnown() (models.LocationSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastKnown == nil {
		return models.LocationSample{}, false
	}
	return *s.lastKnown, true
}

// applyPolicy starts the watch or poll loop selected by the policy table
func (s *Sampler) applyPolicy(lifecycle LifecycleState, tctx TrackingContext) error {
	policy := policyFor(lifecycle, tctx.Kind)

	if policy.Poll {
		s.startPolling(policy.Options)
		return nil
	}

	handle, err := s.provider.WatchPosition(policy.Options, s.onSample, s.onWatchError)
	if err != nil {
		s.mu.Lock()
		s.tracking = false
		s.mu.Unlock()
		return fmt.Errorf("location: start watch: %w", err)
	}

	s.mu.Lock()
	s.watch = handle
	s.watching = true
	s.mu.Unlock()
	return nil
}

// startPolling runs the coarse timer-driven loop used in the background
func (s *Sampler) startPolling(opts Options) {
	stop := make(chan struct{})
	s.mu.Lock()
	s.stopPoll = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), opts.Interval)
				sample, err := s.provider.GetCurrentPosition(ctx, opts)
				cancel()
				if err != nil {
					s.log.Warn("Background position poll failed", logger.Err(err))
					continue
				}
				s.onSample(sample)
			}
		}
	}()
}

// onSample forwards a fix immediately when connected, otherwise queues it.
// A sample lives in exactly one place: sent and discarded, or queued.
func (s *Sampler) onSample(sample models.LocationSample) {
	s.mu.Lock()
	s.lastKnown = &sample
	rideID := s.tctx.RideID
	s.mu.Unlock()

	payload := models.LocationUpdatePayload{
		EntityID:  s.entityID,
		RideID:    rideID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Accuracy:  sample.Accuracy,
		Bearing:   sample.Bearing,
		Speed:     sample.Speed,
		Timestamp: sample.CapturedAtMillis,
	}

	if s.sender.Connected() {
		if err := s.sender.Emit(constants.EventLocationUpdate, payload); err == nil {
			return
		} else if !errors.Is(err, conn.ErrNotConnected) {
			s.log.Warn("Location send failed, queueing sample", logger.Err(err))
		}
	}

	s.queue.Push(offline.Entry{Event: constants.EventLocationUpdate, Payload: payload})
}

func (s *Sampler) onWatchError(err error) {
	s.log.Error("Location watch error", logger.Err(err))
}

// flushOffline replays queued samples oldest-first over the live channel.
// Sends are fire-and-forget: a nil write counts as delivered, a failed
// write stops the drain and keeps the remainder queued.
func (s *Sampler) flushOffline() {
	n := s.queue.Len()
	if n == 0 {
		return
	}

	err := s.queue.Drain(func(e offline.Entry) error {
		return s.sender.Emit(e.Event, e.Payload)
	})
	if err != nil {
		s.log.Warn("Offline queue drain interrupted",
			logger.Int("remaining", s.queue.Len()),
			logger.Err(err))
		return
	}

	s.log.Info("Offline queue drained", logger.Int("sent", n))
}

// teardownLocked releases the active watch or poll loop. Caller holds mu.
func (s *Sampler) teardownLocked() {
	if s.watching {
		s.provider.ClearWatch(s.watch)
		s.watching = false
	}
	if s.stopPoll != nil {
		close(s.stopPoll)
		s.stopPoll = nil
	}
	s.tracking = false
}
