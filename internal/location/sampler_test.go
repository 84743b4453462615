package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openhail/ridesync/internal/conn"
	"github.com/openhail/ridesync/internal/offline"
	"github.com/openhail/ridesync/internal/pkg/constants"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider records watch lifecycles and lets tests inject samples
type fakeProvider struct {
	mu         sync.Mutex
	nextHandle WatchHandle
	active     map[WatchHandle]func(models.LocationSample)
	watchOpts  []Options
	watchErr   error
	current    models.LocationSample
	currentErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{active: make(map[WatchHandle]func(models.LocationSample))}
}

func (p *fakeProvider) GetCurrentPosition(ctx context.Context, opts Options) (models.LocationSample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.currentErr
}

func (p *fakeProvider) WatchPosition(opts Options, onSample func(models.LocationSample), onError func(error)) (WatchHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return 0, p.watchErr
	}
	p.nextHandle++
	p.active[p.nextHandle] = onSample
	p.watchOpts = append(p.watchOpts, opts)
	return p.nextHandle, nil
}

func (p *fakeProvider) ClearWatch(handle WatchHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, handle)
}

func (p *fakeProvider) activeWatches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *fakeProvider) fire(sample models.LocationSample) {
	p.mu.Lock()
	callbacks := make([]func(models.LocationSample), 0, len(p.active))
	for _, cb := range p.active {
		callbacks = append(callbacks, cb)
	}
	p.mu.Unlock()
	for _, cb := range callbacks {
		cb(sample)
	}
}

// fakeSender flips between connected and disconnected
type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []struct {
		Event   string
		Payload interface{}
	}
	failNext error
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
}

func (f *fakeSender) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return conn.ErrNotConnected
	}
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.sent = append(f.sent, struct {
		Event   string
		Payload interface{}
	}{event, payload})
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func sampleAt(n int) models.LocationSample {
	return models.LocationSample{
		Latitude:         -6.17 + float64(n)*0.0001,
		Longitude:        106.82,
		Accuracy:         5,
		CapturedAtMillis: int64(n),
	}
}

func newTestSampler(p Provider, s Sender) *Sampler {
	return NewSampler(p, s, "driver-1", 50, logger.NewNopLogger())
}

func TestSamplesForwardedWhenConnected(t *testing.T) {
	provider := newFakeProvider()
	sender := &fakeSender{connected: true}
	sampler := newTestSampler(provider, sender)
	defer sampler.StopTracking()

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ride, RideID: "ride-1"}))
	provider.fire(sampleAt(1))

	require.Equal(t, 1, sender.sentCount())
	assert.Equal(t, 0, sampler.Queue().Len())

	payload := sender.sent[0].Payload.(models.LocationUpdatePayload)
	assert.Equal(t, "driver-1", payload.EntityID)
	assert.Equal(t, "ride-1", payload.RideID)
}

func TestSamplesQueuedWhileDisconnected(t *testing.T) {
	provider := newFakeProvider()
	sender := &fakeSender{connected: false}
	sampler := newTestSampler(provider, sender)
	defer sampler.StopTracking()

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ambient}))
	for i := 1; i <= 60; i++ {
		provider.fire(sampleAt(i))
	}

	// Capacity 50: samples #11..#60 retained
	assert.Equal(t, 50, sampler.Queue().Len())
	assert.Equal(t, 0, sender.sentCount())
}

func TestReconnectDrainsQueueInOrder(t *testing.T) {
	provider := newFakeProvider()
	sender := &fakeSender{connected: false}
	sampler := newTestSampler(provider, sender)
	defer sampler.StopTracking()

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ambient}))
	for i := 1; i <= 60; i++ {
		provider.fire(sampleAt(i))
	}

	sender.setConnected(true)
	sampler.OnConnectivityChange(true)

	require.Equal(t, 50, sender.sentCount())
	assert.Equal(t, 0, sampler.Queue().Len())

	first := sender.sent[0].Payload.(models.LocationUpdatePayload)
	last := sender.sent[49].Payload.(models.LocationUpdatePayload)
	assert.Equal(t, int64(11), first.Timestamp)
	assert.Equal(t, int64(60), last.Timestamp)
	for i := 1; i < 50; i++ {
		prev := sender.sent[i-1].Payload.(models.LocationUpdatePayload)
		cur := sender.sent[i].Payload.(models.LocationUpdatePayload)
		assert.Equal(t, prev.Timestamp+1, cur.Timestamp)
	}
}

func TestDrainStopsWhenSendFails(t *testing.T) {
	provider := newFakeProvider()
	sender := &fakeSender{connected: false}
	sampler := newTestSampler(provider, sender)
	defer sampler.StopTracking()

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ambient}))
	for i := 1; i <= 5; i++ {
		provider.fire(sampleAt(i))
	}

	sender.setConnected(true)
	sender.mu.Lock()
	sender.failNext = errors.New("write: broken pipe")
	sender.mu.Unlock()

	sampler.OnConnectivityChange(true)

	// First send failed; the whole batch stays queued
	assert.Equal(t, 5, sampler.Queue().Len())
}

func TestStopTrackingIsIdempotent(t *testing.T) {
	provider := newFakeProvider()
	sender := &fakeSender{connected: true}
	sampler := newTestSampler(provider, sender)

	sampler.StopTracking()
	sampler.StopTracking()
	assert.Equal(t, 0, provider.activeWatches())

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ride, RideID: "r1"}))
	sampler.StopTracking()
	sampler.StopTracking()
	assert.Equal(t, 0, provider.activeWatches())
}

func TestStartTrackingReplacesActiveLoop(t *testing.T) {
	provider := newFakeProvider()
	sender := &fakeSender{connected: true}
	sampler := newTestSampler(provider, sender)
	defer sampler.StopTracking()

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ambient}))
	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ride, RideID: "r2"}))

	// The ambient watch was torn down before the ride watch started
	assert.Equal(t, 1, provider.activeWatches())
}

func TestWatchErrorSurfacesToCaller(t *testing.T) {
	provider := newFakeProvider()
	provider.watchErr = errors.New("location permission denied")
	sender := &fakeSender{connected: true}
	sampler := newTestSampler(provider, sender)

	err := sampler.StartTracking(TrackingContext{Kind: Ride, RideID: "r1"})
	assert.ErrorContains(t, err, "permission denied")
	assert.Equal(t, 0, provider.activeWatches())
}

func TestBackgroundDegradesToPolling(t *testing.T) {
	provider := newFakeProvider()
	provider.mu.Lock()
	provider.current = sampleAt(7)
	provider.mu.Unlock()
	sender := &fakeSender{connected: true}
	sampler := newTestSampler(provider, sender)
	defer sampler.StopTracking()

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ride, RideID: "r1"}))
	require.Equal(t, 1, provider.activeWatches())

	// Backgrounding a ride-bound loop degrades it, never stops it
	sampler.SetLifecycleState(Background)
	assert.Equal(t, 0, provider.activeWatches())

	// Foregrounding restores the continuous watch immediately
	sampler.SetLifecycleState(Foreground)
	assert.Eventually(t, func() bool {
		return provider.activeWatches() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestForegroundPolicyTighterThanBackground(t *testing.T) {
	fg := policyFor(Foreground, Ride)
	bg := policyFor(Background, Ride)

	assert.False(t, fg.Poll)
	assert.True(t, bg.Poll)
	assert.Less(t, fg.Options.Interval, bg.Options.Interval)
	assert.True(t, fg.Options.HighAccuracy)
	assert.False(t, bg.Options.HighAccuracy)

	ambient := policyFor(Background, Ambient)
	assert.Greater(t, ambient.Options.Interval, bg.Options.Interval)
}

func TestLastKnown(t *testing.T) {
	provider := newFakeProvider()
	sender := &fakeSender{connected: true}
	sampler := newTestSampler(provider, sender)
	defer sampler.StopTracking()

	_, ok := sampler.LastKnown()
	assert.False(t, ok)

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ambient}))
	provider.fire(sampleAt(3))

	got, ok := sampler.LastKnown()
	require.True(t, ok)
	assert.Equal(t, int64(3), got.CapturedAtMillis)
}

func TestQueuedEventNameIsLocationUpdate(t *testing.T) {
	provider := newFakeProvider()
	sender := &fakeSender{connected: false}
	sampler := newTestSampler(provider, sender)
	defer sampler.StopTracking()

	require.NoError(t, sampler.StartTracking(TrackingContext{Kind: Ambient}))
	provider.fire(sampleAt(1))

	var events []string
	require.NoError(t, sampler.Queue().Drain(func(e offline.Entry) error {
		events = append(events, e.Event)
		return nil
	}))
	assert.Equal(t, []string{constants.EventLocationUpdate}, events)
}
