package driver

import (
	"sync"
	"testing"
	"time"

	"github.com/openhail/ridesync/internal/geo"
	"github.com/openhail/ridesync/internal/pkg/constants"
	"github.com/openhail/ridesync/internal/pkg/keyvalue"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	Event   string
	Payload interface{}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{event, payload})
	return nil
}

func (f *fakeEmitter) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type recordedNote struct {
	Title string
	Data  map[string]interface{}
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []recordedNote
}

func (f *fakeNotifier) Notify(title, message string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, recordedNote{title, data})
}

func (f *fakeNotifier) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.notes))
	for i, n := range f.notes {
		out[i] = n.Title
	}
	return out
}

var jakartaPickup = models.Location{Latitude: -6.175392, Longitude: 106.827153}

func requestPayload(id string, fare, distance, rating float64) models.NewRideRequestPayload {
	return models.NewRideRequestPayload{
		ID:              id,
		PassengerID:     "p-" + id,
		Pickup:          jakartaPickup,
		Destination:     models.Location{Latitude: -6.2, Longitude: 106.85},
		Fare:            fare,
		DistanceKm:      distance,
		PassengerRating: rating,
	}
}

func newTestManager(cfg models.AutoAcceptConfig) (*Manager, *fakeEmitter, *fakeNotifier) {
	emitter := &fakeEmitter{}
	notifier := &fakeNotifier{}
	m := NewManager(emitter, notifier, keyvalue.NewMemoryStore(), cfg, logger.NewNopLogger())
	return m, emitter, notifier
}

func TestAutoAcceptMatchingRequest(t *testing.T) {
	m, emitter, notifier := newTestManager(models.AutoAcceptConfig{
		Enabled:       true,
		MinFare:       500,
		MaxDistanceKm: 15,
		MinRating:     4.0,
	})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-1", 2000, 3, 4.8))

	// Never observable as pending, no expiry timer
	assert.Empty(t, m.Pending())
	assert.Equal(t, 0, m.LiveTimers())

	accepts := emitter.byEvent(constants.EventAcceptRequest)
	require.Len(t, accepts, 1)
	assert.True(t, accepts[0].Payload.(models.AcceptRequestPayload).Auto)

	assert.Equal(t, []string{"Ride auto-accepted"}, notifier.titles())
}

func TestNonMatchingRequestStaysPending(t *testing.T) {
	m, emitter, notifier := newTestManager(models.AutoAcceptConfig{
		Enabled:       true,
		MinFare:       500,
		MaxDistanceKm: 15,
		MinRating:     4.0,
	})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-2", 300, 3, 4.8))

	require.Len(t, m.Pending(), 1)
	assert.Equal(t, 1, m.LiveTimers())
	assert.Empty(t, emitter.byEvent(constants.EventAcceptRequest))
	assert.Equal(t, []string{"New ride request"}, notifier.titles())
}

func TestExpiryFiresAndDestroysTimer(t *testing.T) {
	m, _, notifier := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()
	m.SetDefaultExpiry(40 * time.Millisecond)

	m.HandleNewRequest(requestPayload("req-3", 1000, 5, 4.5))
	require.Equal(t, 1, m.LiveTimers())

	assert.Eventually(t, func() bool {
		return m.LiveTimers() == 0 && len(m.Pending()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, notifier.titles(), "Request expired")
}

func TestExpiryEmitsAutoDeclineWhenConfigured(t *testing.T) {
	m, emitter, _ := newTestManager(models.AutoAcceptConfig{DeclineOnExpiry: true})
	defer m.Close()
	m.SetDefaultExpiry(40 * time.Millisecond)

	m.HandleNewRequest(requestPayload("req-4", 1000, 5, 4.5))

	assert.Eventually(t, func() bool {
		rejects := emitter.byEvent(constants.EventRejectRequest)
		return len(rejects) == 1 &&
			rejects[0].Payload.(models.RejectRequestPayload).Reason == "auto-declined"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAcceptCancelsTimerAndEmits(t *testing.T) {
	m, emitter, _ := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-5", 1000, 5, 4.5))
	require.True(t, m.Accept("req-5"))

	assert.Equal(t, 0, m.LiveTimers())
	assert.Empty(t, m.Pending())
	require.Len(t, emitter.byEvent(constants.EventAcceptRequest), 1)

	// Terminal: a second accept is a guarded no-op
	assert.False(t, m.Accept("req-5"))
	assert.Len(t, emitter.byEvent(constants.EventAcceptRequest), 1)
}

func TestRejectEmitsReasonUpstream(t *testing.T) {
	m, emitter, _ := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-6", 1000, 5, 4.5))
	require.True(t, m.Reject("req-6", "too far"))

	rejects := emitter.byEvent(constants.EventRejectRequest)
	require.Len(t, rejects, 1)
	assert.Equal(t, "too far", rejects[0].Payload.(models.RejectRequestPayload).Reason)
	assert.Equal(t, 0, m.LiveTimers())
}

func TestAcceptUnknownRequestIsNoOp(t *testing.T) {
	m, emitter, _ := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	assert.False(t, m.Accept("ghost"))
	assert.Empty(t, emitter.byEvent(constants.EventAcceptRequest))
}

func TestSurgeRepricesPendingRequestsInArea(t *testing.T) {
	m, _, _ := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-7", 1000, 5, 4.5))
	area := geo.EncodeLocation(jakartaPickup, constants.SurgeAreaPrecision)
	m.HandleSurge(models.SurgePayload{Area: area, Multiplier: 1.5})

	req, ok := m.Get("req-7")
	require.True(t, ok)
	assert.Equal(t, models.RequestStatePending, req.State)
	assert.InDelta(t, 1500.0, req.Fare, 0.001)
	assert.Equal(t, 1, m.LiveTimers())
}

func TestSurgeOutsideAreaLeavesFare(t *testing.T) {
	m, _, _ := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-8", 1000, 5, 4.5))
	m.HandleSurge(models.SurgePayload{Area: "dr5ru", Multiplier: 2.0}) // New York area

	req, _ := m.Get("req-8")
	assert.InDelta(t, 1000.0, req.Fare, 0.001)
}

func TestCachedSurgeAppliedBeforeAutoAccept(t *testing.T) {
	m, emitter, _ := newTestManager(models.AutoAcceptConfig{
		Enabled:       true,
		MinFare:       1200,
		MaxDistanceKm: 15,
		MinRating:     4.0,
	})
	defer m.Close()

	area := geo.EncodeLocation(jakartaPickup, constants.SurgeAreaPrecision)
	m.HandleSurge(models.SurgePayload{Area: area, Multiplier: 1.5})

	// Base fare 1000 misses the criteria; the surged fare 1500 satisfies it
	m.HandleNewRequest(requestPayload("req-9", 1000, 5, 4.5))

	assert.Len(t, emitter.byEvent(constants.EventAcceptRequest), 1)
	assert.Empty(t, m.Pending())
}

func TestPassengerCancellationRemovesRequest(t *testing.T) {
	m, _, notifier := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-10", 1000, 5, 4.5))
	m.HandleCancelled(models.RequestCancelledPayload{ID: "req-10", Reason: "changed my mind"})

	assert.Empty(t, m.Pending())
	assert.Equal(t, 0, m.LiveTimers())
	assert.Contains(t, notifier.titles(), "Request cancelled")

	// Unknown id: no-op, no notification
	before := len(notifier.titles())
	m.HandleCancelled(models.RequestCancelledPayload{ID: "ghost"})
	assert.Len(t, notifier.titles(), before)
}

func TestServerExpiryBroadcastRemovesRequest(t *testing.T) {
	m, _, _ := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-11", 1000, 5, 4.5))
	m.HandleServerExpired("req-11")

	assert.Empty(t, m.Pending())
	assert.Equal(t, 0, m.LiveTimers())
}

func TestDuplicateRequestIgnored(t *testing.T) {
	m, _, notifier := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-12", 1000, 5, 4.5))
	m.HandleNewRequest(requestPayload("req-12", 1000, 5, 4.5))

	assert.Len(t, m.Pending(), 1)
	assert.Len(t, notifier.titles(), 1)
}

func TestDisconnectMarksStaleAndReconnectResyncs(t *testing.T) {
	m, emitter, _ := newTestManager(models.AutoAcceptConfig{})
	defer m.Close()

	m.HandleNewRequest(requestPayload("req-13", 1000, 5, 4.5))

	m.OnConnectivityChange(false)
	assert.True(t, m.Stale())
	// No locally invented terminal state
	assert.Len(t, m.Pending(), 1)

	m.OnConnectivityChange(true)
	assert.False(t, m.Stale())
	assert.Len(t, emitter.byEvent(constants.EventResyncRequest), 1)
}
