// Package driver maintains the driver-side set of in-flight ride requests
// as state machines driven by backend events and per-request expiry timers.
// Timer ownership lives inside the request entry, so a request and its
// timer are always created and destroyed together.
package driver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/openhail/ridesync/internal/conn"
	"github.com/openhail/ridesync/internal/geo"
	"github.com/openhail/ridesync/internal/notify"
	"github.com/openhail/ridesync/internal/pkg/constants"
	"github.com/openhail/ridesync/internal/pkg/keyvalue"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// DefaultExpiry applies when the backend sends no per-request deadline
const DefaultExpiry = 30 * time.Second

// Emitter is the outbound slice of the connection manager
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// entry pairs a request with the timer that owns its expiry.
// Invariant: timer != nil exactly while req.State == pending.
type entry struct {
	req      *models.RideRequest
	baseFare float64
	timer    *time.Timer
}

// Manager is the driver-side request lifecycle manager
type Manager struct {
	emitter  Emitter
	notifier notify.Notifier
	store    keyvalue.Store
	log      *logger.ZapLogger
	cfg      models.AutoAcceptConfig
	criteria models.AutoAcceptCriteria
	expiry   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	surge   map[string]float64
	stale   bool
}

// NewManager creates a driver request manager
func NewManager(emitter Emitter, notifier notify.Notifier, store keyvalue.Store, cfg models.AutoAcceptConfig, log *logger.ZapLogger) *Manager {
	return &Manager{
		emitter:  emitter,
		notifier: notifier,
		store:    store,
		log:      log,
		cfg:      cfg,
		criteria: models.AutoAcceptCriteria{
			MinFare:       cfg.MinFare,
			MaxDistanceKm: cfg.MaxDistanceKm,
			MinRating:     cfg.MinRating,
		},
		expiry:  DefaultExpiry,
		entries: make(map[string]*entry),
		surge:   make(map[string]float64),
	}
}

// SetDefaultExpiry overrides the fallback expiry window applied when the
// backend sends no per-request deadline
func (m *Manager) SetDefaultExpiry(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.expiry = d
	}
}

// Bind subscribes the manager to the connection manager's events and
// status broadcast. This is the single resync hook: reconnects trigger one
// full-state request instead of per-feature rewiring.
func (m *Manager) Bind(cm *conn.Manager) {
	cm.On(constants.EventNewRideRequest, func(data json.RawMessage) {
		var p models.NewRideRequestPayload
		if err := json.Unmarshal(data, &p); err != nil {
			m.log.Warn("Malformed new-ride-request payload", logger.Err(err))
			return
		}
		m.HandleNewRequest(p)
	})
	cm.On(constants.EventRequestExpired, func(data json.RawMessage) {
		var p models.RequestExpiredPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		m.HandleServerExpired(p.ID)
	})
	cm.On(constants.EventRequestCancelled, func(data json.RawMessage) {
		var p models.RequestCancelledPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		m.HandleCancelled(p)
	})
	cm.On(constants.EventSurgeUpdate, func(data json.RawMessage) {
		var p models.SurgePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		m.HandleSurge(p)
	})
	cm.OnStatus(m.OnConnectivityChange)
}

// HandleNewRequest processes an incoming candidate trip. Any cached surge
// multiplier for the pickup area is applied before auto-accept is
// evaluated, so the decision never runs against a stale fare.
func (m *Manager) HandleNewRequest(p models.NewRideRequestPayload) {
	m.mu.Lock()
	if _, exists := m.entries[p.ID]; exists {
		m.mu.Unlock()
		return
	}

	now := models.Now()
	expiry := m.expiry
	if p.ExpiresInSec > 0 {
		expiry = time.Duration(p.ExpiresInSec) * time.Second
	}

	req := &models.RideRequest{
		ID:              p.ID,
		PassengerID:     p.PassengerID,
		PassengerName:   p.PassengerName,
		Pickup:          p.Pickup,
		Destination:     p.Destination,
		Fare:            p.Fare,
		DistanceKm:      p.DistanceKm,
		PassengerRating: p.PassengerRating,
		ReceivedAt:      now,
		ExpiresAt:       now.Add(expiry),
		State:           models.RequestStatePending,
	}

	if mult := m.surgeForLocked(req.Pickup); mult > 1 {
		req.Fare = p.Fare * mult
	}

	if m.cfg.Enabled && m.criteria.Satisfies(req) {
		// Accepted programmatically before it is ever surfaced as pending
		req.State = models.RequestStateAutoAccepted
		m.mu.Unlock()

		m.log.Info("Request auto-accepted",
			logger.String("request_id", req.ID),
			logger.Float64("fare", req.Fare),
			logger.Float64("distance_km", req.DistanceKm))
		m.emit(constants.EventAcceptRequest, models.AcceptRequestPayload{ID: req.ID, Auto: true})
		m.notifier.Notify("Ride auto-accepted", "A ride matching your criteria was accepted for you",
			map[string]interface{}{"request_id": req.ID, "fare": req.Fare})
		return
	}

	e := &entry{req: req, baseFare: p.Fare}
	e.timer = time.AfterFunc(time.Until(req.ExpiresAt), func() { m.expire(req.ID) })
	m.entries[req.ID] = e
	m.snapshotLocked()
	m.mu.Unlock()

	m.notifier.Notify("New ride request", "A passenger nearby is looking for a ride",
		map[string]interface{}{"request_id": req.ID, "fare": req.Fare, "distance_km": req.DistanceKm})
}

// Accept records an explicit driver acceptance. A guarded no-op unless the
// request is still pending.
func (m *Manager) Accept(id string) bool {
	if !m.finishPending(id, models.RequestStateAccepted) {
		return false
	}
	m.emit(constants.EventAcceptRequest, models.AcceptRequestPayload{ID: id})
	return true
}

// Reject records an explicit driver rejection
func (m *Manager) Reject(id, reason string) bool {
	if !m.finishPending(id, models.RequestStateRejected) {
		return false
	}
	m.emit(constants.EventRejectRequest, models.RejectRequestPayload{ID: id, Reason: reason})
	return true
}

// finishPending moves a pending request to a terminal state via the single
// cancel-and-remove operation
func (m *Manager) finishPending(id string, state models.RideRequestState) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.req.State != models.RequestStatePending {
		m.mu.Unlock()
		return false
	}
	e.req.State = state
	m.cancelAndRemoveLocked(id)
	m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("Request resolved",
		logger.String("request_id", id),
		logger.String("state", string(state)))
	return true
}

// expire fires from the per-request timer
func (m *Manager) expire(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.req.State != models.RequestStatePending {
		m.mu.Unlock()
		return
	}
	e.req.State = models.RequestStateExpired
	m.cancelAndRemoveLocked(id)
	m.snapshotLocked()
	declineOnExpiry := m.cfg.DeclineOnExpiry
	m.mu.Unlock()

	m.log.Info("Request expired", logger.String("request_id", id))
	if declineOnExpiry {
		m.emit(constants.EventRejectRequest, models.RejectRequestPayload{ID: id, Reason: "auto-declined"})
	}
	m.notifier.Notify("Request expired", "The ride request timed out", map[string]interface{}{"request_id": id})
}

// HandleServerExpired handles an expiry broadcast from the backend
func (m *Manager) HandleServerExpired(id string) {
	m.removeAny(id, "expired by server")
}

// HandleCancelled handles cancellation by the passenger or the backend
func (m *Manager) HandleCancelled(p models.RequestCancelledPayload) {
	if m.removeAny(p.ID, p.Reason) {
		m.notifier.Notify("Request cancelled", "The passenger cancelled the request",
			map[string]interface{}{"request_id": p.ID, "reason": p.Reason})
	}
}

// removeAny removes a request and its timer regardless of pending state
func (m *Manager) removeAny(id, reason string) bool {
	m.mu.Lock()
	_, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.cancelAndRemoveLocked(id)
	m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("Request removed",
		logger.String("request_id", id),
		logger.String("reason", reason))
	return true
}

// HandleSurge caches the multiplier for the area and reprices every
// pending request whose pickup falls inside it. Fares change, states don't.
func (m *Manager) HandleSurge(p models.SurgePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Multiplier <= 0 {
		return
	}
	m.surge[p.Area] = p.Multiplier

	for _, e := range m.entries {
		if e.req.State != models.RequestStatePending {
			continue
		}
		if geo.AreaContains(p.Area, e.req.Pickup.Latitude, e.req.Pickup.Longitude) {
			e.req.Fare = e.baseFare * p.Multiplier
		}
	}
	m.snapshotLocked()
}

// OnConnectivityChange marks the view stale on drops; the first broadcast
// after reconnect asks the backend for authoritative state
func (m *Manager) OnConnectivityChange(connected bool) {
	m.mu.Lock()
	if !connected {
		m.stale = true
		m.mu.Unlock()
		return
	}
	wasStale := m.stale
	m.stale = false
	m.mu.Unlock()

	if wasStale {
		m.emit(constants.EventResyncRequest, models.ResyncPayload{Role: "driver"})
	}
}

// Stale reports whether the local view may be behind the backend
func (m *Manager) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

// Pending returns a snapshot of the pending requests
func (m *Manager) Pending() []models.RideRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.RideRequest, 0, len(m.entries))
	for _, e := range m.entries {
		if e.req.State == models.RequestStatePending {
			out = append(out, *e.req)
		}
	}
	return out
}

// Get returns a copy of one request
func (m *Manager) Get(id string) (models.RideRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return models.RideRequest{}, false
	}
	return *e.req, true
}

// LiveTimers counts entries holding an armed expiry timer
func (m *Manager) LiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.timer != nil {
			n++
		}
	}
	return n
}

// Close stops every timer; used on shutdown
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.entries {
		m.cancelAndRemoveLocked(id)
	}
}

// cancelAndRemoveLocked is the single place a request and its timer die.
// Caller holds mu.
func (m *Manager) cancelAndRemoveLocked(id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(m.entries, id)
}

// surgeForLocked returns the cached multiplier covering the point, or 1.
// Caller holds mu.
func (m *Manager) surgeForLocked(point models.Location) float64 {
	for area, mult := range m.surge {
		if geo.AreaContains(area, point.Latitude, point.Longitude) {
			return mult
		}
	}
	return 1
}

// snapshotLocked caches the pending view in the local store. Best-effort
// only. Caller holds mu.
func (m *Manager) snapshotLocked() {
	if m.store == nil {
		return
	}
	pending := make([]models.RideRequest, 0, len(m.entries))
	for _, e := range m.entries {
		if e.req.State == models.RequestStatePending {
			pending = append(pending, *e.req)
		}
	}
	if data, err := json.Marshal(pending); err == nil {
		m.store.Set(constants.KeyPendingRequests, string(data))
	}
}

func (m *Manager) emit(event string, payload interface{}) {
	if err := m.emitter.Emit(event, payload); err != nil {
		m.log.Warn("Upstream emit failed",
			logger.String("event", event),
			logger.Err(err))
	}
}
