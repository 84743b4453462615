// Package rider maintains the single active ride search as a state
// machine mirroring the backend's matching flow, including the live
// peer-location subscription for the assigned driver.
package rider

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/openhail/ridesync/internal/conn"
	"github.com/openhail/ridesync/internal/notify"
	"github.com/openhail/ridesync/internal/pkg/constants"
	"github.com/openhail/ridesync/internal/pkg/keyvalue"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// ErrSearchActive is returned when a search is started while another one
// is still in flight
var ErrSearchActive = errors.New("rider: a search is already active")

// Bus is the slice of the connection manager the search manager needs
type Bus interface {
	Emit(event string, payload interface{}) error
	On(event string, fn conn.Handler) conn.Subscription
	Off(sub conn.Subscription)
}

// LocationSource supplies the best-known device position for SOS alerts
type LocationSource interface {
	LastKnown() (models.LocationSample, bool)
}

// Manager is the rider-side ride search manager
type Manager struct {
	bus      Bus
	notifier notify.Notifier
	store    keyvalue.Store
	source   LocationSource
	log      *logger.ZapLogger

	mu        sync.Mutex
	search    *models.RideSearch
	peerSub   *conn.Subscription
	onPeer    func(models.PeerLocationPayload)
	onArrived func(models.RideSearch)
	stale     bool
}

// NewManager creates a rider search manager. source may be nil when no
// sampler is attached; SOS then falls back to pickup coordinates.
func NewManager(bus Bus, notifier notify.Notifier, store keyvalue.Store, source LocationSource, log *logger.ZapLogger) *Manager {
	return &Manager{
		bus:      bus,
		notifier: notifier,
		store:    store,
		source:   source,
		log:      log,
	}
}

// SetPeerLocationHandler installs the callback receiving the assigned
// driver's live position
func (m *Manager) SetPeerLocationHandler(fn func(models.PeerLocationPayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeer = fn
}

// SetArrivedHandler installs the hand-off to the active-trip flow
func (m *Manager) SetArrivedHandler(fn func(models.RideSearch)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onArrived = fn
}

// Bind subscribes the manager to the connection manager's events and
// status broadcast
func (m *Manager) Bind(cm *conn.Manager) {
	cm.On(constants.EventRideStatusUpdate, func(data json.RawMessage) {
		var p models.RideStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			m.log.Warn("Malformed ride-status-update payload", logger.Err(err))
			return
		}
		m.HandleStatus(p)
	})
	cm.On(constants.EventRequestCancelled, func(data json.RawMessage) {
		var p models.RequestCancelledPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		m.HandleCancelled(p)
	})
	cm.OnStatus(m.OnConnectivityChange)
}

// StartSearch begins a new search. Only one may be in flight; terminal
// searches are replaced by fresh instances.
func (m *Manager) StartSearch(pickup, destination models.Location) (string, error) {
	m.mu.Lock()
	if m.search != nil && !m.search.State.Terminal() {
		m.mu.Unlock()
		return "", ErrSearchActive
	}

	id := uuid.New().String()
	m.search = &models.RideSearch{
		RequestID:   id,
		State:       models.SearchStateSearching,
		Pickup:      pickup,
		Destination: destination,
		StartedAt:   models.Now(),
	}
	m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("Ride search started", logger.String("request_id", id))
	if err := m.bus.Emit(constants.EventRideSearch, models.RideSearchPayload{
		RequestID:   id,
		Pickup:      pickup,
		Destination: destination,
	}); err != nil {
		m.log.Warn("Search emit failed; backend will learn of it on resync", logger.Err(err))
	}
	return id, nil
}

// HandleStatus applies a backend status change to the active search.
// Undefined transitions are guarded no-ops.
func (m *Manager) HandleStatus(p models.RideStatusPayload) {
	m.mu.Lock()
	s := m.search
	if s == nil || s.RequestID != p.ID || s.State.Terminal() {
		m.mu.Unlock()
		return
	}

	next, ok := nextState(s.State, p.Status)
	if !ok {
		from := s.State
		m.mu.Unlock()
		m.log.Debug("Ignoring undefined search transition",
			logger.String("from", string(from)),
			logger.String("status", p.Status))
		return
	}

	s.State = next
	if p.DriverID != "" {
		s.DriverID = p.DriverID
		s.DriverName = p.DriverName
	}
	if p.ETA > 0 {
		s.ETAEstimate = p.ETA
	}

	openPeer := (next == models.SearchStateMatched || next == models.SearchStateAccepted) &&
		m.peerSub == nil && s.DriverID != ""
	closePeer := next.Terminal()
	onArrived := m.onArrived
	snapshot := *s
	m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("Search state changed",
		logger.String("request_id", p.ID),
		logger.String("state", string(next)))

	if openPeer {
		m.openPeerSubscription(snapshot.DriverID)
	}
	if closePeer {
		m.closePeerSubscription()
	}

	switch next {
	case models.SearchStateMatched:
		m.notifier.Notify("Driver found", "A driver is being confirmed for your ride",
			map[string]interface{}{"request_id": p.ID, "driver_id": snapshot.DriverID})
	case models.SearchStateEnroute:
		m.notifier.Notify("Driver on the way", snapshot.DriverName+" is heading to your pickup point",
			map[string]interface{}{"request_id": p.ID, "driver_id": snapshot.DriverID})
	case models.SearchStateArrived:
		m.notifier.Notify("Driver arrived", "Your driver is at the pickup point",
			map[string]interface{}{"request_id": p.ID})
		if onArrived != nil {
			onArrived(snapshot)
		}
	case models.SearchStateNoDrivers:
		m.notifier.Notify("No drivers available", "Try searching again in a moment",
			map[string]interface{}{"request_id": p.ID})
	}
}

// Cancel ends the search from the rider's side. Allowed from any
// non-terminal state; arrived rides are past cancelling.
func (m *Manager) Cancel(reason string) bool {
	m.mu.Lock()
	s := m.search
	if s == nil || s.State.Terminal() {
		m.mu.Unlock()
		return false
	}
	s.State = models.SearchStateCancelled
	id := s.RequestID
	m.snapshotLocked()
	m.mu.Unlock()

	m.closePeerSubscription()
	if err := m.bus.Emit(constants.EventCancelRequest, models.CancelRequestPayload{
		ID:          id,
		Reason:      reason,
		CancelledBy: "rider",
	}); err != nil {
		m.log.Warn("Cancel emit failed", logger.Err(err))
	}
	m.log.Info("Search cancelled by rider", logger.String("request_id", id))
	return true
}

// HandleCancelled applies a server-pushed cancellation (driver-initiated)
func (m *Manager) HandleCancelled(p models.RequestCancelledPayload) {
	m.mu.Lock()
	s := m.search
	if s == nil || s.RequestID != p.ID || s.State.Terminal() {
		m.mu.Unlock()
		return
	}
	s.State = models.SearchStateCancelled
	m.snapshotLocked()
	m.mu.Unlock()

	m.closePeerSubscription()
	m.notifier.Notify("Ride cancelled", "The ride was cancelled",
		map[string]interface{}{"request_id": p.ID, "reason": p.Reason, "cancelled_by": p.CancelledBy})
}

// SOS sends the emergency side-channel alert. It never changes ride state
// and is fire-and-forget: a failed send is logged, not retried.
func (m *Manager) SOS(message string) bool {
	m.mu.Lock()
	s := m.search
	if s == nil || s.State.Terminal() {
		m.mu.Unlock()
		return false
	}
	id := s.RequestID
	loc := s.Pickup
	m.mu.Unlock()

	if m.source != nil {
		if sample, ok := m.source.LastKnown(); ok {
			loc = sample.Point()
		}
	}

	if err := m.bus.Emit(constants.EventSOSAlert, models.SOSAlertPayload{
		ID:       id,
		Location: loc,
		Message:  message,
	}); err != nil {
		m.log.Error("SOS emit failed", logger.Err(err))
	}
	return true
}

// OnConnectivityChange marks the view stale on drops and resyncs once on
// reconnect; the client never invents a terminal state locally
func (m *Manager) OnConnectivityChange(connected bool) {
	m.mu.Lock()
	if !connected {
		m.stale = true
		m.mu.Unlock()
		return
	}
	wasStale := m.stale
	m.stale = false
	active := m.search != nil && !m.search.State.Terminal()
	m.mu.Unlock()

	if wasStale && active {
		if err := m.bus.Emit(constants.EventResyncRequest, models.ResyncPayload{Role: "rider"}); err != nil {
			m.log.Warn("Resync emit failed", logger.Err(err))
		}
	}
}

// Stale reports whether the local view may be behind the backend
func (m *Manager) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

// Active returns a copy of the current search, if any
func (m *Manager) Active() (models.RideSearch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.search == nil {
		return models.RideSearch{}, false
	}
	return *m.search, true
}

// PeerSubscribed reports whether the driver-location subscription is open
func (m *Manager) PeerSubscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerSub != nil
}

func (m *Manager) openPeerSubscription(driverID string) {
	sub := m.bus.On(constants.EventPeerLocation, func(data json.RawMessage) {
		var p models.PeerLocationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		if p.EntityID != driverID {
			return
		}
		m.mu.Lock()
		fn := m.onPeer
		m.mu.Unlock()
		if fn != nil {
			fn(p)
		}
	})

	m.mu.Lock()
	if m.peerSub != nil {
		// Lost a race with another opener; keep the first subscription
		m.mu.Unlock()
		m.bus.Off(sub)
		return
	}
	m.peerSub = &sub
	m.mu.Unlock()

	m.log.Info("Peer location subscription opened", logger.String("driver_id", driverID))
}

func (m *Manager) closePeerSubscription() {
	m.mu.Lock()
	sub := m.peerSub
	m.peerSub = nil
	m.mu.Unlock()

	if sub != nil {
		m.bus.Off(*sub)
		m.log.Info("Peer location subscription closed")
	}
}

// snapshotLocked caches the active search in the local store. Caller holds mu.
func (m *Manager) snapshotLocked() {
	if m.store == nil || m.search == nil {
		return
	}
	if data, err := json.Marshal(m.search); err == nil {
		m.store.Set(constants.KeyActiveSearch, string(data))
	}
}

// nextState maps a backend status onto the defined transition table
func nextState(from models.RideSearchState, status string) (models.RideSearchState, bool) {
	switch status {
	case constants.StatusMatched:
		if from == models.SearchStateSearching {
			return models.SearchStateMatched, true
		}
	case constants.StatusAccepted:
		if from == models.SearchStateMatched {
			return models.SearchStateAccepted, true
		}
	case constants.StatusEnroute:
		if from == models.SearchStateAccepted {
			return models.SearchStateEnroute, true
		}
	case constants.StatusArrived:
		if from == models.SearchStateEnroute {
			return models.SearchStateArrived, true
		}
	case constants.StatusNoDrivers:
		if from == models.SearchStateSearching {
			return models.SearchStateNoDrivers, true
		}
	case constants.StatusCancelled:
		return models.SearchStateCancelled, true
	}
	return "", false
}
