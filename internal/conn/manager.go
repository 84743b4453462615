// Package conn owns the persistent client-backend channel: one logical
// connection per process, a typed event subscription registry, bounded
// reconnection, and the connection-status broadcast every dependent
// component resynchronizes from.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/openhail/ridesync/internal/pkg/backoff"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
)

// ErrNotConnected is returned by Emit when no live channel exists. The
// payload is not queued here; durability is the caller's concern.
var ErrNotConnected = errors.New("conn: not connected")

// Manager maintains the persistent websocket channel and dispatches
// inbound events to subscribers
type Manager struct {
	backendURL string
	identity   models.Identity
	jwtCfg     models.JWTConfig
	schedule   backoff.Schedule
	dialer     Dialer
	log        *logger.ZapLogger

	mu         sync.Mutex
	state      State
	ws         Conn
	writeMu    sync.Mutex
	attempts   int
	epoch      int
	cancelWait chan struct{}

	nextID     int
	subs       map[string]map[int]Handler
	statusSubs []statusEntry
	onFailure  func()
}

// Option customizes a Manager
type Option func(*Manager)

// WithDialer overrides the websocket dialer; tests use this to point the
// manager at an in-process server or a failing transport
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithFailureHandler registers the one-time signal surfaced after the
// reconnection bound is exhausted
func WithFailureHandler(fn func()) Option {
	return func(m *Manager) { m.onFailure = fn }
}

// NewManager creates a connection manager. It opens nothing until Connect.
func NewManager(backendURL string, identity models.Identity, reconnect models.ReconnectConfig, jwtCfg models.JWTConfig, log *logger.ZapLogger, opts ...Option) *Manager {
	m := &Manager{
		backendURL: backendURL,
		identity:   identity,
		jwtCfg:     jwtCfg,
		schedule: backoff.Schedule{
			MaxAttempts: reconnect.MaxAttempts,
			BaseDelay:   reconnect.BaseDelay,
			MaxDelay:    reconnect.MaxDelay,
			Multiplier:  reconnect.Multiplier,
			Jitter:      reconnect.Jitter,
		},
		dialer: NewGorillaDialer(),
		log:    log,
		state:  StateDisconnected,
		subs:   make(map[string]map[int]Handler),
	}
	if m.schedule.MaxAttempts <= 0 {
		m.schedule = backoff.Default()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether a live channel exists
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect establishes the channel. Idempotent: a no-op when already
// connected, connecting, or mid-reconnect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.attempts = 0
	epoch := m.epoch
	m.mu.Unlock()

	ws, err := m.dial(ctx)
	if err != nil {
		m.log.Warn("Initial connect failed, entering reconnect",
			logger.String("url", m.backendURL),
			logger.Err(err))
		m.beginReconnect(epoch)
		return err
	}

	m.adopt(ws, epoch)
	return nil
}

// Disconnect tears the channel down. Always transitions to disconnected,
// cancels any in-flight backoff wait, and is never retried.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.attempts = 0
	if m.cancelWait != nil {
		close(m.cancelWait)
		m.cancelWait = nil
	}
	ws := m.ws
	m.ws = nil
	wasConnected := m.state == StateConnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	if wasConnected {
		m.broadcastStatus(false)
	}
}

// On registers a handler for the named event. Registration works before
// any connection exists and survives reconnects.
func (m *Manager) On(event string, fn Handler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	if m.subs[event] == nil {
		m.subs[event] = make(map[int]Handler)
	}
	m.subs[event][m.nextID] = fn
	return Subscription{event: event, id: m.nextID}
}

// Off removes a single subscription
func (m *Manager) Off(sub Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.event == "" {
		for i, e := range m.statusSubs {
			if e.id == sub.id {
				m.statusSubs = append(m.statusSubs[:i], m.statusSubs[i+1:]...)
				return
			}
		}
		return
	}
	if handlers, ok := m.subs[sub.event]; ok {
		delete(handlers, sub.id)
		if len(handlers) == 0 {
			delete(m.subs, sub.event)
		}
	}
}

// OffAll removes every handler registered for the event
func (m *Manager) OffAll(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, event)
}

// OnStatus registers a connection-status listener. Listeners run
// synchronously, in registration order, on every status change.
func (m *Manager) OnStatus(fn StatusHandler) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.statusSubs = append(m.statusSubs, statusEntry{id: m.nextID, fn: fn})
	return Subscription{id: m.nextID}
}

// Emit sends an event to the backend. Send-only: when not connected the
// payload is dropped here and ErrNotConnected returned.
func (m *Manager) Emit(event string, payload interface{}) error {
	m.mu.Lock()
	ws := m.ws
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || ws == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("conn: marshal %s payload: %w", event, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return ws.WriteJSON(models.WSMessage{Event: event, Data: data})
}

// dial opens the websocket with identity query parameters and, when a
// secret is configured, a signed bearer token
func (m *Manager) dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(m.backendURL)
	if err != nil {
		return nil, fmt.Errorf("conn: parse backend url: %w", err)
	}
	q := u.Query()
	q.Set("userId", m.identity.UserID)
	q.Set("role", m.identity.Role)
	q.Set("platform", m.identity.Platform)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if m.jwtCfg.Secret != "" {
		token, err := m.signIdentity()
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	return m.dialer.Dial(ctx, u.String(), header)
}

// signIdentity issues the connect token carrying {userId, role, platform}
func (m *Manager) signIdentity() (string, error) {
	claims := models.IdentityClaims{
		UserID:   m.identity.UserID,
		Role:     m.identity.Role,
		Platform: m.identity.Platform,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.jwtCfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Duration(m.jwtCfg.Expiration) * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.jwtCfg.Secret))
	if err != nil {
		return "", fmt.Errorf("conn: sign identity token: %w", err)
	}
	return signed, nil
}

// adopt installs a live socket, resets the retry counter, starts the read
// pump, and broadcasts connection-status=true
func (m *Manager) adopt(ws Conn, epoch int) {
	m.mu.Lock()
	if m.epoch != epoch {
		// Disconnect won the race; discard the socket
		m.mu.Unlock()
		_ = ws.Close()
		return
	}
	m.ws = ws
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	m.log.Info("Connected",
		logger.String("user_id", m.identity.UserID),
		logger.String("role", m.identity.Role))

	go m.readPump(ws, epoch)
	m.broadcastStatus(true)
}

// readPump reads until the socket dies, dispatching each event
func (m *Manager) readPump(ws Conn, epoch int) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			m.handleDrop(epoch, err)
			return
		}

		var msg models.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.log.Warn("Dropping malformed frame", logger.Err(err))
			continue
		}
		m.dispatch(msg.Event, msg.Data)
	}
}

// handleDrop reacts to an involuntary read failure. Explicit disconnects
// bump the epoch first, so stale pumps exit quietly.
func (m *Manager) handleDrop(epoch int, cause error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.state = StateReconnecting
	m.mu.Unlock()

	m.log.Warn("Connection dropped", logger.Err(cause))
	m.broadcastStatus(false)
	m.beginReconnect(epoch)
}

// beginReconnect runs the bounded backoff loop in its own goroutine
func (m *Manager) beginReconnect(epoch int) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	cancel := make(chan struct{})
	m.cancelWait = cancel
	m.mu.Unlock()

	go m.reconnectLoop(epoch, cancel)
}

func (m *Manager) reconnectLoop(epoch int, cancel chan struct{}) {
	for attempt := 0; ; attempt++ {
		if m.schedule.Exhausted(attempt) {
			m.fail(epoch)
			return
		}

		delay := m.schedule.Delay(attempt)
		m.log.Info("Reconnect attempt scheduled",
			logger.Int("attempt", attempt+1),
			logger.Int("max_attempts", m.schedule.MaxAttempts),
			logger.Duration("delay", delay))

		select {
		case <-cancel:
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		stale := m.epoch != epoch
		m.attempts = attempt + 1
		m.mu.Unlock()
		if stale {
			return
		}

		ctx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
		ws, err := m.dial(ctx)
		cancelDial()
		if err != nil {
			m.log.Warn("Reconnect attempt failed",
				logger.Int("attempt", attempt+1),
				logger.Err(err))
			continue
		}

		m.mu.Lock()
		if m.cancelWait == cancel {
			m.cancelWait = nil
		}
		m.mu.Unlock()
		m.adopt(ws, epoch)
		return
	}
}

// fail transitions to the terminal failed state and surfaces the one-time
// failure signal
func (m *Manager) fail(epoch int) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	if m.cancelWait != nil {
		m.cancelWait = nil
	}
	fn := m.onFailure
	m.mu.Unlock()

	m.log.Error("Reconnection bound exhausted",
		logger.Int("max_attempts", m.schedule.MaxAttempts))
	if fn != nil {
		fn()
	}
}

// dispatch invokes every subscriber of the event, each at most once,
// recovering per handler so one panic cannot starve the rest
func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[event]))
	for _, fn := range m.subs[event] {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		m.safeInvoke(event, fn, data)
	}
}

func (m *Manager) safeInvoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Event handler panicked",
				logger.String("event", event),
				logger.Any("panic", r))
		}
	}()
	fn(data)
}

// broadcastStatus runs status listeners synchronously in registration order
func (m *Manager) broadcastStatus(connected bool) {
	m.mu.Lock()
	entries := make([]statusEntry, len(m.statusSubs))
	copy(entries, m.statusSubs)
	m.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("Status listener panicked", logger.Any("panic", r))
				}
			}()
			e.fn(connected)
		}()
	}
}
