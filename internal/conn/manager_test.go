package conn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openhail/ridesync/internal/pkg/logger"
	"github.com/openhail/ridesync/internal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer is an in-process websocket endpoint the manager dials
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int32
	inbound  chan models.WSMessage
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		t:       t,
		inbound: make(chan models.WSMessage, 64),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&ts.accepted, 1)
		ts.mu.Lock()
		ts.conns = append(ts.conns, ws)
		ts.mu.Unlock()

		for {
			var msg models.WSMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			ts.inbound <- msg
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func (ts *testServer) accepts() int {
	return int(atomic.LoadInt32(&ts.accepted))
}

func (ts *testServer) send(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	require.NoError(ts.t, err)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(ts.t, ts.conns)
	require.NoError(ts.t, ts.conns[len(ts.conns)-1].WriteJSON(models.WSMessage{Event: event, Data: data}))
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.Close()
	}
	ts.conns = nil
}

func fastReconnect() models.ReconnectConfig {
	return models.ReconnectConfig{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func newTestManager(ts *testServer, opts ...Option) *Manager {
	identity := models.Identity{UserID: "driver-1", Role: "driver", Platform: "android"}
	return NewManager(ts.url(), identity, fastReconnect(), models.JWTConfig{}, logger.NewNopLogger(), opts...)
}

func TestConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, ts.accepts())
}

func TestIdentityQueryParameters(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		up := websocket.Upgrader{}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	identity := models.Identity{UserID: "rider-7", Role: "rider", Platform: "ios"}
	m := NewManager("ws"+strings.TrimPrefix(srv.URL, "http"), identity, fastReconnect(), models.JWTConfig{}, logger.NewNopLogger())
	require.NoError(t, m.Connect(context.Background()))
	defer m.Disconnect()

	assert.Contains(t, gotQuery, "userId=rider-7")
	assert.Contains(t, gotQuery, "role=rider")
	assert.Contains(t, gotQuery, "platform=ios")
}

func TestSubscribeBeforeConnect(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts)
	defer m.Disconnect()

	received := make(chan json.RawMessage, 1)
	m.On("ride-status-update", func(data json.RawMessage) {
		received <- data
	})

	require.NoError(t, m.Connect(context.Background()))
	ts.send("ride-status-update", map[string]string{"id": "r1", "status": "matched"})

	select {
	case data := <-received:
		assert.Contains(t, string(data), "matched")
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber registered before connect never received the event")
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts)

	err := m.Emit("location-update", map[string]float64{"lat": 1, "lng": 2})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEmitReachesServer(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Emit("accept-request", map[string]string{"id": "req-1"}))

	select {
	case msg := <-ts.inbound:
		assert.Equal(t, "accept-request", msg.Event)
		assert.Contains(t, string(msg.Data), "req-1")
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the emitted event")
	}
}

func TestOffRemovesOnlyThatHandler(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts)
	defer m.Disconnect()

	var first, second int32
	sub := m.On("surge-pricing-update", func(json.RawMessage) { atomic.AddInt32(&first, 1) })
	m.On("surge-pricing-update", func(json.RawMessage) { atomic.AddInt32(&second, 1) })
	m.Off(sub)

	require.NoError(t, m.Connect(context.Background()))
	ts.send("surge-pricing-update", map[string]float64{"multiplier": 1.5})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&second) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
}

func TestPanickingHandlerDoesNotStarveOthers(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts)
	defer m.Disconnect()

	var survived int32
	m.On("new-ride-request", func(json.RawMessage) { panic("boom") })
	m.On("new-ride-request", func(json.RawMessage) { atomic.AddInt32(&survived, 1) })

	require.NoError(t, m.Connect(context.Background()))
	ts.send("new-ride-request", map[string]string{"id": "req-9"})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&survived) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts)
	defer m.Disconnect()

	var statuses []bool
	var statusMu sync.Mutex
	m.OnStatus(func(connected bool) {
		statusMu.Lock()
		statuses = append(statuses, connected)
		statusMu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	ts.dropAll()

	assert.Eventually(t, func() bool {
		return m.State() == StateConnected && ts.accepts() == 2
	}, 3*time.Second, 10*time.Millisecond)

	statusMu.Lock()
	defer statusMu.Unlock()
	assert.Equal(t, []bool{true, false, true}, statuses)
}

// failingDialer always fails and counts attempts
type failingDialer struct {
	attempts int32
}

func (d *failingDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	atomic.AddInt32(&d.attempts, 1)
	return nil, errors.New("connection refused")
}

func TestBoundedRetriesThenFailed(t *testing.T) {
	d := &failingDialer{}
	identity := models.Identity{UserID: "u1", Role: "driver", Platform: "android"}

	var failures int32
	m := NewManager("ws://localhost:1/ws", identity, fastReconnect(), models.JWTConfig{}, logger.NewNopLogger(),
		WithDialer(d),
		WithFailureHandler(func() { atomic.AddInt32(&failures, 1) }))

	assert.Error(t, m.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, 3*time.Second, 10*time.Millisecond)

	// Initial dial plus the bounded retries, then the one-time signal
	assert.Equal(t, int32(1+3), atomic.LoadInt32(&d.attempts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&failures))
}

func TestDisconnectDuringBackoffStopsRetries(t *testing.T) {
	d := &failingDialer{}
	identity := models.Identity{UserID: "u1", Role: "driver", Platform: "android"}
	cfg := models.ReconnectConfig{
		MaxAttempts: 5,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		Jitter:      false,
	}
	m := NewManager("ws://localhost:1/ws", identity, cfg, models.JWTConfig{}, logger.NewNopLogger(), WithDialer(d))

	assert.Error(t, m.Connect(context.Background()))
	require.Equal(t, StateReconnecting, m.State())

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	attemptsAtDisconnect := atomic.LoadInt32(&d.attempts)
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, attemptsAtDisconnect, atomic.LoadInt32(&d.attempts))
}

func TestStatusListenersRunInRegistrationOrder(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts)
	defer m.Disconnect()

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		m.OnStatus(func(bool) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	require.NoError(t, m.Connect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}
