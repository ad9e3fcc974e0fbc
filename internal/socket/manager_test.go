package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openFrame = `0{"sid":"s1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`

// fakeServer speaks just enough socket.io to exercise Manager.
type fakeServer struct {
	srv       *httptest.Server
	upgrader  websocket.Upgrader
	accepting atomic.Bool
	refuse    atomic.Bool
	dials     atomic.Int32
	conns     chan *websocket.Conn
	received  chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		conns:    make(chan *websocket.Conn, 16),
		received: make(chan string, 64),
	}
	fs.accepting.Store(true)
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.dials.Add(1)
	if !fs.accepting.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.Error(w, "unexpected endpoint", http.StatusBadRequest)
		return
	}

	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(openFrame)); err != nil {
		conn.Close()
		return
	}
	_, data, err := conn.ReadMessage()
	if err != nil || string(data) != "40/invoices," {
		conn.Close()
		return
	}
	if fs.refuse.Load() {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`44/invoices,{"message":"Not authorized"}`))
		conn.Close()
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`40/invoices,{"sid":"n1"}`)); err != nil {
		conn.Close()
		return
	}

	fs.conns <- conn
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case fs.received <- string(data):
		default:
		}
	}
}

func (fs *fakeServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no socket connection established")
		return nil
	}
}

func (fs *fakeServer) expect(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-fs.received:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("server never received %q", want)
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func newTestManager(t *testing.T, fs *fakeServer, attempts int) *Manager {
	t.Helper()
	cfg := DefaultConfig(fs.srv.URL)
	cfg.ReconnectAttempts = attempts
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.HandshakeTimeout = time.Second

	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)
	return m
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)

	require.NoError(t, m.Connect(context.Background()))
	fs.nextConn(t)
	require.NoError(t, m.Connect(context.Background()))

	assert.Equal(t, StateConnected, m.Health().State)
	assert.Equal(t, int32(1), fs.dials.Load())
}

func TestStatusUpdatesReachEveryListener(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)
	require.NoError(t, m.Connect(context.Background()))
	conn := fs.nextConn(t)

	first := make(chan StatusUpdate, 4)
	second := make(chan StatusUpdate, 4)
	m.OnStatusUpdate(func(su StatusUpdate) { first <- su })
	id := m.OnStatusUpdate(func(su StatusUpdate) { second <- su })

	send(t, conn, `42/other,["invoice_status_update",{"id":1,"status":"failed","filename":"x.pdf"}]`)
	send(t, conn, `42/invoices,["invoice_status_update",{"id":5,"status":"processed","filename":"a.pdf"}]`)

	for _, ch := range []chan StatusUpdate{first, second} {
		select {
		case su := <-ch:
			assert.Equal(t, int64(5), su.ID)
			assert.Equal(t, "processed", string(su.Status))
		case <-time.After(2 * time.Second):
			t.Fatal("listener not called")
		}
	}

	m.RemoveListener(KindStatusUpdate, id)
	m.RemoveListener(KindStatusUpdate, id)

	send(t, conn, `42/invoices,["invoice_status_update",{"id":6,"status":"failed","filename":"b.pdf"}]`)
	select {
	case su := <-first:
		assert.Equal(t, int64(6), su.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining listener not called")
	}
	select {
	case <-second:
		t.Fatal("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPreviewUpdateListener(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)
	require.NoError(t, m.Connect(context.Background()))
	conn := fs.nextConn(t)

	got := make(chan PreviewUpdate, 1)
	m.OnPreviewUpdate(func(pu PreviewUpdate) { got <- pu })

	send(t, conn, `42/invoices,["invoice_preview_updated",{"id":9,"preview_data":{"invoice_number":"F-9"}}]`)

	select {
	case pu := <-got:
		assert.Equal(t, int64(9), pu.ID)
		assert.JSONEq(t, `{"invoice_number":"F-9"}`, string(pu.PreviewData))
	case <-time.After(2 * time.Second):
		t.Fatal("preview listener not called")
	}
}

func TestAnswersServerPing(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)
	require.NoError(t, m.Connect(context.Background()))
	conn := fs.nextConn(t)

	send(t, conn, "2")
	fs.expect(t, "3")
}

func TestRoomsAreNoopsWhileDisconnected(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)

	assert.NoError(t, m.JoinRoom("invoice_1"))
	assert.Empty(t, m.Rooms())
	assert.NoError(t, m.LeaveRoom("invoice_1"))
	assert.Equal(t, int32(0), fs.dials.Load())
}

func TestJoinAndLeaveRoom(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)
	require.NoError(t, m.Connect(context.Background()))
	fs.nextConn(t)

	require.NoError(t, m.JoinRoom("invoice_12"))
	fs.expect(t, `42/invoices,["join",{"room":"invoice_12"}]`)
	assert.Equal(t, []string{"invoice_12"}, m.Rooms())

	require.NoError(t, m.LeaveRoom("invoice_12"))
	fs.expect(t, `42/invoices,["leave",{"room":"invoice_12"}]`)
	assert.Empty(t, m.Rooms())
}

func TestReconnectsAndRejoinsRoomsAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)
	require.NoError(t, m.Connect(context.Background()))
	conn := fs.nextConn(t)

	require.NoError(t, m.JoinRoom("invoice_3"))
	fs.expect(t, `42/invoices,["join",{"room":"invoice_3"}]`)

	conn.Close()

	fs.nextConn(t)
	fs.expect(t, `42/invoices,["join",{"room":"invoice_3"}]`)
	assert.Eventually(t, m.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), fs.dials.Load())
}

func TestGivesUpAfterBoundedAttempts(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 2)
	require.NoError(t, m.Connect(context.Background()))
	conn := fs.nextConn(t)

	fs.accepting.Store(false)
	conn.Close()

	assert.Eventually(t, func() bool { return m.Health().State == StateError }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), fs.dials.Load(), "initial dial plus two attempts")
	assert.Contains(t, m.Health().Reason, "gave up after 2 attempts")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), fs.dials.Load(), "no further automatic attempts")

	fs.accepting.Store(true)
	require.NoError(t, m.Connect(context.Background()))
	fs.nextConn(t)
	assert.Equal(t, StateConnected, m.Health().State)
}

func TestConnectErrorSetsErrorState(t *testing.T) {
	fs := newFakeServer(t)
	fs.refuse.Store(true)
	m := newTestManager(t, fs, 3)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Not authorized")

	h := m.Health()
	assert.Equal(t, StateError, h.State)
	assert.Contains(t, h.Reason, "Not authorized")
}

func TestDisconnectIsFinal(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)
	require.NoError(t, m.Connect(context.Background()))
	fs.nextConn(t)

	m.OnStatusUpdate(func(StatusUpdate) {})
	m.Disconnect()
	fs.expect(t, "41/invoices,")

	assert.Equal(t, StateDisconnected, m.Health().State)
	assert.Equal(t, 0, m.registry.Count(KindStatusUpdate))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fs.dials.Load(), "caller-initiated disconnect does not reconnect")

	assert.NotPanics(t, m.Disconnect)
}

func TestRetainSharesOneConnection(t *testing.T) {
	fs := newFakeServer(t)
	m := newTestManager(t, fs, 3)

	releaseA, err := m.Retain(context.Background())
	require.NoError(t, err)
	fs.nextConn(t)
	releaseB, err := m.Retain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, m.Holders())
	assert.Equal(t, int32(1), fs.dials.Load())

	releaseA()
	releaseA()
	assert.True(t, m.Connected(), "another holder still depends on the connection")

	releaseB()
	assert.Equal(t, StateDisconnected, m.Health().State)
	assert.Equal(t, 0, m.Holders())
}

func TestRetainDuringFinalReleaseKeepsConnection(t *testing.T) {
	fs := newFakeServer(t)

	var m *Manager
	var once sync.Once
	type retained struct {
		release func()
		err     error
	}
	second := make(chan retained, 1)

	cfg := DefaultConfig(fs.srv.URL)
	cfg.ReconnectAttempts = 0
	cfg.HandshakeTimeout = time.Second
	cfg.OnHealthChange = func(h Health) {
		if h.State != StateDisconnected {
			return
		}
		// A second holder arrives while the last release is tearing down.
		once.Do(func() {
			go func() {
				release, err := m.Retain(context.Background())
				second <- retained{release: release, err: err}
			}()
		})
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)

	releaseA, err := m.Retain(context.Background())
	require.NoError(t, err)
	fs.nextConn(t)
	releaseA()

	var b retained
	select {
	case b = <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("second Retain never returned")
	}
	require.NoError(t, b.err)
	fs.nextConn(t)

	assert.True(t, m.Connected(), "the new holder owns a live connection")
	assert.Equal(t, 1, m.Holders())
	assert.Equal(t, int32(2), fs.dials.Load())

	m.OnStatusUpdate(func(StatusUpdate) {})
	assert.Equal(t, 1, m.registry.Count(KindStatusUpdate))

	b.release()
	assert.Equal(t, StateDisconnected, m.Health().State)
}

func TestHealthChangesAreReported(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var states []State
	cfg := DefaultConfig(fs.srv.URL)
	cfg.OnHealthChange = func(h Health) {
		mu.Lock()
		states = append(states, h.State)
		mu.Unlock()
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background()))
	fs.nextConn(t)
	m.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected}, states)
}
