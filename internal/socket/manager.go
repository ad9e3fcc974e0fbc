// Package socket keeps the single live connection to the backend's
// socket.io update namespace and fans server pushes out to local listeners.
//
// The backend runs python-socketio and pushes two events on the /invoices
// namespace:
//   - invoice_status_update {id, status, filename} to every client
//   - invoice_preview_updated {id, preview_data} to the room invoice_<id>
//
// Manager speaks Engine.IO v4 over a websocket (no long-polling fallback),
// answers server heartbeats, and after an unexpected drop retries a bounded
// number of times with a fixed delay. When the attempts are exhausted the
// health state becomes StateError and only an explicit Connect retries.
//
// One Manager is owned by the process. Components that need live updates call
// Retain and defer the returned release; the connection closes when the last
// holder releases it.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"invoicedesk/internal/logger"
	"invoicedesk/internal/metrics"
)

// State is the connection health.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Health is a snapshot of the connection state. Reason explains the last
// failure; Attempt counts reconnection attempts while reconnecting.
type Health struct {
	State   State
	Reason  string
	Attempt int
}

func (h Health) String() string {
	if h.Reason == "" {
		return h.State.String()
	}
	return fmt.Sprintf("%s(%s)", h.State, h.Reason)
}

var (
	// ErrConnectAborted is returned by Connect when Disconnect ran while the
	// connection was being established.
	ErrConnectAborted = errors.New("connect aborted by disconnect")

	// ErrServerClosed marks a drop initiated by the server.
	ErrServerClosed = errors.New("server closed the connection")
)

// Config configures a Manager.
type Config struct {
	BaseURL           string        // backend origin, http(s) or ws(s)
	Path              string        // socket.io mount path, default /socket.io/
	Namespace         string        // default /invoices
	ReconnectAttempts int           // attempts after an unexpected drop
	ReconnectDelay    time.Duration // fixed delay before each attempt
	HandshakeTimeout  time.Duration // default 10s
	Dialer            *websocket.Dialer
	Metrics           *metrics.Metrics

	// OnHealthChange is called after every state change, outside any lock.
	OnHealthChange func(Health)
}

// DefaultConfig returns the settings used by the dashboard.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		Path:              "/socket.io/",
		Namespace:         "/invoices",
		ReconnectAttempts: 5,
		ReconnectDelay:    3 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Manager owns the socket connection.
type Manager struct {
	cfg      Config
	endpoint string
	log      zerolog.Logger
	registry *Registry

	connectMu sync.Mutex // serializes Connect
	writeMu   sync.Mutex // one writer per websocket

	mu            sync.Mutex
	health        Health
	conn          *websocket.Conn
	gen           uint64 // bumped whenever the current connection is abandoned
	rooms         map[string]struct{}
	stopReconnect context.CancelFunc

	refMu sync.Mutex
	refs  int
}

// NewManager validates cfg and returns a disconnected Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		cfg.Path = "/socket.io/"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "/invoices"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	endpoint, err := socketURL(cfg.BaseURL, cfg.Path)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("socket")
	return &Manager{
		cfg:      cfg,
		endpoint: endpoint,
		log:      log,
		registry: NewRegistry(log),
		rooms:    make(map[string]struct{}),
	}, nil
}

// socketURL builds ws(s)://host/<path>/?EIO=4&transport=websocket.
func socketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid socket base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid socket base URL %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid socket base URL %q: missing host", base)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint returns the websocket URL the manager dials.
func (m *Manager) Endpoint() string {
	return m.endpoint
}

// Health returns the current connection state.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Connected reports whether the namespace is connected.
func (m *Manager) Connected() bool {
	return m.Health().State == StateConnected
}

// Connect opens the connection if it is not already open. Calling it while
// connected logs and returns nil. An explicit Connect cancels any pending
// automatic reconnection and takes over.
func (m *Manager) Connect(ctx context.Context) error {
	const op = "Connect"

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.health.State == StateConnected {
		m.mu.Unlock()
		m.log.Debug().Str("endpoint", m.endpoint).Msg("Already connected")
		return nil
	}
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.gen++
	gen := m.gen
	connecting := Health{State: StateConnecting}
	m.health = connecting
	m.mu.Unlock()
	m.notify(connecting)

	m.log.Info().
		Str("endpoint", m.endpoint).
		Str("namespace", m.cfg.Namespace).
		Msg("Connecting")

	conn, open, err := m.dial(ctx)
	if err != nil {
		m.fail(gen, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	if !m.install(conn, open, gen) {
		return fmt.Errorf("%s: %w", op, ErrConnectAborted)
	}
	return nil
}

// Disconnect closes the connection, stops reconnection, forgets joined rooms
// and removes every listener. It is safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	m.rooms = make(map[string]struct{})
	changed := m.health.State != StateDisconnected
	m.health = Health{State: StateDisconnected}
	m.mu.Unlock()

	m.registry.Clear()
	m.cfg.Metrics.SocketConnected(false)

	if conn != nil {
		_ = m.write(conn, encodeDisconnect(m.cfg.Namespace))
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
		m.log.Info().Msg("Disconnected")
	}
	if changed {
		m.notify(Health{State: StateDisconnected})
	}
}

// Retain marks the caller as depending on the connection and connects if
// needed. The returned release must be called exactly once; the last release
// disconnects. A connect failure is returned but the hold is still taken, so
// the caller must release it.
//
// The last release disconnects while holding the reference lock, so a Retain
// racing with it waits for the teardown and then reconnects.
func (m *Manager) Retain(ctx context.Context) (func(), error) {
	m.refMu.Lock()
	m.refs++
	m.refMu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.refMu.Lock()
			defer m.refMu.Unlock()
			m.refs--
			if m.refs == 0 {
				m.Disconnect()
			}
		})
	}

	if err := m.Connect(ctx); err != nil {
		return release, err
	}
	return release, nil
}

// Holders returns the number of outstanding Retain calls.
func (m *Manager) Holders() int {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	return m.refs
}

// AddListener registers fn for kind. Listeners run on the connection's read
// goroutine in server order and must not block.
func (m *Manager) AddListener(kind EventKind, fn Listener) ListenerID {
	return m.registry.Add(kind, fn)
}

// RemoveListener unregisters a listener; unknown ids are ignored.
func (m *Manager) RemoveListener(kind EventKind, id ListenerID) {
	if !m.registry.Remove(kind, id) {
		m.log.Debug().
			Str("kind", string(kind)).
			Uint64("listener_id", uint64(id)).
			Msg("Listener not registered")
	}
}

// OnStatusUpdate registers a typed status-update listener.
func (m *Manager) OnStatusUpdate(fn func(StatusUpdate)) ListenerID {
	return m.AddListener(KindStatusUpdate, func(evt Event) {
		if evt.Status != nil {
			fn(*evt.Status)
		}
	})
}

// OnPreviewUpdate registers a typed preview-update listener.
func (m *Manager) OnPreviewUpdate(fn func(PreviewUpdate)) ListenerID {
	return m.AddListener(KindPreviewUpdate, func(evt Event) {
		if evt.Preview != nil {
			fn(*evt.Preview)
		}
	})
}

// JoinRoom subscribes to a server-side room such as invoice_12. It is a
// no-op when not connected. Joined rooms are re-joined after a reconnect.
func (m *Manager) JoinRoom(name string) error {
	return m.roomRequest("join", name, true)
}

// LeaveRoom unsubscribes from a room. It is a no-op when not connected.
func (m *Manager) LeaveRoom(name string) error {
	return m.roomRequest("leave", name, false)
}

// Rooms returns the joined rooms, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

func (m *Manager) roomRequest(action, name string, join bool) error {
	m.mu.Lock()
	conn := m.conn
	if conn == nil || m.health.State != StateConnected {
		m.mu.Unlock()
		m.log.Debug().Str("room", name).Str("action", action).Msg("Not connected, room request skipped")
		return nil
	}
	if join {
		m.rooms[name] = struct{}{}
	} else {
		delete(m.rooms, name)
	}
	m.mu.Unlock()

	if err := m.emit(conn, action, map[string]string{"room": name}); err != nil {
		return fmt.Errorf("%s room %s: %w", action, name, err)
	}
	m.log.Debug().Str("room", name).Str("action", action).Msg("Room request sent")
	return nil
}

// dial opens the websocket and completes both handshakes.
func (m *Manager) dial(ctx context.Context) (*websocket.Conn, openPayload, error) {
	conn, resp, err := m.cfg.Dialer.DialContext(ctx, m.endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, openPayload{}, fmt.Errorf("websocket handshake failed with HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, openPayload{}, fmt.Errorf("websocket dial: %w", err)
	}

	open, err := m.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, openPayload{}, err
	}
	return conn, open, nil
}

func (m *Manager) handshake(conn *websocket.Conn) (openPayload, error) {
	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	var open openPayload
	f, err := readFrame(conn)
	if err != nil {
		return open, fmt.Errorf("engine handshake: %w", err)
	}
	if f.Type != engineOpen {
		return open, fmt.Errorf("engine handshake: %w: expected open packet, got %q", ErrMalformedPacket, f.Type)
	}
	if err := json.Unmarshal([]byte(f.Data), &open); err != nil {
		return open, fmt.Errorf("engine handshake: %w: %v", ErrMalformedPacket, err)
	}

	if err := m.write(conn, encodeConnect(m.cfg.Namespace)); err != nil {
		return open, fmt.Errorf("namespace connect: %w", err)
	}

	for {
		f, err := readFrame(conn)
		if err != nil {
			return open, fmt.Errorf("namespace connect: %w", err)
		}
		switch f.Type {
		case enginePing:
			if err := m.write(conn, encodePong()); err != nil {
				return open, fmt.Errorf("namespace connect: %w", err)
			}
		case engineClose:
			return open, fmt.Errorf("namespace connect: %w", ErrServerClosed)
		case engineMessage:
			p := f.Packet
			if p.Namespace != m.cfg.Namespace {
				continue
			}
			switch p.Type {
			case packetConnect:
				m.log.Debug().Str("sid", open.SID).Msg("Namespace connected")
				return open, nil
			case packetConnectError:
				return open, fmt.Errorf("namespace connect refused: %s", p.connectError())
			}
		}
	}
}

func readFrame(conn *websocket.Conn) (frame, error) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return frame{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return decodeFrame(string(data))
	}
}

// install makes conn current unless the attempt identified by gen was superseded.
func (m *Manager) install(conn *websocket.Conn, open openPayload, gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.conn = conn
	m.health = Health{State: StateConnected}
	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	sort.Strings(rooms)
	for _, room := range rooms {
		if err := m.emit(conn, "join", map[string]string{"room": room}); err != nil {
			m.log.Warn().Err(err).Str("room", room).Msg("Failed to rejoin room")
		}
	}

	m.cfg.Metrics.SocketConnected(true)
	m.log.Info().
		Str("sid", open.SID).
		Int("rooms", len(rooms)).
		Msg("Connected")
	m.notify(Health{State: StateConnected})

	go m.readLoop(conn, open, gen)
	return true
}

// fail records a failed explicit connect.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	h := Health{State: StateError, Reason: err.Error()}
	m.health = h
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("Connection failed")
	m.notify(h)
}

func (m *Manager) readLoop(conn *websocket.Conn, open openPayload, gen uint64) {
	window := open.heartbeatWindow()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(window))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			m.dropped(gen, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		f, err := decodeFrame(string(data))
		if err != nil {
			m.log.Warn().Err(err).Msg("Ignoring undecodable frame")
			continue
		}

		switch f.Type {
		case enginePing:
			if err := m.write(conn, encodePong()); err != nil {
				m.dropped(gen, err)
				return
			}
		case engineClose:
			m.dropped(gen, ErrServerClosed)
			return
		case engineMessage:
			p := f.Packet
			if p.Namespace != m.cfg.Namespace {
				continue
			}
			switch p.Type {
			case packetEvent:
				m.handleEvent(*p)
			case packetDisconnect:
				m.dropped(gen, ErrServerClosed)
				return
			case packetConnectError:
				m.dropped(gen, fmt.Errorf("namespace error: %s", p.connectError()))
				return
			}
		}
	}
}

func (m *Manager) handleEvent(p packet) {
	name, payload, err := p.event()
	if err != nil {
		m.log.Warn().Err(err).Msg("Ignoring malformed event")
		return
	}

	evt, known, err := decodeEvent(name, payload)
	if !known {
		m.log.Debug().Str("event", name).Msg("Ignoring unhandled event")
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Str("event", name).Msg("Ignoring undecodable event")
		return
	}

	m.cfg.Metrics.SocketEvent(string(evt.Kind))
	delivered := m.registry.Dispatch(evt)
	m.log.Debug().
		Str("event", name).
		Int("listeners", delivered).
		Msg("Event dispatched")
}

// dropped handles a connection lost without the caller asking for it.
func (m *Manager) dropped(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	conn := m.conn
	m.conn = nil

	ctx, cancel := context.WithCancel(context.Background())
	m.stopReconnect = cancel
	h := Health{State: StateConnecting, Reason: cause.Error()}
	if m.cfg.ReconnectAttempts == 0 {
		h = Health{State: StateError, Reason: cause.Error()}
	}
	m.health = h
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.cfg.Metrics.SocketConnected(false)
	m.log.Warn().Err(cause).Int("max_attempts", m.cfg.ReconnectAttempts).Msg("Connection lost")
	m.notify(h)

	if m.cfg.ReconnectAttempts == 0 {
		cancel()
		return
	}
	go m.reconnect(ctx, next, cause)
}

func (m *Manager) reconnect(ctx context.Context, gen uint64, cause error) {
	lastErr := cause
	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !m.setAttempt(gen, attempt, lastErr) {
			return
		}
		m.cfg.Metrics.SocketReconnectAttempt()
		m.log.Info().Int("attempt", attempt).Int("max_attempts", m.cfg.ReconnectAttempts).Msg("Reconnecting")

		conn, open, err := m.dial(ctx)
		if err == nil {
			if m.install(conn, open, gen) {
				m.clearReconnect(gen)
			}
			return
		}
		lastErr = err
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	h := Health{
		State:  StateError,
		Reason: fmt.Sprintf("gave up after %d attempts: %v", m.cfg.ReconnectAttempts, lastErr),
	}
	m.health = h
	m.mu.Unlock()

	m.log.Error().Err(lastErr).Int("attempts", m.cfg.ReconnectAttempts).Msg("Reconnection failed, explicit connect required")
	m.notify(h)
}

func (m *Manager) setAttempt(gen uint64, attempt int, lastErr error) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	h := Health{State: StateConnecting, Reason: lastErr.Error(), Attempt: attempt}
	m.health = h
	m.mu.Unlock()
	m.notify(h)
	return true
}

func (m *Manager) clearReconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
}

func (m *Manager) emit(conn *websocket.Conn, name string, payload interface{}) error {
	text, err := encodeEvent(m.cfg.Namespace, name, payload)
	if err != nil {
		return err
	}
	return m.write(conn, text)
}

func (m *Manager) write(conn *websocket.Conn, text string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (m *Manager) notify(h Health) {
	if m.cfg.OnHealthChange != nil {
		m.cfg.OnHealthChange(h)
	}
}
