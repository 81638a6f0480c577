package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/debug"
	"github.com/kleeedolinux/relay.go/realtime/transport"
)

// Manager owns at most one live Connection and reports its lifecycle to
// listeners. It never reconnects on its own.
type Manager struct {
	dial   Dialer
	logger *zap.Logger

	handshakeTimeout time.Duration
	activityTimeout  time.Duration
	pongTimeout      time.Duration

	connectMu sync.Mutex

	mu    sync.Mutex
	conn  *Connection
	state State
	err   error
	sinks map[string]func(*Connection, Message)

	listeners *listenerSet
}

type ManagerOption func(*Manager)

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHandshakeTimeout bounds the time from dial to connection_established.
func WithHandshakeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.handshakeTimeout = d
	}
}

// WithActivityTimeout sets the idle window before a ping. The server's
// advertised activity_timeout wins when it is shorter.
func WithActivityTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.activityTimeout = d
	}
}

func WithPongTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.pongTimeout = d
	}
}

func NewManager(dial Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:             dial,
		logger:           debug.Named("realtime"),
		handshakeTimeout: 10 * time.Second,
		activityTimeout:  120 * time.Second,
		pongTimeout:      30 * time.Second,
		state:            StateDisconnected,
		sinks:            make(map[string]func(*Connection, Message)),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.listeners = newListenerSet(m.logger)
	return m
}

// WebSocketDialer dials a fresh WebSocket transport to url for every
// connection.
func WebSocketDialer(url string, opts ...transport.WebSocketOption) Dialer {
	return func(creds Credentials) (Transport, error) {
		return transport.NewWebSocketTransport(url, opts...)
	}
}

// Connect replaces any existing connection with a new one for creds. The
// handshake completes in the background and is bounded by ctx and the
// handshake timeout. A nil Connection means realtime is unavailable; the
// returned error says why.
func (m *Manager) Connect(ctx context.Context, creds Credentials) (*Connection, error) {
	if !creds.Valid() {
		return nil, ErrMissingCredentials
	}

	defer m.listeners.drain()
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	old := m.conn
	m.mu.Unlock()
	if old != nil {
		m.detach(StateDisconnected)
	}

	if m.dial == nil {
		err := fmt.Errorf("%w: no dialer configured", ErrInitialization)
		m.set(nil, StateFailed, err)
		return nil, err
	}

	tr, err := m.dial(creds)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInitialization, err)
		m.logger.Warn("realtime unavailable", zap.Error(err))
		m.set(nil, StateFailed, err)
		return nil, err
	}

	conn := newConnection(m, creds, tr)
	hctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	conn.handshakeCancel = cancel

	m.logger.Debug("connecting", zap.String("connection", conn.id), zap.String("identity", creds.IdentityID))
	m.set(conn, StateConnecting, nil)

	go conn.open(hctx)
	return conn, nil
}

// Disconnect tears down the active connection, if any. Listeners hear about
// it only when the state actually changes.
func (m *Manager) Disconnect() {
	defer m.listeners.drain()
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.detach(StateDisconnected)
}

func (m *Manager) detach(state State) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.setLocked(state, nil)
	m.mu.Unlock()

	if conn != nil {
		conn.shutdown(state, nil)
	}
}

// OnConnectionChange registers fn and calls it with the current connected
// flag before returning. Later changes reach fn in order; a change raised
// while fn is running on another goroutine is delivered by that goroutine
// once fn returns. The returned function unregisters it.
func (m *Manager) OnConnectionChange(fn func(connected bool)) func() {
	return m.OnStateChange(func(s State) {
		fn(s.Connected())
	})
}

// OnStateChange is OnConnectionChange with the full state.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	l := m.listeners.add(fn, m.state)
	m.mu.Unlock()

	m.listeners.replay(l)

	var once sync.Once
	return func() {
		once.Do(func() { m.listeners.remove(l.id) })
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the reason for the last unavailable or failed state.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Connection returns the live connection, or nil.
func (m *Manager) Connection() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Connected returns the live connection only once its handshake is done.
func (m *Manager) Connected() (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || !m.state.Connected() {
		return nil, false
	}
	return m.conn, true
}

func (m *Manager) transition(c *Connection, state State, err error) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	if state != StateConnecting && state != StateConnected {
		m.conn = nil
	}
	m.setLocked(state, err)
	m.mu.Unlock()

	m.listeners.drain()
}

func (m *Manager) set(conn *Connection, state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.setLocked(state, err)
}

func (m *Manager) setLocked(state State, err error) {
	m.err = err
	if m.state == state {
		return
	}

	m.logger.Debug("state changed", zap.String("from", m.state.String()), zap.String("to", state.String()))
	m.state = state
	m.listeners.broadcast(state)
}

func (m *Manager) addSink(fn func(*Connection, Message)) func() {
	id := uuid.NewString()

	m.mu.Lock()
	m.sinks[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.sinks, id)
		m.mu.Unlock()
	}
}

func (m *Manager) route(c *Connection, msg Message) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	sinks := make([]func(*Connection, Message), 0, len(m.sinks))
	for _, fn := range m.sinks {
		sinks = append(sinks, fn)
	}
	m.mu.Unlock()

	for _, fn := range sinks {
		fn(c, msg)
	}
}
