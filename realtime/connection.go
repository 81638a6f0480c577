package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/realtime/transport"
)

// Connection is one transport session speaking the Pusher protocol. It is
// created by Manager.Connect and never reused after it closes.
type Connection struct {
	id        string
	creds     Credentials
	transport Transport
	manager   *Manager
	logger    *zap.Logger

	mu              sync.Mutex
	socketID        string
	activityTimeout time.Duration
	closed          bool
	handshakeCancel context.CancelFunc

	confirmed mapset.Set[string]

	ctx         context.Context
	cancel      context.CancelFunc
	established chan struct{}
	estOnce     sync.Once
	activity    chan struct{}
}

func newConnection(m *Manager, creds Credentials, tr Transport) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	return &Connection{
		id:              id,
		creds:           creds,
		transport:       tr,
		manager:         m,
		logger:          m.logger.With(zap.String("connection", id)),
		activityTimeout: m.activityTimeout,
		confirmed:       mapset.NewSet[string](),
		ctx:             ctx,
		cancel:          cancel,
		established:     make(chan struct{}),
		activity:        make(chan struct{}, 1),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Credentials() Credentials {
	return c.creds
}

// SocketID is assigned by the server once the handshake completes.
func (c *Connection) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Subscribed reports whether the server confirmed a subscription to the wire
// channel name.
func (c *Connection) Subscribed(channel string) bool {
	return c.confirmed.Contains(channel)
}

// Channels lists the wire channels the server has confirmed.
func (c *Connection) Channels() []string {
	return c.confirmed.ToSlice()
}

func (c *Connection) open(ctx context.Context) {
	defer c.handshakeCancel()

	if err := c.transport.Connect(ctx); err != nil {
		state := StateUnavailable
		if errors.Is(err, transport.ErrHandshakeRejected) {
			state = StateFailed
		}
		c.shutdown(state, fmt.Errorf("%w: %w", ErrHandshake, err))
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.transport.Close()
		return
	}

	go c.receiveLoop()

	select {
	case <-c.established:
	case <-c.ctx.Done():
	case <-ctx.Done():
		c.shutdown(StateUnavailable, fmt.Errorf("%w: %w", ErrHandshake, ErrTimeout))
	}
}

func (c *Connection) receiveLoop() {
	for {
		data, err := c.transport.Receive()
		if err != nil {
			state := StateUnavailable
			if c.isEstablished() {
				state = StateDisconnected
			}
			c.shutdown(state, fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}

		select {
		case c.activity <- struct{}{}:
		default:
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		c.handle(msg)
	}
}

func (c *Connection) handle(msg Message) {
	if !c.isEstablished() {
		switch msg.Event {
		case EventConnectionEstablished:
			c.establish(msg)
		case EventError:
			c.protocolError(msg)
		default:
			c.shutdown(StateFailed, fmt.Errorf("%w: %s before connection_established", ErrProtocol, msg.Event))
		}
		return
	}

	switch msg.Event {
	case EventPing:
		if err := c.send(EventPong, "", struct{}{}); err != nil {
			c.logger.Debug("pong failed", zap.Error(err))
		}
		return
	case EventPong:
		return
	case EventError:
		c.protocolError(msg)
		return
	case EventSubscriptionSucceeded:
		c.confirmed.Add(msg.Channel)
	case EventSubscriptionError:
		c.confirmed.Remove(msg.Channel)
	}

	c.manager.route(c, msg)
}

func (c *Connection) establish(msg Message) {
	var data struct {
		SocketID        string `json:"socket_id"`
		ActivityTimeout int    `json:"activity_timeout"`
	}
	if err := msg.Payload().Decode(&data); err != nil || data.SocketID == "" {
		c.shutdown(StateFailed, fmt.Errorf("%w: malformed connection_established", ErrProtocol))
		return
	}

	c.mu.Lock()
	c.socketID = data.SocketID
	if server := time.Duration(data.ActivityTimeout) * time.Second; server > 0 && server < c.activityTimeout {
		c.activityTimeout = server
	}
	c.mu.Unlock()

	c.estOnce.Do(func() { close(c.established) })
	c.logger.Info("connection established", zap.String("socket_id", data.SocketID))

	go c.keepAlive()
	c.manager.transition(c, StateConnected, nil)
}

func (c *Connection) protocolError(msg Message) {
	perr := &ProtocolError{}
	if err := msg.Payload().Decode(perr); err != nil {
		perr.Message = msg.Payload().String()
	}

	switch {
	case perr.Fatal():
		c.shutdown(StateFailed, perr)
	case !c.isEstablished():
		c.shutdown(StateUnavailable, perr)
	default:
		c.logger.Warn("server reported error", zap.Int("code", perr.Code), zap.String("message", perr.Message))
	}
}

// keepAlive pings after a quiet activity window and drops the connection if
// nothing arrives within the pong timeout.
func (c *Connection) keepAlive() {
	c.mu.Lock()
	idle := c.activityTimeout
	c.mu.Unlock()
	pongTimeout := c.manager.pongTimeout

	timer := time.NewTimer(idle)
	defer timer.Stop()
	awaitingPong := false

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.activity:
			awaitingPong = false
			timer.Reset(idle)
		case <-timer.C:
			if awaitingPong {
				c.shutdown(StateDisconnected, fmt.Errorf("%w: no pong within %s", ErrTimeout, pongTimeout))
				return
			}
			if err := c.send(EventPing, "", struct{}{}); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
			awaitingPong = true
			timer.Reset(pongTimeout)
		}
	}
}

type subscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

func (c *Connection) subscribe(channel string, auth ChannelAuth) error {
	return c.send(EventSubscribe, "", subscribeData{
		Channel:     channel,
		Auth:        auth.Auth,
		ChannelData: auth.ChannelData,
	})
}

func (c *Connection) unsubscribe(channel string) error {
	c.confirmed.Remove(channel)
	return c.send(EventUnsubscribe, "", subscribeData{Channel: channel})
}

func (c *Connection) send(event Event, channel string, data any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Message{Event: event, Channel: channel, Data: raw})
	if err != nil {
		return err
	}

	return c.transport.Send(frame)
}

func (c *Connection) isEstablished() bool {
	select {
	case <-c.established:
		return true
	default:
		return false
	}
}

// shutdown closes the session once and reports state to the manager, which
// ignores it when this connection has already been replaced.
func (c *Connection) shutdown(state State, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if c.handshakeCancel != nil {
		c.handshakeCancel()
	}
	if cerr := c.transport.Close(); cerr != nil {
		c.logger.Debug("transport close failed", zap.Error(cerr))
	}
	c.confirmed.Clear()

	if err != nil {
		c.logger.Info("connection closed", zap.String("state", state.String()), zap.Error(err))
	}
	c.manager.transition(c, state, err)
}
