package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrScopeClosed = errors.New("subscription scope closed")

// restoreLimit caps concurrent re-authorizations after a reconnect.
const restoreLimit = 4

// Registry maps logical channels to live subscriptions on the Manager's
// connection. Each channel is held by one Subscription per Scope and is
// only unsubscribed on the wire when the last holder releases it.
type Registry struct {
	manager *Manager
	auth    Authorizer
	logger  *zap.Logger

	mu       sync.Mutex
	channels map[string]*channelEntry
	closed   bool

	flights singleflight.Group
	def     *Scope

	unwatch func()
	unroute func()
	wg      sync.WaitGroup
}

type channelEntry struct {
	name    string
	holders map[string]*Subscription
	order   []*Subscription
	conn    *Connection
}

func (e *channelEntry) remove(sub *Subscription) {
	if e.holders[sub.scope.id] == sub {
		delete(e.holders, sub.scope.id)
	}
	for i, s := range e.order {
		if s == sub {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			return
		}
	}
}

// Subscription is one scope's hold on a channel.
type Subscription struct {
	id       string
	channel  string
	scope    *Scope
	bindings Bindings
	released bool
}

func (s *Subscription) ID() string {
	return s.id
}

// Channel is the logical channel name.
func (s *Subscription) Channel() string {
	return s.channel
}

// Release drops this hold. It is safe to call more than once.
func (s *Subscription) Release() {
	s.scope.registry.release(s)
}

// Scope groups the subscriptions of one consumer. Subscribing again to a
// channel the scope already holds replaces its bindings.
type Scope struct {
	id       string
	registry *Registry
	subs     map[string]*Subscription
	closed   bool
}

type RegistryOption func(*Registry)

func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func NewRegistry(m *Manager, auth Authorizer, opts ...RegistryOption) *Registry {
	r := &Registry{
		manager:  m,
		auth:     auth,
		logger:   m.logger.Named("registry"),
		channels: make(map[string]*channelEntry),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.def = r.NewScope()
	r.unroute = m.addSink(r.route)
	r.unwatch = m.OnStateChange(r.onState)

	return r
}

func (r *Registry) NewScope() *Scope {
	return &Scope{
		id:       uuid.NewString(),
		registry: r,
		subs:     make(map[string]*Subscription),
	}
}

func (r *Registry) Subscribe(ctx context.Context, channel string, b Bindings) (*Subscription, error) {
	return r.def.Subscribe(ctx, channel, b)
}

func (r *Registry) SubscribeToConversation(ctx context.Context, id string, h MessageHandlers) (*Subscription, error) {
	return r.def.SubscribeToConversation(ctx, id, h)
}

func (r *Registry) SubscribeToGroup(ctx context.Context, id string, h MessageHandlers) (*Subscription, error) {
	return r.def.SubscribeToGroup(ctx, id, h)
}

func (r *Registry) SubscribeToUser(ctx context.Context, id string, h UserHandlers) (*Subscription, error) {
	return r.def.SubscribeToUser(ctx, id, h)
}

// Unsubscribe releases the default scope's hold on channel. Unknown channels
// are ignored.
func (r *Registry) Unsubscribe(channel string) {
	r.def.Unsubscribe(channel)
}

// Channels lists the logical channels with at least one holder.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// Holders counts the scopes holding channel.
func (r *Registry) Holders(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.channels[LogicalName(channel)]; ok {
		return len(e.holders)
	}
	return 0
}

// Close releases every channel and detaches from the manager.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var subs []*Subscription
	for _, e := range r.channels {
		subs = append(subs, e.order...)
	}
	r.mu.Unlock()

	r.unwatch()
	r.unroute()
	for _, sub := range subs {
		r.release(sub)
	}
	r.wg.Wait()
}

func (s *Scope) ID() string {
	return s.id
}

func (s *Scope) SubscribeToConversation(ctx context.Context, id string, h MessageHandlers) (*Subscription, error) {
	name, err := ChannelName(KindConversation, id)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, name, Bindings{
		Events:  map[Event]func(Payload){EventMessageSent: h.OnMessage},
		OnError: h.OnError,
	})
}

func (s *Scope) SubscribeToGroup(ctx context.Context, id string, h MessageHandlers) (*Subscription, error) {
	name, err := ChannelName(KindGroup, id)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, name, Bindings{
		Events:  map[Event]func(Payload){EventGroupMessageSent: h.OnMessage},
		OnError: h.OnError,
	})
}

func (s *Scope) SubscribeToUser(ctx context.Context, id string, h UserHandlers) (*Subscription, error) {
	name, err := ChannelName(KindUser, id)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(ctx, name, Bindings{
		Events: map[Event]func(Payload){
			EventMessageReceived: h.OnMessageReceived,
			EventGiftReceived:    h.OnGiftReceived,
		},
		OnError: h.OnError,
	})
}

// Subscribe holds channel for this scope. It needs a connected Manager and
// returns ErrNotConnected otherwise. The first holder authorizes the channel;
// an authorization failure returns an error wrapping ErrUnauthorized and
// leaves nothing subscribed.
func (s *Scope) Subscribe(ctx context.Context, channel string, b Bindings) (*Subscription, error) {
	r := s.registry
	channel = LogicalName(channel)
	if channel == "" {
		return nil, ErrInvalidChannel
	}

	conn, ok := r.manager.Connected()
	if !ok {
		r.logger.Warn("subscribe without a live connection", zap.String("channel", channel))
		return nil, ErrNotConnected
	}

	r.mu.Lock()
	if s.closed || r.closed {
		r.mu.Unlock()
		return nil, ErrScopeClosed
	}

	entry, ok := r.channels[channel]
	if !ok {
		entry = &channelEntry{name: channel, holders: make(map[string]*Subscription)}
		r.channels[channel] = entry
	}

	sub, ok := entry.holders[s.id]
	if ok {
		sub.bindings = b.clone()
	} else {
		sub = &Subscription{id: uuid.NewString(), channel: channel, scope: s, bindings: b.clone()}
		entry.holders[s.id] = sub
		entry.order = append(entry.order, sub)
		s.subs[channel] = sub
	}
	attached := entry.conn == conn
	r.mu.Unlock()

	if attached {
		return sub, nil
	}

	if err := r.attach(ctx, conn, channel); err != nil {
		r.logger.Warn("channel subscription failed", zap.String("channel", channel), zap.Error(err))
		r.release(sub)
		return nil, err
	}

	return sub, nil
}

// Unsubscribe releases the scope's hold on channel, if any.
func (s *Scope) Unsubscribe(channel string) {
	r := s.registry
	r.mu.Lock()
	sub := s.subs[LogicalName(channel)]
	r.mu.Unlock()

	if sub != nil {
		r.release(sub)
	}
}

// Close releases everything the scope holds. Later subscribes fail with
// ErrScopeClosed.
func (s *Scope) Close() {
	r := s.registry
	r.mu.Lock()
	s.closed = true
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.release(sub)
	}
}

func (r *Registry) release(sub *Subscription) {
	r.mu.Lock()
	if sub.released {
		r.mu.Unlock()
		return
	}
	sub.released = true

	if sub.scope.subs[sub.channel] == sub {
		delete(sub.scope.subs, sub.channel)
	}

	var conn *Connection
	if entry, ok := r.channels[sub.channel]; ok {
		entry.remove(sub)
		if len(entry.holders) == 0 {
			delete(r.channels, sub.channel)
			conn = entry.conn
		}
	}
	r.mu.Unlock()

	if conn != nil {
		if err := conn.unsubscribe(WireName(sub.channel)); err != nil {
			r.logger.Debug("unsubscribe not sent", zap.String("channel", sub.channel), zap.Error(err))
		}
	}
}

// attach authorizes channel on conn and sends pusher:subscribe. Concurrent
// callers for the same connection and channel share one attempt.
func (r *Registry) attach(ctx context.Context, conn *Connection, channel string) error {
	_, err, _ := r.flights.Do(conn.ID()+"|"+channel, func() (any, error) {
		r.mu.Lock()
		entry, ok := r.channels[channel]
		if !ok || entry.conn == conn {
			r.mu.Unlock()
			return nil, nil
		}
		r.mu.Unlock()

		wire := WireName(channel)
		auth, err := r.auth.Authorize(ctx, conn.Credentials(), conn.SocketID(), wire)
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				err = fmt.Errorf("%w: %w", ErrUnauthorized, err)
			}
			return nil, fmt.Errorf("%s: %w", channel, err)
		}

		r.mu.Lock()
		entry, ok = r.channels[channel]
		if !ok {
			r.mu.Unlock()
			return nil, nil
		}
		entry.conn = conn
		r.mu.Unlock()

		if err := conn.subscribe(wire, auth); err != nil {
			r.mu.Lock()
			if entry.conn == conn {
				entry.conn = nil
			}
			r.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", channel, err)
		}

		r.logger.Debug("subscribed", zap.String("channel", channel))
		return nil, nil
	})
	return err
}

func (r *Registry) onState(state State) {
	if !state.Connected() {
		r.mu.Lock()
		for _, e := range r.channels {
			e.conn = nil
		}
		r.mu.Unlock()
		return
	}

	conn, ok := r.manager.Connected()
	if !ok {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.restore(conn)
	}()
}

// restore re-subscribes every held channel on a fresh connection.
func (r *Registry) restore(conn *Connection) {
	r.mu.Lock()
	var pending []string
	for name, e := range r.channels {
		if e.conn != conn {
			pending = append(pending, name)
		}
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	r.logger.Info("restoring channels", zap.Int("count", len(pending)))

	var g errgroup.Group
	g.SetLimit(restoreLimit)
	for _, name := range pending {
		g.Go(func() error {
			if err := r.attach(conn.Context(), conn, name); err != nil {
				if conn.Context().Err() == nil {
					r.drop(name, err)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// drop removes channel and tells each holder why.
func (r *Registry) drop(channel string, cause error) {
	r.mu.Lock()
	entry, ok := r.channels[channel]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.channels, channel)

	holders := make([]*Subscription, len(entry.order))
	copy(holders, entry.order)
	for _, sub := range holders {
		if sub.scope.subs[channel] == sub {
			delete(sub.scope.subs, channel)
		}
	}
	r.mu.Unlock()

	r.logger.Warn("channel dropped", zap.String("channel", channel), zap.Error(cause))
	for _, sub := range holders {
		r.mu.Lock()
		if sub.released {
			r.mu.Unlock()
			continue
		}
		sub.released = true
		fn := sub.bindings.OnError
		r.mu.Unlock()

		if fn != nil {
			r.safeCall(channel, func() { fn(cause) })
		}
	}
}

func (r *Registry) route(conn *Connection, msg Message) {
	if msg.Channel == "" {
		return
	}
	channel := LogicalName(msg.Channel)

	switch msg.Event {
	case EventSubscriptionSucceeded:
		r.logger.Debug("subscription confirmed", zap.String("channel", channel))
		return
	case EventSubscriptionError:
		r.mu.Lock()
		entry, ok := r.channels[channel]
		current := ok && entry.conn == conn
		r.mu.Unlock()
		if current {
			r.drop(channel, fmt.Errorf("%w: %s: %s", ErrSubscription, channel, msg.Payload()))
		}
		return
	}
	if msg.Event.internal() {
		return
	}

	r.mu.Lock()
	entry, ok := r.channels[channel]
	if !ok || entry.conn != conn {
		r.mu.Unlock()
		return
	}
	holders := make([]*Subscription, len(entry.order))
	copy(holders, entry.order)
	r.mu.Unlock()

	payload := msg.Payload()
	for _, sub := range holders {
		fn := r.handler(sub, msg.Event)
		if fn != nil {
			r.safeCall(channel, func() { fn(payload) })
		}
	}
}

// handler returns sub's binding for event, or nil once sub is released.
func (r *Registry) handler(sub *Subscription, event Event) func(Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.released {
		return nil
	}
	return sub.bindings.Events[event]
}

func (r *Registry) safeCall(channel string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("channel handler panicked",
				zap.String("channel", channel),
				zap.Any("panic", rec))
		}
	}()
	fn()
}
