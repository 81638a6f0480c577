package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/debug"
	"github.com/kleeedolinux/relay.go/realtime"
)

// Lifecycle owns the realtime connection for the signed-in identity.
type Lifecycle struct {
	manager *realtime.Manager
	store   Store
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	creds realtime.Credentials
}

type LifecycleOption func(*Lifecycle)

func WithLogger(logger *zap.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		l.logger = logger
	}
}

func WithClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		l.now = now
	}
}

func NewLifecycle(m *realtime.Manager, store Store, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		manager: m,
		store:   store,
		logger:  debug.Named("session"),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Login stores creds and opens a realtime connection for them. An empty
// IdentityID is taken from the token subject when the token is a JWT. The
// session is kept even when realtime fails to start; the returned error then
// wraps realtime.ErrInitialization.
func (l *Lifecycle) Login(ctx context.Context, creds realtime.Credentials) (*realtime.Connection, error) {
	creds, err := l.prepare(creds)
	if err != nil {
		return nil, err
	}

	if err := l.store.Save(ctx, creds); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	l.logger.Info("logged in", zap.String("identity", creds.IdentityID))
	return l.connect(ctx, creds)
}

// Restore reconnects with stored credentials. Expired tokens are cleared and
// reported as ErrTokenExpired.
func (l *Lifecycle) Restore(ctx context.Context) (*realtime.Connection, error) {
	creds, err := l.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	creds, err = l.prepare(creds)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			if cerr := l.store.Clear(ctx); cerr != nil {
				l.logger.Warn("clearing expired session failed", zap.Error(cerr))
			}
		}
		return nil, err
	}

	l.logger.Info("session restored", zap.String("identity", creds.IdentityID))
	return l.connect(ctx, creds)
}

// Logout closes the connection and forgets the stored session.
func (l *Lifecycle) Logout(ctx context.Context) error {
	l.manager.Disconnect()

	l.mu.Lock()
	identity := l.creds.IdentityID
	l.creds = realtime.Credentials{}
	l.mu.Unlock()

	if err := l.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	l.logger.Info("logged out", zap.String("identity", identity))
	return nil
}

// Credentials returns the active identity, if any.
func (l *Lifecycle) Credentials() (realtime.Credentials, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.creds, l.creds.Valid()
}

func (l *Lifecycle) Manager() *realtime.Manager {
	return l.manager
}

func (l *Lifecycle) prepare(creds realtime.Credentials) (realtime.Credentials, error) {
	if creds.Token == "" {
		return creds, realtime.ErrMissingCredentials
	}

	info, err := CheckToken(creds.Token, l.now())
	if err != nil {
		return creds, err
	}
	if creds.IdentityID == "" {
		creds.IdentityID = info.Subject
	}
	if !creds.Valid() {
		return creds, realtime.ErrMissingCredentials
	}
	return creds, nil
}

func (l *Lifecycle) connect(ctx context.Context, creds realtime.Credentials) (*realtime.Connection, error) {
	l.mu.Lock()
	l.creds = creds
	l.mu.Unlock()

	conn, err := l.manager.Connect(ctx, creds)
	if err != nil {
		l.logger.Warn("realtime unavailable, continuing without it", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
