// Package session persists the signed-in identity and ties the realtime
// connection to it: login and restore connect, logout disconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kleeedolinux/relay.go/realtime"
)

var ErrNoSession = errors.New("no stored session")

// Store keeps the credentials of one signed-in identity.
type Store interface {
	Save(ctx context.Context, creds realtime.Credentials) error
	Load(ctx context.Context) (realtime.Credentials, error)
	Clear(ctx context.Context) error
}

type record struct {
	Credentials realtime.Credentials `msgpack:"credentials"`
	SavedAt     time.Time            `msgpack:"saved_at"`
}

type MemoryStore struct {
	mu    sync.Mutex
	creds *realtime.Credentials
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, creds realtime.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &creds
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (realtime.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return realtime.Credentials{}, ErrNoSession
	}
	return *s.creds, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Profile   string        `yaml:"profile"`
	TTL       time.Duration `yaml:"ttl"`
}

// RedisStore keeps msgpack-encoded credentials under prefix+profile.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies it answers a ping.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg), nil
}

func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relay:session:"
	}
	profile := cfg.Profile
	if profile == "" {
		profile = "default"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}

	return &RedisStore{
		client: client,
		key:    prefix + profile,
		ttl:    ttl,
	}
}

func (s *RedisStore) Save(ctx context.Context, creds realtime.Credentials) error {
	data, err := msgpack.Marshal(record{Credentials: creds, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.client.Set(ctx, s.key, data, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context) (realtime.Credentials, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return realtime.Credentials{}, ErrNoSession
		}
		return realtime.Credentials{}, err
	}

	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return realtime.Credentials{}, fmt.Errorf("decode session: %w", err)
	}
	return rec.Credentials, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
