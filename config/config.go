package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kleeedolinux/relay.go/poll"
	"github.com/kleeedolinux/relay.go/session"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	Payment  PaymentConfig  `yaml:"payment"`
	Session  SessionConfig  `yaml:"session"`
	Debug    bool           `yaml:"debug"`
}

type RealtimeConfig struct {
	Host             string        `yaml:"host"`
	AppKey           string        `yaml:"app_key"`
	AuthEndpoint     string        `yaml:"auth_endpoint"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ActivityTimeout  time.Duration `yaml:"activity_timeout"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	Compression      bool          `yaml:"compression"`
}

type PaymentConfig struct {
	BaseURL              string        `yaml:"base_url"`
	StatusPath           string        `yaml:"status_path"`
	Interval             time.Duration `yaml:"interval"`
	MaxElapsed           time.Duration `yaml:"max_elapsed"`
	MaxAttempts          int           `yaml:"max_attempts"`
	MaxTransientFailures int           `yaml:"max_transient_failures"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
}

type SessionConfig struct {
	Store string              `yaml:"store"`
	Redis session.RedisConfig `yaml:"redis"`
}

func Default() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			HandshakeTimeout: 10 * time.Second,
			ActivityTimeout:  120 * time.Second,
			PongTimeout:      30 * time.Second,
		},
		Payment: PaymentConfig{
			StatusPath:           "/api/payments/%s/status",
			Interval:             poll.DefaultInterval,
			MaxElapsed:           poll.DefaultMaxElapsed,
			MaxTransientFailures: poll.DefaultMaxTransientFailures,
			RequestTimeout:       15 * time.Second,
		},
		Session: SessionConfig{
			Store: "memory",
			Redis: session.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "relay:session:",
				Profile:   "default",
				TTL:       30 * 24 * time.Hour,
			},
		},
	}
}

// Load reads the YAML file at path (a missing file keeps the defaults),
// then a .env file in the working directory, then RELAY_* variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	setString(&c.Realtime.Host, "RELAY_HOST")
	setString(&c.Realtime.AppKey, "RELAY_APP_KEY")
	setString(&c.Realtime.AuthEndpoint, "RELAY_AUTH_ENDPOINT")
	setString(&c.Payment.BaseURL, "RELAY_API_BASE_URL")
	setString(&c.Payment.StatusPath, "RELAY_PAYMENT_STATUS_PATH")
	setString(&c.Session.Store, "RELAY_SESSION_STORE")
	setString(&c.Session.Redis.Addr, "RELAY_REDIS_ADDR")
	setString(&c.Session.Redis.Password, "RELAY_REDIS_PASSWORD")
	setString(&c.Session.Redis.Profile, "RELAY_PROFILE")

	return errors.Join(
		setInt(&c.Session.Redis.DB, "RELAY_REDIS_DB"),
		setDuration(&c.Payment.Interval, "RELAY_POLL_INTERVAL"),
		setDuration(&c.Payment.MaxElapsed, "RELAY_POLL_MAX_ELAPSED"),
		setBool(&c.Debug, "RELAY_DEBUG"),
	)
}

// Validate checks fields every command relies on. Realtime and payment
// endpoints are checked by the commands that need them.
func (c *Config) Validate() error {
	var errs []error

	switch c.Session.Store {
	case "memory":
	case "redis":
		if c.Session.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("%w: session.redis.addr is required for the redis store", ErrInvalidConfig))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown session store %q", ErrInvalidConfig, c.Session.Store))
	}

	if c.Payment.Interval <= 0 || c.Payment.MaxElapsed <= 0 {
		errs = append(errs, fmt.Errorf("%w: payment interval and max_elapsed must be positive", ErrInvalidConfig))
	} else if c.Payment.Interval > c.Payment.MaxElapsed {
		errs = append(errs, fmt.Errorf("%w: payment interval exceeds max_elapsed", ErrInvalidConfig))
	}

	if c.Realtime.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: realtime.handshake_timeout must be positive", ErrInvalidConfig))
	}

	return errors.Join(errs...)
}

func (c RealtimeConfig) Validate() error {
	if c.Host == "" || c.AppKey == "" {
		return fmt.Errorf("%w: realtime.host and realtime.app_key are required", ErrInvalidConfig)
	}
	if c.AuthEndpoint == "" {
		return fmt.Errorf("%w: realtime.auth_endpoint is required", ErrInvalidConfig)
	}
	return nil
}

func (c PaymentConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: payment.base_url is required", ErrInvalidConfig)
	}
	return nil
}

// PollOptions converts the payment settings into poller options.
func (c PaymentConfig) PollOptions() poll.Options {
	return poll.Options{
		Interval:             c.Interval,
		MaxElapsed:           c.MaxElapsed,
		MaxAttempts:          c.MaxAttempts,
		MaxTransientFailures: c.MaxTransientFailures,
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	*dst = b
	return nil
}
