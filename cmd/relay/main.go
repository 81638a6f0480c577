package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kleeedolinux/relay.go/config"
	"github.com/kleeedolinux/relay.go/debug"
	"github.com/kleeedolinux/relay.go/realtime"
	"github.com/kleeedolinux/relay.go/realtime/transport"
	"github.com/kleeedolinux/relay.go/session"
)

var (
	// Global flags
	verbose    bool
	configPath string
	token      string
	identity   string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Realtime channel listener and payment status poller",
	Long: `relay keeps a Pusher-protocol connection for a signed-in identity,
listens on its private conversation, group and user channels, and waits
for payment transactions to settle.

Sessions persist across invocations only with the redis session store.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose || cfg.Debug {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			debug.Enable()
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "relay.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token (default: stored session)")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", "", "Identity id (default: token subject)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(awaitPaymentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (session.Store, func(), error) {
	if cfg.Session.Store != "redis" {
		return session.NewMemoryStore(), func() {}, nil
	}

	store, err := session.NewRedisStore(ctx, cfg.Session.Redis)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func newManager() (*realtime.Manager, error) {
	if err := cfg.Realtime.Validate(); err != nil {
		return nil, err
	}

	url, err := transport.AppURL(cfg.Realtime.Host, cfg.Realtime.AppKey)
	if err != nil {
		return nil, err
	}

	dial := realtime.WebSocketDialer(url,
		transport.WithHandshakeTimeout(cfg.Realtime.HandshakeTimeout),
		transport.WithCompression(cfg.Realtime.Compression),
		transport.WithLogger(logger.Named("transport")),
	)

	return realtime.NewManager(dial,
		realtime.WithLogger(logger.Named("realtime")),
		realtime.WithHandshakeTimeout(cfg.Realtime.HandshakeTimeout),
		realtime.WithActivityTimeout(cfg.Realtime.ActivityTimeout),
		realtime.WithPongTimeout(cfg.Realtime.PongTimeout),
	), nil
}

func flagCredentials() realtime.Credentials {
	return realtime.Credentials{Token: token, IdentityID: identity}
}

// waitSettled blocks until the manager leaves the connecting state.
func waitSettled(ctx context.Context, m *realtime.Manager, timeout time.Duration) realtime.State {
	settled := make(chan realtime.State, 1)
	dispose := m.OnStateChange(func(s realtime.State) {
		if s == realtime.StateConnecting {
			return
		}
		select {
		case settled <- s:
		default:
		}
	})
	defer dispose()

	select {
	case s := <-settled:
		return s
	case <-time.After(timeout):
		return m.State()
	case <-ctx.Done():
		return m.State()
	}
}
