package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/realtime"
	"github.com/kleeedolinux/relay.go/session"
)

var (
	conversations     []string
	groups            []string
	listenUser        bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	reconnectAttempts int
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print events from conversation, group and user channels",
	Long: `Connects with --token or the stored session, subscribes to the requested
channels and prints each event as a JSON line until interrupted.

Dropped connections are retried with exponential backoff; subscriptions are
restored by the registry once the new connection is up.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().StringSliceVar(&conversations, "conversation", nil, "Conversation ids to listen on")
	listenCmd.Flags().StringSliceVar(&groups, "group", nil, "Group ids to listen on")
	listenCmd.Flags().BoolVar(&listenUser, "user", false, "Listen on the signed-in identity's user channel")
	listenCmd.Flags().DurationVar(&reconnectDelay, "reconnect-delay", time.Second, "Initial delay before reconnecting")
	listenCmd.Flags().DurationVar(&maxReconnectDelay, "max-reconnect-delay", 30*time.Second, "Maximum delay between reconnects")
	listenCmd.Flags().IntVar(&reconnectAttempts, "reconnect-attempts", 5, "Reconnect attempts per drop (0 disables, negative is unlimited)")
}

type eventLine struct {
	Channel string          `json:"channel"`
	Event   realtime.Event  `json:"event"`
	Data    json.RawMessage `json:"data"`
}

type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) handler(channel string, event realtime.Event) func(realtime.Payload) {
	return func(data realtime.Payload) {
		p.mu.Lock()
		defer p.mu.Unlock()
		raw := json.RawMessage(data)
		if !json.Valid(raw) {
			raw, _ = json.Marshal(data.String())
		}
		if err := p.enc.Encode(eventLine{Channel: channel, Event: event, Data: raw}); err != nil {
			logger.Warn("failed to print event", zap.Error(err))
		}
	}
}

func runListen(cmd *cobra.Command, args []string) error {
	if len(conversations) == 0 && len(groups) == 0 && !listenUser {
		return errors.New("nothing to listen on: pass --conversation, --group or --user")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Disconnect()

	auth := realtime.NewHTTPAuthorizer(cfg.Realtime.AuthEndpoint,
		realtime.WithAuthTimeout(cfg.Realtime.HandshakeTimeout),
		realtime.WithAuthLogger(logger.Named("auth")),
	)
	reg := realtime.NewRegistry(m, auth, realtime.WithRegistryLogger(logger.Named("registry")))
	defer reg.Close()

	lc := session.NewLifecycle(m, store, session.WithLogger(logger.Named("session")))
	if token != "" {
		_, err = lc.Login(ctx, flagCredentials())
	} else {
		_, err = lc.Restore(ctx)
	}
	if err != nil && !errors.Is(err, realtime.ErrInitialization) {
		return err
	}
	creds, _ := lc.Credentials()

	states := make(chan realtime.State, 1)
	dispose := m.OnStateChange(func(s realtime.State) {
		offerLatest(states, s)
	})
	defer dispose()

	out := newPrinter(cmd.OutOrStdout())
	subscribed := false
	delay := reconnectDelay
	attempts := 0
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			logger.Info("listen stopped")
			return nil

		case <-retry:
			retry = nil
			attempts++
			logger.Info("reconnecting", zap.Int("attempt", attempts))
			if _, err := m.Connect(ctx, creds); err != nil {
				logger.Warn("reconnect failed", zap.Error(err))
			}

		case s := <-states:
			switch s {
			case realtime.StateConnected:
				delay, attempts = reconnectDelay, 0
				if !subscribed {
					err := subscribeAll(ctx, reg, creds, out)
					switch {
					case err == nil:
						subscribed = true
					case errors.Is(err, realtime.ErrNotConnected):
						logger.Warn("connection lost while subscribing", zap.Error(err))
					default:
						return err
					}
				}
			case realtime.StateDisconnected, realtime.StateUnavailable, realtime.StateFailed:
				if retry != nil {
					continue
				}
				if reconnectAttempts == 0 || (reconnectAttempts > 0 && attempts >= reconnectAttempts) {
					if err := m.Err(); err != nil {
						return err
					}
					return fmt.Errorf("realtime %s", s)
				}
				logger.Info("connection lost", zap.String("state", string(s)), zap.Duration("retry_in", delay))
				retry = time.After(delay)
				delay *= 2
				if delay > maxReconnectDelay {
					delay = maxReconnectDelay
				}
			}
		}
	}
}

// offerLatest puts s in ch without blocking, replacing a state the loop has
// not read yet.
func offerLatest(ch chan realtime.State, s realtime.State) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func subscribeAll(ctx context.Context, reg *realtime.Registry, creds realtime.Credentials, out *printer) error {
	onError := func(channel string) func(error) {
		return func(err error) {
			logger.Error("channel rejected", zap.String("channel", channel), zap.Error(err))
		}
	}

	for _, id := range conversations {
		channel, err := realtime.ChannelName(realtime.KindConversation, id)
		if err != nil {
			return err
		}
		if _, err := reg.SubscribeToConversation(ctx, id, realtime.MessageHandlers{
			OnMessage: out.handler(channel, realtime.EventMessageSent),
			OnError:   onError(channel),
		}); err != nil {
			return err
		}
	}

	for _, id := range groups {
		channel, err := realtime.ChannelName(realtime.KindGroup, id)
		if err != nil {
			return err
		}
		if _, err := reg.SubscribeToGroup(ctx, id, realtime.MessageHandlers{
			OnMessage: out.handler(channel, realtime.EventGroupMessageSent),
			OnError:   onError(channel),
		}); err != nil {
			return err
		}
	}

	if listenUser {
		channel, err := realtime.ChannelName(realtime.KindUser, creds.IdentityID)
		if err != nil {
			return err
		}
		if _, err := reg.SubscribeToUser(ctx, creds.IdentityID, realtime.UserHandlers{
			OnMessageReceived: out.handler(channel, realtime.EventMessageReceived),
			OnGiftReceived:    out.handler(channel, realtime.EventGiftReceived),
			OnError:           onError(channel),
		}); err != nil {
			return err
		}
	}

	logger.Info("listening", zap.Strings("channels", reg.Channels()))
	return nil
}
