package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/debug"
)

// ChannelAuth is the signature the server expects in pusher:subscribe for a
// private channel.
type ChannelAuth struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

type Authorizer interface {
	Authorize(ctx context.Context, creds Credentials, socketID, channel string) (ChannelAuth, error)
}

type AuthorizerFunc func(ctx context.Context, creds Credentials, socketID, channel string) (ChannelAuth, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, creds Credentials, socketID, channel string) (ChannelAuth, error) {
	return f(ctx, creds, socketID, channel)
}

// HTTPAuthorizer signs private channels against a broadcasting auth endpoint
// using the connection's bearer token.
type HTTPAuthorizer struct {
	endpoint string
	client   *http.Client
	headers  http.Header
	timeout  time.Duration
	logger   *zap.Logger
}

type AuthorizerOption func(*HTTPAuthorizer)

func WithHTTPClient(client *http.Client) AuthorizerOption {
	return func(a *HTTPAuthorizer) {
		a.client = client
	}
}

func WithAuthHeaders(headers http.Header) AuthorizerOption {
	return func(a *HTTPAuthorizer) {
		for k, v := range headers {
			a.headers[k] = v
		}
	}
}

func WithAuthTimeout(timeout time.Duration) AuthorizerOption {
	return func(a *HTTPAuthorizer) {
		a.timeout = timeout
	}
}

func WithAuthLogger(logger *zap.Logger) AuthorizerOption {
	return func(a *HTTPAuthorizer) {
		a.logger = logger
	}
}

func NewHTTPAuthorizer(endpoint string, opts ...AuthorizerOption) *HTTPAuthorizer {
	a := &HTTPAuthorizer{
		endpoint: endpoint,
		client:   &http.Client{},
		headers:  make(http.Header),
		timeout:  10 * time.Second,
		logger:   debug.Named("auth"),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, creds Credentials, socketID, channel string) (ChannelAuth, error) {
	body, err := json.Marshal(map[string]string{
		"socket_id":    socketID,
		"channel_name": channel,
	})
	if err != nil {
		return ChannelAuth{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return ChannelAuth{}, err
	}

	for k, values := range a.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return ChannelAuth{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		a.logger.Warn("channel authorization rejected",
			zap.String("channel", channel),
			zap.Int("status", resp.StatusCode))
		return ChannelAuth{}, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	}

	var auth ChannelAuth
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return ChannelAuth{}, fmt.Errorf("decode auth response: %w", err)
	}
	if auth.Auth == "" {
		return ChannelAuth{}, fmt.Errorf("%w: empty signature", ErrUnauthorized)
	}

	return auth, nil
}
