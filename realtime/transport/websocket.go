package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/debug"
)

const (
	ProtocolVersion = 7
	ClientName      = "relay-go"
	ClientVersion   = "1.0.0"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrHandshakeRejected  = errors.New("websocket handshake rejected")
	ErrInvalidURL         = errors.New("invalid realtime url")
	ErrConnectionTimedOut = errors.New("connection timed out")
)

type WebSocketTransport struct {
	mu               sync.Mutex
	conn             *websocket.Conn
	url              string
	dialer           *websocket.Dialer
	headers          http.Header
	connected        bool
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	compression      bool
	logger           *zap.Logger
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.handshakeTimeout = timeout
	}
}

// WithReadTimeout sets a per-frame read deadline. Zero disables it and
// leaves liveness to the protocol keep-alive.
func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.compression = enabled
	}
}

func WithLogger(logger *zap.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.logger = logger
	}
}

// AppURL builds the Pusher-protocol endpoint for an application key. host
// may carry a scheme (ws, wss, http, https); a bare host defaults to wss.
func AppURL(host, appKey string) (string, error) {
	if host == "" || appKey == "" {
		return "", fmt.Errorf("%w: host and app key are required", ErrInvalidURL)
	}
	if !strings.Contains(host, "://") {
		host = "wss://" + host
	}

	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/app/" + url.PathEscape(appKey)
	q := u.Query()
	q.Set("protocol", fmt.Sprint(ProtocolVersion))
	q.Set("client", ClientName)
	q.Set("version", ClientVersion)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func NewWebSocketTransport(rawURL string, opts ...WebSocketOption) (*WebSocketTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	t := &WebSocketTransport{
		url:              rawURL,
		dialer:           websocket.DefaultDialer,
		headers:          make(http.Header),
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		logger:           debug.Named("transport"),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	t.logger.Debug("connecting", zap.String("url", t.url))

	dialer := *t.dialer
	dialer.HandshakeTimeout = t.handshakeTimeout
	dialer.EnableCompression = t.compression

	conn, resp, err := dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		t.logger.Debug("connection failed", zap.Error(err))
		if errors.Is(err, websocket.ErrBadHandshake) {
			status := "no response"
			if resp != nil {
				status = resp.Status
			}
			return fmt.Errorf("%w: %s", ErrHandshakeRejected, status)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrConnectionTimedOut, err)
		}
		return err
	}

	t.logger.Debug("connected")
	t.conn = conn
	t.connected = true

	return nil
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}

	t.logger.Debug("sending frame", zap.ByteString("data", data))
	err := t.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		t.logger.Debug("send error", zap.Error(err))
	}
	return err
}

func (t *WebSocketTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	if !t.connected || t.conn == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := t.conn

	if t.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	t.mu.Unlock()

	_, message, err := conn.ReadMessage()
	if err != nil {
		t.logger.Debug("read error", zap.Error(err))
		return nil, err
	}

	t.logger.Debug("received frame", zap.ByteString("data", message))
	return message, nil
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return nil
	}

	t.logger.Debug("closing connection")

	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		t.logger.Debug("error sending close frame", zap.Error(err))
	}

	err = t.conn.Close()
	t.connected = false
	t.conn = nil

	return err
}

func (t *WebSocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
