package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnavailable  State = "unavailable"
	StateFailed       State = "failed"
)

func (s State) Connected() bool {
	return s == StateConnected
}

func (s State) String() string {
	return string(s)
}

type Event string

// Protocol events.
const (
	EventConnectionEstablished Event = "pusher:connection_established"
	EventError                 Event = "pusher:error"
	EventPing                  Event = "pusher:ping"
	EventPong                  Event = "pusher:pong"
	EventSubscribe             Event = "pusher:subscribe"
	EventUnsubscribe           Event = "pusher:unsubscribe"
	EventSubscriptionSucceeded Event = "pusher_internal:subscription_succeeded"
	EventSubscriptionError     Event = "pusher:subscription_error"
)

// Application events broadcast by the backend.
const (
	EventMessageSent      Event = "message.sent"
	EventGroupMessageSent Event = "group.message.sent"
	EventMessageReceived  Event = "message.received"
	EventGiftReceived     Event = "gift.received"
)

func (e Event) internal() bool {
	return strings.HasPrefix(string(e), "pusher:") || strings.HasPrefix(string(e), "pusher_internal:")
}

// Message is a single Pusher protocol frame. Server frames carry Data as a
// JSON encoded string; client frames carry it as an object.
type Message struct {
	Event   Event           `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Payload unwraps the string-encoded data of a server frame.
func (m Message) Payload() Payload {
	data := bytes.TrimSpace(m.Data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return Payload(s)
		}
	}
	return Payload(data)
}

// Payload is the raw event body handed to subscribers.
type Payload json.RawMessage

func (p Payload) Decode(v any) error {
	return json.Unmarshal(p, v)
}

func (p Payload) String() string {
	return string(p)
}

// ChatMessage is the minimum shape of conversation and group message
// events.
type ChatMessage struct {
	ID        json.Number `json:"id"`
	Content   string      `json:"content"`
	SenderID  json.Number `json:"sender_id"`
	CreatedAt string      `json:"created_at"`
	Type      string      `json:"type"`
}

type Credentials struct {
	Token      string `json:"token" msgpack:"token"`
	IdentityID string `json:"identity_id" msgpack:"identity_id"`
}

func (c Credentials) Valid() bool {
	return c.Token != "" && c.IdentityID != ""
}

// Transport is a bidirectional frame stream. Close must unblock a pending
// Receive.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer builds a fresh transport for a set of credentials.
type Dialer func(creds Credentials) (Transport, error)

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrInvalidMessage     = errors.New("invalid message format")
	ErrTimeout            = errors.New("operation timed out")
	ErrNotConnected       = errors.New("realtime connection not established")
	ErrMissingCredentials = errors.New("auth token and identity are required")
	ErrInitialization     = errors.New("realtime initialization failed")
	ErrHandshake          = errors.New("realtime handshake failed")
	ErrProtocol           = errors.New("unexpected realtime protocol frame")
	ErrUnauthorized       = errors.New("channel authorization rejected")
	ErrInvalidChannel     = errors.New("invalid channel")
	ErrSubscription       = errors.New("channel subscription rejected")
)

// ProtocolError is a pusher:error frame received from the server.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return "pusher error " + strconv.Itoa(e.Code) + ": " + e.Message
}

// Fatal reports codes after which the server asks clients not to retry.
func (e *ProtocolError) Fatal() bool {
	return e.Code >= 4000 && e.Code < 4100
}
