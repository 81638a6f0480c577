// Package realtimetest runs an in-process Pusher-protocol server with a
// broadcasting auth endpoint for tests.
package realtimetest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"
)

const (
	DefaultAppKey = "app-key"
	appSecret     = "app-secret"
)

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type session struct {
	id       string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	channels mapset.Set[string]
}

func (s *session) write(event, channel string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(string(raw))
	if err != nil {
		return err
	}
	msg, err := json.Marshal(frame{Event: event, Channel: channel, Data: encoded})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

type Server struct {
	appKey          string
	token           string
	activityTimeout int
	rejectHandshake bool
	withhold        bool
	ignorePings     bool
	errorCode       int
	errorMessage    string
	rejectChannels  mapset.Set[string]
	denyChannels    mapset.Set[string]

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	seq      int

	opened atomic.Int64
	pings  atomic.Int64
	auths  atomic.Int64
}

type Option func(*Server)

func WithAppKey(key string) Option {
	return func(s *Server) {
		s.appKey = key
	}
}

// WithToken makes the auth endpoint require this bearer token.
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithActivityTimeout sets the activity_timeout advertised in seconds.
func WithActivityTimeout(seconds int) Option {
	return func(s *Server) {
		s.activityTimeout = seconds
	}
}

// RejectHandshake answers the WebSocket upgrade with 403.
func RejectHandshake() Option {
	return func(s *Server) {
		s.rejectHandshake = true
	}
}

// WithholdHandshake upgrades but never sends connection_established.
func WithholdHandshake() Option {
	return func(s *Server) {
		s.withhold = true
	}
}

// HandshakeError sends pusher:error instead of connection_established.
func HandshakeError(code int, message string) Option {
	return func(s *Server) {
		s.errorCode = code
		s.errorMessage = message
	}
}

// IgnorePings stops the server answering pusher:ping.
func IgnorePings() Option {
	return func(s *Server) {
		s.ignorePings = true
	}
}

// RejectSubscription answers subscribes to the wire channel with
// pusher:subscription_error.
func RejectSubscription(channel string) Option {
	return func(s *Server) {
		s.rejectChannels.Add(channel)
	}
}

// DenyAuth makes the auth endpoint return 403 for the wire channel.
func DenyAuth(channel string) Option {
	return func(s *Server) {
		s.denyChannels.Add(channel)
	}
}

// New starts a server that is closed when t finishes.
func New(t testing.TB, opts ...Option) *Server {
	s := &Server{
		appKey:          DefaultAppKey,
		activityTimeout: 120,
		rejectChannels:  mapset.NewSet[string](),
		denyChannels:    mapset.NewSet[string](),
		sessions:        make(map[string]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/app/", s.handleSocket)
	mux.HandleFunc("/broadcasting/auth", s.handleAuth)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// Host is the http base URL, suitable for transport.AppURL.
func (s *Server) Host() string {
	return s.srv.URL
}

func (s *Server) AppKey() string {
	return s.appKey
}

func (s *Server) AuthEndpoint() string {
	return s.srv.URL + "/broadcasting/auth"
}

// Opened counts WebSocket sessions accepted so far.
func (s *Server) Opened() int {
	return int(s.opened.Load())
}

// Live counts sessions that are still open.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) Pings() int {
	return int(s.pings.Load())
}

func (s *Server) AuthRequests() int {
	return int(s.auths.Load())
}

// Subscribed reports whether any live session holds the wire channel.
func (s *Server) Subscribed(channel string) bool {
	return s.Subscribers(channel) > 0
}

func (s *Server) Subscribers(channel string) int {
	n := 0
	for _, sess := range s.snapshot() {
		if sess.channels.Contains(channel) {
			n++
		}
	}
	return n
}

// Broadcast sends event to every session subscribed to the wire channel and
// returns how many received it.
func (s *Server) Broadcast(channel, event string, payload any) int {
	n := 0
	for _, sess := range s.snapshot() {
		if !sess.channels.Contains(channel) {
			continue
		}
		if err := sess.write(event, channel, payload); err == nil {
			n++
		}
	}
	return n
}

// Send writes a raw frame to every live session.
func (s *Server) Send(event string, payload any) {
	for _, sess := range s.snapshot() {
		sess.write(event, "", payload)
	}
}

// DropAll closes every session from the server side.
func (s *Server) DropAll() {
	for _, sess := range s.snapshot() {
		sess.conn.Close()
	}
}

func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

func (s *Server) snapshot() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/app/") != s.appKey {
		http.NotFound(w, r)
		return
	}
	if s.rejectHandshake {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.seq++
	sess := &session{
		id:       fmt.Sprintf("%d.%d", 1000+s.seq, 7000+s.seq),
		conn:     conn,
		channels: mapset.NewSet[string](),
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.opened.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		conn.Close()
	}()

	switch {
	case s.errorCode != 0:
		sess.write("pusher:error", "", map[string]any{"code": s.errorCode, "message": s.errorMessage})
		return
	case s.withhold:
	default:
		sess.write("pusher:connection_established", "", map[string]any{
			"socket_id":        sess.id,
			"activity_timeout": s.activityTimeout,
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.handleFrame(sess, f)
	}
}

func (s *Server) handleFrame(sess *session, f frame) {
	switch f.Event {
	case "pusher:ping":
		s.pings.Add(1)
		if !s.ignorePings {
			sess.write("pusher:pong", "", struct{}{})
		}
	case "pusher:subscribe":
		var req struct {
			Channel string `json:"channel"`
			Auth    string `json:"auth"`
		}
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return
		}
		if s.rejectChannels.Contains(req.Channel) || req.Auth != s.sign(sess.id, req.Channel) {
			sess.write("pusher:subscription_error", req.Channel, map[string]any{
				"type":   "AuthError",
				"error":  "invalid signature",
				"status": 401,
			})
			return
		}
		sess.channels.Add(req.Channel)
		sess.write("pusher_internal:subscription_succeeded", req.Channel, struct{}{})
	case "pusher:unsubscribe":
		var req struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(f.Data, &req); err == nil {
			sess.channels.Remove(req.Channel)
		}
	}
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	s.auths.Add(1)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || (s.token != "" && token != s.token) {
		http.Error(w, "unauthenticated", http.StatusForbidden)
		return
	}

	var req struct {
		SocketID    string `json:"socket_id"`
		ChannelName string `json:"channel_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.denyChannels.Contains(req.ChannelName) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"auth": s.sign(req.SocketID, req.ChannelName)})
}

func (s *Server) sign(socketID, channel string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(socketID + ":" + channel))
	return s.appKey + ":" + hex.EncodeToString(mac.Sum(nil))
}
