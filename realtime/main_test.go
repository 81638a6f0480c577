package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/realtime"
	"github.com/kleeedolinux/relay.go/realtime/realtimetest"
	"github.com/kleeedolinux/relay.go/realtime/transport"
)

const testToken = "tok123"

var testCreds = realtime.Credentials{Token: testToken, IdentityID: "42"}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func dialerFor(t *testing.T, srv *realtimetest.Server) realtime.Dialer {
	t.Helper()
	url, err := transport.AppURL(srv.Host(), srv.AppKey())
	require.NoError(t, err)
	return realtime.WebSocketDialer(url)
}

func newManager(t *testing.T, srv *realtimetest.Server, opts ...realtime.ManagerOption) *realtime.Manager {
	t.Helper()
	opts = append([]realtime.ManagerOption{realtime.WithLogger(zap.NewNop())}, opts...)
	m := realtime.NewManager(dialerFor(t, srv), opts...)
	t.Cleanup(m.Disconnect)
	return m
}

func connect(t *testing.T, m *realtime.Manager, creds realtime.Credentials) *realtime.Connection {
	t.Helper()
	conn, err := m.Connect(context.Background(), creds)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool {
		return m.State() == realtime.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

// stateRecorder collects every state a listener observes.
type stateRecorder struct {
	mu     sync.Mutex
	states []realtime.State
}

func (r *stateRecorder) record(s realtime.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []realtime.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) count(s realtime.State) int {
	n := 0
	for _, v := range r.all() {
		if v == s {
			n++
		}
	}
	return n
}

func (r *stateRecorder) last() realtime.State {
	all := r.all()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}
