package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/poll"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type reply struct {
	status int
	body   string
}

// scripted serves replies in order and repeats the last one.
func scripted(t *testing.T, calls *atomic.Int32, replies ...reply) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/payments/txn-1/status", r.URL.Path)
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))

		n := int(calls.Add(1)) - 1
		if n >= len(replies) {
			n = len(replies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(replies[n].status)
		w.Write([]byte(replies[n].body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL+"/", WithToken("tok123"), WithLogger(zap.NewNop()))
}

func TestCheckMapsResponses(t *testing.T) {
	tests := []struct {
		name       string
		reply      reply
		wantResult string
		wantReason string
		transient  bool
	}{
		{name: "completed", reply: reply{200, `{"success":true,"status":"completed","amount":5000}`}, wantResult: "succeeded"},
		{name: "pending", reply: reply{200, `{"success":true,"status":"pending"}`}, wantResult: "pending"},
		{name: "unknown status", reply: reply{200, `{"success":true,"status":"processing"}`}, wantResult: "pending"},
		{name: "failed", reply: reply{200, `{"success":false,"status":"failed"}`}, wantResult: "failed: failed"},
		{name: "cancelled", reply: reply{200, `{"success":false,"status":"CANCELLED"}`}, wantResult: "failed: cancelled"},
		{name: "nested status", reply: reply{200, `{"success":true,"data":{"status":"completed"}}`}, wantResult: "succeeded"},
		{name: "not found", reply: reply{404, `{"message":"no such transaction"}`}, wantReason: poll.ReasonNotFound},
		{name: "bad request with failed status", reply: reply{400, `{"success":false,"data":{"status":"failed"}}`}, wantReason: poll.ReasonFailed},
		{name: "bad request without status", reply: reply{400, `{"message":"try again"}`}, transient: true},
		{name: "server error", reply: reply{502, `bad gateway`}, transient: true},
		{name: "malformed body", reply: reply{200, `not json`}, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newClient(scripted(t, &calls, tt.reply))

			res, err := c.Check(context.Background(), "txn-1")
			switch {
			case tt.wantReason != "":
				reason, ok := poll.IsTerminal(err)
				require.True(t, ok, "expected terminal error, got %v", err)
				assert.Equal(t, tt.wantReason, reason)
			case tt.transient:
				require.Error(t, err)
				_, ok := poll.IsTerminal(err)
				assert.False(t, ok)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantResult, res.String())
			}
		})
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, WithLogger(zap.NewNop()), WithRequestTimeout(time.Second))
	_, err := c.Check(context.Background(), "txn-1")
	require.Error(t, err)
	_, ok := poll.IsTerminal(err)
	assert.False(t, ok)
}

func TestStatusReturnsHTTPError(t *testing.T) {
	var calls atomic.Int32
	c := newClient(scripted(t, &calls, reply{400, `{"success":false,"status":"failed","message":"card declined"}`}))

	_, err := c.Status(context.Background(), "txn-1")
	var herr *HTTPError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, http.StatusBadRequest, herr.StatusCode)
	require.NotNil(t, herr.Body)
	assert.Equal(t, "card declined", herr.Body.Message)
}

func TestCustomStatusPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/transactions/a%2Fb", r.URL.EscapedPath())
		w.Write([]byte(`{"status":"pending"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithStatusPath("/v2/transactions/%s"), WithLogger(zap.NewNop()))
	status, err := c.Status(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.State())
}

func TestWaitCompletesAfterPendingChecks(t *testing.T) {
	var calls atomic.Int32
	c := newClient(scripted(t, &calls,
		reply{200, `{"success":true,"status":"pending"}`},
		reply{200, `{"success":true,"status":"pending"}`},
		reply{200, `{"success":true,"status":"completed","amount":5000}`},
	))
	p := poll.New(poll.WithLogger(zap.NewNop()))

	var amount string
	start := time.Now()
	status, err := c.Wait(context.Background(), p, "txn-1", poll.Options{
		Interval:             30 * time.Millisecond,
		MaxElapsed:           time.Minute,
		MaxTransientFailures: 3,
		OnSuccess: func(data any) {
			amount = data.(*StatusResponse).Amount.String()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "5000", status.Amount.String())
	assert.Equal(t, "5000", amount)
	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWaitNotFoundStopsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	c := newClient(scripted(t, &calls, reply{404, `{"message":"not found"}`}))
	p := poll.New(poll.WithLogger(zap.NewNop()))

	_, err := c.Wait(context.Background(), p, "txn-1", poll.Options{Interval: 5 * time.Millisecond})

	var ferr *FailureError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, poll.ReasonNotFound, ferr.Reason)
	assert.Equal(t, "txn-1", ferr.Transaction)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWaitGivesUpAfterTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(scripted(t, &calls, reply{503, `unavailable`}))
	p := poll.New(poll.WithLogger(zap.NewNop()))

	_, err := c.Wait(context.Background(), p, "txn-1", poll.Options{
		Interval:             5 * time.Millisecond,
		MaxTransientFailures: 3,
	})

	var ferr *FailureError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, poll.ReasonTooManyTransient, ferr.Reason)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitCancelled(t *testing.T) {
	var calls atomic.Int32
	c := newClient(scripted(t, &calls, reply{200, `{"status":"pending"}`}))
	p := poll.New(poll.WithLogger(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := c.Wait(ctx, p, "txn-1", poll.Options{Interval: time.Hour})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestStatusRequiresTransaction(t *testing.T) {
	c := NewClient("http://example.invalid", WithLogger(zap.NewNop()))
	_, err := c.Status(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingTransaction)
}
