package realtime_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/realtime"
)

func TestHTTPAuthorizerSendsBearerAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "web", r.Header.Get("X-Client"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "123.456", body["socket_id"])
		assert.Equal(t, "private-user.42", body["channel_name"])

		json.NewEncoder(w).Encode(map[string]string{"auth": "key:sig", "channel_data": `{"user_id":42}`})
	}))
	defer srv.Close()

	a := realtime.NewHTTPAuthorizer(srv.URL,
		realtime.WithAuthHeaders(http.Header{"X-Client": []string{"web"}}),
		realtime.WithAuthLogger(zap.NewNop()))

	auth, err := a.Authorize(context.Background(), testCreds, "123.456", "private-user.42")
	require.NoError(t, err)
	assert.Equal(t, "key:sig", auth.Auth)
	assert.Equal(t, `{"user_id":42}`, auth.ChannelData)
}

func TestHTTPAuthorizerRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "forbidden", status: http.StatusForbidden, body: `{"message":"no"}`},
		{name: "server error", status: http.StatusInternalServerError, body: ``},
		{name: "empty signature", status: http.StatusOK, body: `{"auth":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			a := realtime.NewHTTPAuthorizer(srv.URL, realtime.WithAuthLogger(zap.NewNop()))
			_, err := a.Authorize(context.Background(), testCreds, "1.1", "private-group.1")
			assert.ErrorIs(t, err, realtime.ErrUnauthorized)
		})
	}
}
