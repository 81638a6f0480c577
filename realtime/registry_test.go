package realtime_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kleeedolinux/relay.go/realtime"
	"github.com/kleeedolinux/relay.go/realtime/realtimetest"
)

func newRegistry(t *testing.T, srv *realtimetest.Server, m *realtime.Manager) *realtime.Registry {
	t.Helper()
	auth := realtime.NewHTTPAuthorizer(srv.AuthEndpoint(), realtime.WithAuthLogger(zap.NewNop()))
	r := realtime.NewRegistry(m, auth, realtime.WithRegistryLogger(zap.NewNop()))
	t.Cleanup(r.Close)
	return r
}

func waitSubscribed(t *testing.T, srv *realtimetest.Server, wire string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return srv.Subscribed(wire)
	}, 2*time.Second, 10*time.Millisecond)
}

func chatPayload(id int) map[string]any {
	return map[string]any{
		"id":         id,
		"content":    "hello",
		"sender_id":  42,
		"created_at": "2024-05-01T10:00:00Z",
		"type":       "text",
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)

	sub, err := r.SubscribeToConversation(context.Background(), "7", realtime.MessageHandlers{
		OnMessage: func(realtime.Payload) {},
	})
	assert.Nil(t, sub)
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.Empty(t, r.Channels())
}

func TestSubscribeToConversationDeliversPayload(t *testing.T) {
	srv := realtimetest.New(t, realtimetest.WithToken(testToken))
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	got := make(chan realtime.Payload, 1)
	sub, err := r.SubscribeToConversation(context.Background(), "7", realtime.MessageHandlers{
		OnMessage: func(p realtime.Payload) { got <- p },
	})
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "conversation.7", sub.Channel())

	waitSubscribed(t, srv, "private-conversation.7")
	require.Eventually(t, func() bool {
		return m.Connection().Subscribed("private-conversation.7")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Broadcast("private-conversation.7", "message.sent", chatPayload(99)))

	select {
	case p := <-got:
		var msg realtime.ChatMessage
		require.NoError(t, p.Decode(&msg))
		assert.Equal(t, "99", msg.ID.String())
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, "42", msg.SenderID.String())
		assert.Equal(t, "text", msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestResubscribeDoesNotDuplicateDelivery(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	var first, second atomic.Int32
	_, err := r.SubscribeToConversation(context.Background(), "7", realtime.MessageHandlers{
		OnMessage: func(realtime.Payload) { first.Add(1) },
	})
	require.NoError(t, err)
	_, err = r.SubscribeToConversation(context.Background(), "7", realtime.MessageHandlers{
		OnMessage: func(realtime.Payload) { second.Add(1) },
	})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Holders("conversation.7"))
	assert.Equal(t, 1, srv.AuthRequests())

	waitSubscribed(t, srv, "private-conversation.7")
	srv.Broadcast("private-conversation.7", "message.sent", chatPayload(1))

	require.Eventually(t, func() bool {
		return second.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return second.Load() > 1 || first.Load() > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestTwoScopesEachReceiveOnce(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	chat, sidebar := r.NewScope(), r.NewScope()
	var total atomic.Int32
	handlers := realtime.MessageHandlers{OnMessage: func(realtime.Payload) { total.Add(1) }}

	_, err := chat.SubscribeToConversation(context.Background(), "7", handlers)
	require.NoError(t, err)
	_, err = sidebar.SubscribeToConversation(context.Background(), "7", handlers)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Holders("conversation.7"))
	assert.Equal(t, 1, srv.AuthRequests())

	waitSubscribed(t, srv, "private-conversation.7")
	srv.Broadcast("private-conversation.7", "message.sent", chatPayload(1))

	require.Eventually(t, func() bool {
		return total.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return total.Load() > 2
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestReleaseKeepsChannelUntilLastHolder(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	a, b := r.NewScope(), r.NewScope()
	subA, err := a.SubscribeToGroup(context.Background(), "3", realtime.MessageHandlers{OnMessage: func(realtime.Payload) {}})
	require.NoError(t, err)
	_, err = b.SubscribeToGroup(context.Background(), "3", realtime.MessageHandlers{OnMessage: func(realtime.Payload) {}})
	require.NoError(t, err)
	waitSubscribed(t, srv, "private-group.3")

	subA.Release()
	subA.Release()
	assert.Equal(t, 1, r.Holders("group.3"))

	b.Close()
	b.Close()
	assert.Equal(t, 0, r.Holders("group.3"))
	require.Eventually(t, func() bool {
		return !srv.Subscribed("private-group.3")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = b.SubscribeToGroup(context.Background(), "3", realtime.MessageHandlers{})
	assert.ErrorIs(t, err, realtime.ErrScopeClosed)
}

func TestUnsubscribeIsSafe(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)

	r.Unsubscribe("conversation.404")

	connect(t, m, testCreds)
	_, err := r.SubscribeToConversation(context.Background(), "5", realtime.MessageHandlers{})
	require.NoError(t, err)
	waitSubscribed(t, srv, "private-conversation.5")

	r.Unsubscribe("private-conversation.5")
	r.Unsubscribe("conversation.5")
	r.Unsubscribe("conversation.404")

	assert.Empty(t, r.Channels())
	require.Eventually(t, func() bool {
		return !srv.Subscribed("private-conversation.5")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeToUserRoutesEvents(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	var messages, gifts atomic.Int32
	_, err := r.SubscribeToUser(context.Background(), "42", realtime.UserHandlers{
		OnMessageReceived: func(realtime.Payload) { messages.Add(1) },
		OnGiftReceived:    func(realtime.Payload) { gifts.Add(1) },
	})
	require.NoError(t, err)
	waitSubscribed(t, srv, "private-user.42")

	srv.Broadcast("private-user.42", "message.received", chatPayload(1))
	srv.Broadcast("private-user.42", "gift.received", map[string]any{"gift_id": 3})
	srv.Broadcast("private-user.42", "gift.received", map[string]any{"gift_id": 4})
	srv.Broadcast("private-user.42", "unrelated.event", map[string]any{})

	require.Eventually(t, func() bool {
		return messages.Load() == 1 && gifts.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuthFailureFailsOnlyThatChannel(t *testing.T) {
	srv := realtimetest.New(t, realtimetest.DenyAuth("private-group.9"))
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	sub, err := r.SubscribeToGroup(context.Background(), "9", realtime.MessageHandlers{})
	assert.Nil(t, sub)
	assert.ErrorIs(t, err, realtime.ErrUnauthorized)
	assert.Equal(t, 0, r.Holders("group.9"))
	assert.False(t, srv.Subscribed("private-group.9"))

	_, err = r.SubscribeToGroup(context.Background(), "10", realtime.MessageHandlers{})
	require.NoError(t, err)
	waitSubscribed(t, srv, "private-group.10")
	assert.Equal(t, realtime.StateConnected, m.State())
}

func TestAuthRejectsWrongToken(t *testing.T) {
	srv := realtimetest.New(t, realtimetest.WithToken("expected"))
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, realtime.Credentials{Token: "stale", IdentityID: "42"})

	_, err := r.SubscribeToUser(context.Background(), "42", realtime.UserHandlers{})
	assert.ErrorIs(t, err, realtime.ErrUnauthorized)
	assert.Equal(t, realtime.StateConnected, m.State())
}

func TestSubscriptionErrorDropsChannel(t *testing.T) {
	srv := realtimetest.New(t, realtimetest.RejectSubscription("private-user.5"))
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	errs := make(chan error, 1)
	sub, err := r.SubscribeToUser(context.Background(), "5", realtime.UserHandlers{
		OnError: func(err error) { errs <- err },
	})
	require.NoError(t, err)
	require.NotNil(t, sub)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, realtime.ErrSubscription)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription error not reported")
	}

	assert.Equal(t, 0, r.Holders("user.5"))
	assert.Equal(t, realtime.StateConnected, m.State())
	sub.Release()
}

func TestReleaseDuringDeliveryStopsHandler(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	_, err := r.NewScope().SubscribeToConversation(context.Background(), "3", realtime.MessageHandlers{
		OnMessage: func(realtime.Payload) {
			entered <- struct{}{}
			<-release
		},
	})
	require.NoError(t, err)

	var late atomic.Int32
	sub, err := r.NewScope().SubscribeToConversation(context.Background(), "3", realtime.MessageHandlers{
		OnMessage: func(realtime.Payload) { late.Add(1) },
	})
	require.NoError(t, err)
	waitSubscribed(t, srv, "private-conversation.3")

	srv.Broadcast("private-conversation.3", "message.sent", chatPayload(1))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first holder never called")
	}

	sub.Release()
	close(release)

	assert.Never(t, func() bool {
		return late.Load() > 0
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 1, r.Holders("conversation.3"))
}

func TestHandlerPanicDoesNotStopOtherScopes(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	var delivered atomic.Int32
	_, err := r.NewScope().SubscribeToConversation(context.Background(), "1", realtime.MessageHandlers{
		OnMessage: func(realtime.Payload) { panic("handler bug") },
	})
	require.NoError(t, err)
	_, err = r.NewScope().SubscribeToConversation(context.Background(), "1", realtime.MessageHandlers{
		OnMessage: func(realtime.Payload) { delivered.Add(1) },
	})
	require.NoError(t, err)
	waitSubscribed(t, srv, "private-conversation.1")

	srv.Broadcast("private-conversation.1", "message.sent", chatPayload(1))
	srv.Broadcast("private-conversation.1", "message.sent", chatPayload(2))

	require.Eventually(t, func() bool {
		return delivered.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, realtime.StateConnected, m.State())
}

func TestChannelsRestoredAfterReconnect(t *testing.T) {
	srv := realtimetest.New(t)
	m := newManager(t, srv)
	r := newRegistry(t, srv, m)
	connect(t, m, testCreds)

	var delivered atomic.Int32
	_, err := r.SubscribeToConversation(context.Background(), "3", realtime.MessageHandlers{
		OnMessage: func(realtime.Payload) { delivered.Add(1) },
	})
	require.NoError(t, err)
	waitSubscribed(t, srv, "private-conversation.3")

	m.Disconnect()
	require.Eventually(t, func() bool {
		return !srv.Subscribed("private-conversation.3")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"conversation.3"}, r.Channels())

	connect(t, m, testCreds)
	waitSubscribed(t, srv, "private-conversation.3")

	srv.Broadcast("private-conversation.3", "message.sent", chatPayload(1))
	require.Eventually(t, func() bool {
		return delivered.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelName(t *testing.T) {
	name, err := realtime.ChannelName(realtime.KindGroup, "12")
	require.NoError(t, err)
	assert.Equal(t, "group.12", name)
	assert.Equal(t, "private-group.12", realtime.WireName(name))
	assert.Equal(t, "private-group.12", realtime.WireName("private-group.12"))

	for _, id := range []string{"", "1 2", "a.b"} {
		_, err := realtime.ChannelName(realtime.KindUser, id)
		assert.ErrorIs(t, err, realtime.ErrInvalidChannel, id)
	}
	_, err = realtime.ChannelName("story", "1")
	assert.ErrorIs(t, err, realtime.ErrInvalidChannel)
}

func TestMessagePayloadUnwrapsStringData(t *testing.T) {
	msg := realtime.Message{Data: []byte(`"{\"id\":1}"`)}
	assert.JSONEq(t, `{"id":1}`, msg.Payload().String())

	msg = realtime.Message{Data: []byte(`{"id":2}`)}
	assert.JSONEq(t, `{"id":2}`, msg.Payload().String())
}
