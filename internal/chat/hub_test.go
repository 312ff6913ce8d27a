package chat

import (
	"context"
	"testing"
	"time"

	"chat-relay/internal/logger"
	"chat-relay/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(sessionID string, buffer int) *Client {
	return &Client{
		sessionID: sessionID,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		log:       logger.NewNop(),
	}
}

func TestHubDeliver(t *testing.T) {
	hub := NewHub(logger.NewNop())
	c := testClient("s1", 4)
	hub.Register(c)

	require.NoError(t, hub.Deliver(context.Background(), "s1", []byte("hello")))
	assert.Equal(t, []byte("hello"), <-c.send)

	err := hub.Deliver(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, ErrClientNotFound)
	assert.ErrorIs(t, err, relay.ErrSessionGone)
}

func TestHubDeliverRespectsContextWhenBufferFull(t *testing.T) {
	hub := NewHub(logger.NewNop())
	c := testClient("s1", 1)
	hub.Register(c)
	require.NoError(t, hub.Deliver(context.Background(), "s1", []byte("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := hub.Deliver(ctx, "s1", []byte("2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubDeliverToClosedClient(t *testing.T) {
	hub := NewHub(logger.NewNop())
	c := testClient("s1", 0)
	hub.Register(c)
	c.close()

	err := hub.Deliver(context.Background(), "s1", []byte("x"))
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, err, relay.ErrSessionGone)
}

func TestHubTopics(t *testing.T) {
	hub := NewHub(logger.NewNop())
	a, b := testClient("a", 1), testClient("b", 1)
	hub.Register(a)
	hub.Register(b)

	hub.Subscribe("a", "chat:1")
	hub.Subscribe("b", "chat:1")
	hub.Subscribe("b", "chat:2")
	hub.Subscribe("ghost", "chat:1")
	assert.Equal(t, []string{"a", "b"}, hub.TopicSessions("chat:1"))

	hub.Unsubscribe("a", "chat:1")
	assert.Equal(t, []string{"b"}, hub.TopicSessions("chat:1"))

	hub.Unregister(b)
	assert.Empty(t, hub.TopicSessions("chat:1"))
	assert.Empty(t, hub.TopicSessions("chat:2"))
	assert.Equal(t, 1, hub.Len())

	select {
	case <-b.done:
	default:
		t.Fatal("unregistered client was not closed")
	}
}

func TestHubRegisterReplacesSameSession(t *testing.T) {
	hub := NewHub(logger.NewNop())
	first, second := testClient("s1", 1), testClient("s1", 1)
	hub.Register(first)
	hub.Register(second)

	<-first.done
	// The stale client's cleanup must not evict its replacement.
	hub.Unregister(first)
	assert.Equal(t, 1, hub.Len())
	require.NoError(t, hub.Deliver(context.Background(), "s1", []byte("x")))
	assert.Equal(t, []byte("x"), <-second.send)
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub(logger.NewNop())
	a := testClient("a", 1)
	hub.Register(a)
	hub.Shutdown()
	<-a.done
}
