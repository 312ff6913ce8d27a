package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-relay/internal/calls"
	"chat-relay/internal/ephemeral"
	"chat-relay/internal/envelope"
	"chat-relay/internal/logger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/presence"
	"chat-relay/internal/relay"
	"chat-relay/internal/session"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub records deliveries and owns topic subscriptions.
type fakeHub struct {
	mu     sync.Mutex
	inbox  map[string][]envelope.Envelope
	topics map[string]map[string]struct{}
}

func newFakeHub() *fakeHub {
	return &fakeHub{inbox: map[string][]envelope.Envelope{}, topics: map[string]map[string]struct{}{}}
}

func (h *fakeHub) Deliver(_ context.Context, sessionID string, data []byte) error {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inbox[sessionID] = append(h.inbox[sessionID], env)
	return nil
}

func (h *fakeHub) TopicSessions(topicID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for sid := range h.topics[topicID] {
		out = append(out, sid)
	}
	return out
}

func (h *fakeHub) Subscribe(sessionID, topicID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topicID] == nil {
		h.topics[topicID] = map[string]struct{}{}
	}
	h.topics[topicID][sessionID] = struct{}{}
}

func (h *fakeHub) Unsubscribe(sessionID, topicID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics[topicID], sessionID)
}

// take drains the envelopes delivered to sessionID.
func (h *fakeHub) take(sessionID string) []envelope.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.inbox[sessionID]
	delete(h.inbox, sessionID)
	return out
}

type tokenAuth map[string]string

func (a tokenAuth) Authenticate(_ context.Context, credential string) (string, error) {
	uid, ok := a[credential]
	if !ok {
		return "", errors.New("bad token")
	}
	return uid, nil
}

type fakeChats struct {
	mu      sync.Mutex
	members map[string][]string
	saved   []envelope.ChatMessage
	nextID  int
	saveErr error
}

func (c *fakeChats) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.members[chatID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (c *fakeChats) SaveMessage(_ context.Context, msg envelope.ChatMessage) (envelope.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return envelope.ChatMessage{}, c.saveErr
	}
	c.nextID++
	msg.MessageID = fmt.Sprintf("m%d", c.nextID)
	c.saved = append(c.saved, msg)
	return msg, nil
}

type harness struct {
	gw       *Gateway
	hub      *fakeHub
	chats    *fakeChats
	registry *session.Registry
	tracker  *presence.Tracker
	relay    *relay.Dispatcher
	router   *calls.Router
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, ephemeral.NewMemoryStore())
}

// newHarnessOn builds one instance over store. Harnesses sharing a store
// behave as instances of one deployment.
func newHarnessOn(t *testing.T, store ephemeral.Store) *harness {
	t.Helper()
	log := logger.NewNop()
	m := metrics.NewMetrics()
	hub := newFakeHub()
	chats := &fakeChats{members: map[string][]string{"c1": {"A", "B"}}}

	registry := session.NewRegistry(store, 24*time.Hour, log)
	tracker := presence.NewTracker(store, nil, presence.Config{
		TypingTTL:      10 * time.Second,
		StatusCacheTTL: 30 * time.Minute,
		LastSeenTTL:    24 * time.Hour,
	}, log)
	dispatcher := relay.NewDispatcher(hub, registry, relay.Config{SendTimeout: time.Second}, m, log)
	router := calls.NewRouter(dispatcher, calls.Config{TerminalRetention: time.Minute}, m, log)

	gw := New(Deps{
		Auth:          tokenAuth{"token-a": "A", "token-b": "B", "token-c": "C"},
		Sessions:      registry,
		Presence:      tracker,
		Relay:         dispatcher,
		Calls:         router,
		Members:       chats,
		Messages:      chats,
		Subscriptions: hub,
	}, m, log)

	return &harness{gw: gw, hub: hub, chats: chats, registry: registry, tracker: tracker,
		relay: dispatcher, router: router, metrics: m}
}

func (h *harness) connect(t *testing.T, sessionID, token string) *Conn {
	t.Helper()
	conn, err := h.gw.Connect(context.Background(), sessionID, token)
	require.NoError(t, err)
	require.Equal(t, StateRegistered, conn.State())
	return conn
}

func frame(t *testing.T, action envelope.Action, payload any) []byte {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(envelope.Frame{Action: action, Payload: p})
	require.NoError(t, err)
	return raw
}

func presenceUpdates(envs []envelope.Envelope) []envelope.PresenceUpdate {
	var out []envelope.PresenceUpdate
	for _, e := range envs {
		if p, ok := e.Payload.(envelope.PresenceUpdate); ok {
			out = append(out, p)
		}
	}
	return out
}

func TestConnectRejectsBadCredential(t *testing.T) {
	h := newHarness(t)

	conn, err := h.gw.Connect(context.Background(), "s1", "forged")
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Empty(t, h.registry.AllSessions())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AuthFailures))

	st, err := h.tracker.GetStatus(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOffline, st)
}

func TestConnectBroadcastsOnline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.connect(t, "b1", "token-b")
	h.hub.take("b1")

	h.connect(t, "a1", "token-a")
	updates := presenceUpdates(h.hub.take("b1"))
	require.Len(t, updates, 1)
	assert.Equal(t, "A", updates[0].UserID)
	assert.Equal(t, envelope.StatusOnline, updates[0].Status)

	st, err := h.tracker.GetStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOnline, st)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.LiveSessions))
}

func TestDisconnectLastSessionGoesOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a1 := h.connect(t, "a1", "token-a")
	a2 := h.connect(t, "a2", "token-a")
	h.connect(t, "b1", "token-b")
	h.hub.take("b1")

	h.gw.Disconnect(ctx, a1)
	assert.Equal(t, StateDisconnected, a1.State())
	assert.Empty(t, presenceUpdates(h.hub.take("b1")))

	h.gw.Disconnect(ctx, a2)
	updates := presenceUpdates(h.hub.take("b1"))
	require.Len(t, updates, 1)
	assert.Equal(t, envelope.StatusOffline, updates[0].Status)
	assert.NotNil(t, updates[0].LastSeen)

	st, err := h.tracker.GetStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOffline, st)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a1 := h.connect(t, "a1", "token-a")
	h.connect(t, "b1", "token-b")
	h.hub.take("b1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.gw.Disconnect(ctx, a1)
		}()
	}
	wg.Wait()

	assert.Len(t, presenceUpdates(h.hub.take("b1")), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LiveSessions))
	h.gw.Disconnect(ctx, nil)
}

func TestInvisibleUserStaysReachable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a1 := h.connect(t, "a1", "token-a")
	h.connect(t, "b1", "token-b")
	h.hub.take("a1")
	h.hub.take("b1")

	require.NoError(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionPresenceUpdate,
		envelope.PresenceRequest{Status: "invisible"})))

	updates := presenceUpdates(h.hub.take("b1"))
	require.Len(t, updates, 1)
	assert.Equal(t, envelope.StatusOffline, updates[0].Status)

	h.hub.take("a1")

	seen, err := h.tracker.DisplayedStatus(ctx, "B", "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOffline, seen)

	res := h.relay.SendToUser(ctx, "A", envelope.New(envelope.Notification{RecipientID: "A", Kind: "MESSAGE"}))
	assert.Equal(t, relay.Result{Attempted: 1}, res)
	assert.Len(t, h.hub.take("a1"), 1)

	// A second device keeps the explicit status.
	h.connect(t, "a2", "token-a")
	st, err := h.tracker.GetStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusInvisible, st)
	assert.Empty(t, presenceUpdates(h.hub.take("b1")))
}

func TestChatSendPersistsAndRelaysToTopic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a1 := h.connect(t, "a1", "token-a")
	b1 := h.connect(t, "b1", "token-b")
	require.NoError(t, h.gw.HandleFrame(ctx, b1, frame(t, envelope.ActionChatSubscribe, envelope.SubscribeRequest{ChatID: "c1"})))
	h.hub.take("b1")

	// The payload's senderId is ignored in favour of the session's user.
	err := h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionChatSend, map[string]any{
		"chatId": "c1", "content": "hello", "senderId": "B",
	}))
	require.NoError(t, err)

	require.Len(t, h.chats.saved, 1)
	assert.Equal(t, "A", h.chats.saved[0].SenderID)
	assert.Equal(t, envelope.MessageText, h.chats.saved[0].MessageType)

	got := h.hub.take("b1")
	require.Len(t, got, 1)
	msg := got[0].Payload.(envelope.ChatMessage)
	assert.Equal(t, "m1", msg.MessageID)
	assert.Equal(t, "A", msg.SenderID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "A", got[0].SenderID)
}

func TestChatSendRequiresMembership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	c1 := h.connect(t, "x1", "token-c")
	err := h.gw.HandleFrame(ctx, c1, frame(t, envelope.ActionChatSend, envelope.ChatMessage{ChatID: "c1", Content: "hi"}))
	assert.ErrorIs(t, err, ErrNotMember)
	assert.Empty(t, h.chats.saved)

	err = h.gw.HandleFrame(ctx, c1, frame(t, envelope.ActionChatSubscribe, envelope.SubscribeRequest{ChatID: "c1"}))
	assert.ErrorIs(t, err, ErrNotMember)
	assert.Empty(t, h.hub.TopicSessions(ChatTopic("c1")))
}

func TestChatSendStoreFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.chats.saveErr = errors.New("db down")

	a1 := h.connect(t, "a1", "token-a")
	err := h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionChatSend, envelope.ChatMessage{ChatID: "c1", Content: "hi"}))
	assert.Error(t, err)
}

func TestTypingFrame(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a1 := h.connect(t, "a1", "token-a")
	b1 := h.connect(t, "b1", "token-b")
	require.NoError(t, h.gw.HandleFrame(ctx, b1, frame(t, envelope.ActionChatSubscribe, envelope.SubscribeRequest{ChatID: "c1"})))
	h.hub.take("b1")

	require.NoError(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionChatTyping, envelope.TypingRequest{ChatID: "c1", IsTyping: true})))
	typing, err := h.tracker.TypingUsersInChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, typing)

	got := h.hub.take("b1")
	require.Len(t, got, 1)
	assert.Equal(t, envelope.TypingIndicator{UserID: "A", ChatID: "c1", IsTyping: true}, got[0].Payload)

	// Sending a message clears the flag.
	require.NoError(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionChatSend, envelope.ChatMessage{ChatID: "c1", Content: "done"})))
	typing, err = h.tracker.TypingUsersInChat(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, typing)
}

func TestUnsubscribeStopsTopicDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a1 := h.connect(t, "a1", "token-a")
	b1 := h.connect(t, "b1", "token-b")
	require.NoError(t, h.gw.HandleFrame(ctx, b1, frame(t, envelope.ActionChatSubscribe, envelope.SubscribeRequest{ChatID: "c1"})))
	require.NoError(t, h.gw.HandleFrame(ctx, b1, frame(t, envelope.ActionChatUnsubscribe, envelope.SubscribeRequest{ChatID: "c1"})))
	h.hub.take("b1")

	require.NoError(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionChatSend, envelope.ChatMessage{ChatID: "c1", Content: "hi"})))
	assert.Empty(t, h.hub.take("b1"))
}

func TestCallSignalFrames(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a1 := h.connect(t, "a1", "token-a")
	b1 := h.connect(t, "b1", "token-b")
	h.hub.take("a1")
	h.hub.take("b1")

	ring := envelope.CallSignal{CallID: "42", Action: envelope.CallRing, Participants: []string{"A", "B"}, CallType: envelope.CallVideo}
	require.NoError(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionCallSignal, ring)))
	got := h.hub.take("b1")
	require.Len(t, got, 1)
	assert.Equal(t, envelope.TypeCallSignal, got[0].Type)
	assert.Empty(t, h.hub.take("a1"))

	end := envelope.CallSignal{CallID: "42", Action: envelope.CallEnd}
	require.NoError(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionCallSignal, end)))
	h.hub.take("b1")

	answer := envelope.CallSignal{CallID: "42", Action: envelope.CallAnswer}
	err := h.gw.HandleFrame(ctx, b1, frame(t, envelope.ActionCallSignal, answer))
	assert.ErrorIs(t, err, calls.ErrInvalidCallState)
	assert.Empty(t, h.hub.take("a1"))

	// Unknown calls are absorbed.
	ice := envelope.CallSignal{CallID: "gone", Action: envelope.CallICECandidate}
	assert.NoError(t, h.gw.HandleFrame(ctx, b1, frame(t, envelope.ActionCallSignal, ice)))
}

func TestHandleFrameRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a1 := h.connect(t, "a1", "token-a")

	assert.Error(t, h.gw.HandleFrame(ctx, a1, []byte(`{"action":"chat.dance","payload":{}}`)))
	assert.Error(t, h.gw.HandleFrame(ctx, a1, []byte(`not json`)))
	assert.Error(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionPresenceUpdate, envelope.PresenceRequest{Status: "SLEEPING"})))
	assert.NoError(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionNotificationAck, envelope.NotificationAck{NotificationID: "n1"})))

	h.gw.Disconnect(ctx, a1)
	err := h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionNotificationAck, envelope.NotificationAck{NotificationID: "n1"}))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

// gatedPresence parks the first OFFLINE write until release is closed.
type gatedPresence struct {
	*presence.Tracker
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedPresence(tr *presence.Tracker) *gatedPresence {
	return &gatedPresence{Tracker: tr, entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *gatedPresence) SetStatus(ctx context.Context, userID string, status envelope.Status) (envelope.Status, error) {
	if status == envelope.StatusOffline {
		p.once.Do(func() {
			close(p.entered)
			<-p.release
		})
	}
	return p.Tracker.SetStatus(ctx, userID, status)
}

func TestAuthenticateThenRegister(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	conn, err := h.gw.Authenticate(ctx, "a1", "token-a")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, conn.State())
	assert.Equal(t, "A", conn.UserID)
	assert.Empty(t, h.registry.AllSessions())

	require.NoError(t, h.gw.Register(ctx, conn))
	assert.Equal(t, StateRegistered, conn.State())
	assert.Equal(t, []string{"a1"}, h.registry.SessionsFor("A"))

	// The user's own session sees its ONLINE announcement.
	updates := presenceUpdates(h.hub.take("a1"))
	require.Len(t, updates, 1)
	assert.Equal(t, envelope.StatusOnline, updates[0].Status)

	assert.ErrorIs(t, h.gw.Register(ctx, conn), ErrNotAuthenticated)
	assert.ErrorIs(t, h.gw.Register(ctx, nil), ErrNotAuthenticated)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LiveSessions))

	_, err = h.gw.Authenticate(ctx, "x", "forged")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Zero(t, h.gw.users.len())
}

func TestDisconnectKeepsUserOnlineWhileAnotherInstanceHoldsASession(t *testing.T) {
	ctx := context.Background()
	store := ephemeral.NewMemoryStore()
	h1 := newHarnessOn(t, store)
	h2 := newHarnessOn(t, store)

	a1 := h1.connect(t, "a1", "token-a")
	a2 := h2.connect(t, "a2", "token-a")
	h1.connect(t, "b1", "token-b")
	h1.hub.take("b1")

	h1.gw.Disconnect(ctx, a1)
	assert.Empty(t, presenceUpdates(h1.hub.take("b1")))
	st, err := h1.tracker.GetStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOnline, st)
	assert.True(t, h1.registry.IsOnline(ctx, "A"))

	h2.gw.Disconnect(ctx, a2)
	st, err = h1.tracker.GetStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOffline, st)
	assert.False(t, h1.registry.IsOnline(ctx, "A"))
}

func TestReconnectWaitsForTeardown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gate := newGatedPresence(h.tracker)
	h.gw.Presence = gate

	a1 := h.connect(t, "a1", "token-a")
	h.connect(t, "b1", "token-b")
	h.hub.take("b1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.gw.Disconnect(ctx, a1)
	}()
	<-gate.entered

	reconnected := make(chan *Conn, 1)
	go func() {
		conn, err := h.gw.Connect(ctx, "a2", "token-a")
		assert.NoError(t, err)
		reconnected <- conn
	}()

	select {
	case <-reconnected:
		t.Fatal("reconnect finished while the previous session was still tearing down")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate.release)
	<-done
	require.NotNil(t, <-reconnected)

	assert.Equal(t, []string{"a2"}, h.registry.SessionsFor("A"))
	st, err := h.tracker.GetStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOnline, st)

	updates := presenceUpdates(h.hub.take("b1"))
	require.NotEmpty(t, updates)
	assert.Equal(t, envelope.StatusOnline, updates[len(updates)-1].Status)
	assert.Zero(t, h.gw.users.len())
}

func TestTeardownRestoresStatusWhenPeerInstanceReconnects(t *testing.T) {
	ctx := context.Background()
	store := ephemeral.NewMemoryStore()
	h1 := newHarnessOn(t, store)
	h2 := newHarnessOn(t, store)
	gate := newGatedPresence(h1.tracker)
	h1.gw.Presence = gate

	a1 := h1.connect(t, "a1", "token-a")
	h1.connect(t, "b1", "token-b")
	h1.hub.take("b1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h1.gw.Disconnect(ctx, a1)
	}()
	<-gate.entered

	h2.connect(t, "a2", "token-a")
	close(gate.release)
	<-done

	st, err := h1.tracker.GetStatus(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, envelope.StatusOnline, st)
	for _, u := range presenceUpdates(h1.hub.take("b1")) {
		assert.NotEqual(t, envelope.StatusOffline, u.Status)
	}
}

func TestLastDisconnectClearsChatTyping(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a1 := h.connect(t, "a1", "token-a")
	b1 := h.connect(t, "b1", "token-b")
	require.NoError(t, h.gw.HandleFrame(ctx, b1, frame(t, envelope.ActionChatSubscribe, envelope.SubscribeRequest{ChatID: "c1"})))
	require.NoError(t, h.gw.HandleFrame(ctx, a1, frame(t, envelope.ActionChatTyping, envelope.TypingRequest{ChatID: "c1", IsTyping: true})))
	h.hub.take("b1")

	h.gw.Disconnect(ctx, a1)

	typing, err := h.tracker.IsTyping(ctx, "A", "c1")
	require.NoError(t, err)
	assert.False(t, typing)
	users, err := h.tracker.TypingUsersInChat(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, users)

	var indicators []envelope.TypingIndicator
	for _, e := range h.hub.take("b1") {
		if ti, ok := e.Payload.(envelope.TypingIndicator); ok {
			indicators = append(indicators, ti)
		}
	}
	assert.Equal(t, []envelope.TypingIndicator{{UserID: "A", ChatID: "c1", IsTyping: false}}, indicators)
}
