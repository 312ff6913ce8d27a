package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chat-relay/internal/logger"
	"chat-relay/internal/relay"
)

var (
	ErrClientNotFound = fmt.Errorf("client not connected: %w", relay.ErrSessionGone)
	ErrClientClosed   = fmt.Errorf("client closed: %w", relay.ErrSessionGone)
)

// Hub holds the websocket clients connected to this instance, keyed by
// session id, and the topics each session follows.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	topics  map[string]map[string]struct{} // topic -> sessions
	follows map[string]map[string]struct{} // session -> topics

	log logger.Logger
}

func NewHub(l logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		topics:  make(map[string]map[string]struct{}),
		follows: make(map[string]map[string]struct{}),
		log:     l.WithFields(logger.StringField("component", "hub")),
	}
}

// Register adds a client. A second client for the same session replaces
// and closes the first.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	old := h.clients[c.sessionID]
	h.clients[c.sessionID] = c
	h.mu.Unlock()
	if old != nil && old != c {
		old.close()
	}
}

// Unregister removes the client and all of its topic subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.sessionID]; ok && cur == c {
		delete(h.clients, c.sessionID)
		for topic := range h.follows[c.sessionID] {
			h.removeLocked(c.sessionID, topic)
		}
		delete(h.follows, c.sessionID)
	}
	h.mu.Unlock()
	c.close()
}

// Deliver queues data on the session's send buffer, waiting at most until ctx is done.
func (h *Hub) Deliver(ctx context.Context, sessionID string, data []byte) error {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return ErrClientNotFound
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Subscribe(sessionID, topicID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[sessionID]; !ok {
		return
	}
	if h.topics[topicID] == nil {
		h.topics[topicID] = make(map[string]struct{})
	}
	h.topics[topicID][sessionID] = struct{}{}
	if h.follows[sessionID] == nil {
		h.follows[sessionID] = make(map[string]struct{})
	}
	h.follows[sessionID][topicID] = struct{}{}
}

func (h *Hub) Unsubscribe(sessionID, topicID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sessionID, topicID)
	delete(h.follows[sessionID], topicID)
}

func (h *Hub) removeLocked(sessionID, topicID string) {
	set := h.topics[topicID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(h.topics, topicID)
	}
}

// TopicSessions lists the local sessions subscribed to topicID.
func (h *Hub) TopicSessions(topicID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.topics[topicID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
	h.log.Info("hub shut down", logger.IntField("clients", len(clients)))
}
