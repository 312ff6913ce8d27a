// Package gateway drives the connection lifecycle and turns inbound client
// frames into registry, presence, call and relay operations.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/internal/envelope"
	"chat-relay/internal/logger"
	"chat-relay/internal/metrics"
	"chat-relay/internal/relay"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("connection is not authenticated")
	ErrNotRegistered        = errors.New("connection is not registered")
	ErrNotMember            = errors.New("user is not a member of the chat")
)

// Authenticator maps a credential to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (userID string, err error)
}

type SessionRegistry interface {
	Register(ctx context.Context, sessionID, userID string) (first bool)
	Unregister(ctx context.Context, sessionID string) (userID string, last bool, err error)
	HasSessions(ctx context.Context, userID string) bool
}

type PresenceTracker interface {
	SetStatus(ctx context.Context, userID string, status envelope.Status) (envelope.Status, error)
	GetStatus(ctx context.Context, userID string) (envelope.Status, error)
	SetTyping(ctx context.Context, userID, chatID string, isTyping bool) error
	ClearTyping(ctx context.Context, userID string) (chatIDs []string, err error)
	LastSeen(ctx context.Context, userID string) (*time.Time, error)
}

type Relay interface {
	SendToUser(ctx context.Context, userID string, env envelope.Envelope) relay.Result
	SendToTopic(ctx context.Context, topicID string, env envelope.Envelope) relay.Result
	Broadcast(ctx context.Context, env envelope.Envelope) relay.Result
}

type CallRouter interface {
	Signal(ctx context.Context, senderID string, sig envelope.CallSignal) error
}

// MembershipResolver answers whether a user belongs to a chat.
type MembershipResolver interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

// MessageStore persists a chat message and returns it with its id and timestamp set.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg envelope.ChatMessage) (envelope.ChatMessage, error)
}

// Subscriptions manages topic membership for sessions.
type Subscriptions interface {
	Subscribe(sessionID, topicID string)
	Unsubscribe(sessionID, topicID string)
}

type Deps struct {
	Auth          Authenticator
	Sessions      SessionRegistry
	Presence      PresenceTracker
	Relay         Relay
	Calls         CallRouter
	Members       MembershipResolver
	Messages      MessageStore
	Subscriptions Subscriptions
}

type Gateway struct {
	Deps
	users   userLocks
	metrics *metrics.Metrics
	log     logger.Logger
}

func New(deps Deps, m *metrics.Metrics, l logger.Logger) *Gateway {
	return &Gateway{
		Deps:    deps,
		metrics: m,
		log:     l.WithFields(logger.StringField("component", "gateway")),
	}
}

// ChatTopic names the topic a chat's live traffic is published on.
func ChatTopic(chatID string) string {
	return "chat:" + chatID
}

// Connect authenticates credential and registers the session. On failure
// nothing has been registered or changed.
func (g *Gateway) Connect(ctx context.Context, sessionID, credential string) (*Conn, error) {
	conn, err := g.Authenticate(ctx, sessionID, credential)
	if err != nil {
		return nil, err
	}
	if err := g.Register(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Authenticate resolves credential to a user. The returned connection is
// not yet registered or reachable.
func (g *Gateway) Authenticate(ctx context.Context, sessionID, credential string) (*Conn, error) {
	conn := &Conn{SessionID: sessionID, state: StateConnecting}

	userID, err := g.Auth.Authenticate(ctx, credential)
	if err == nil && userID == "" {
		err = errors.New("credential has no subject")
	}
	if err != nil {
		g.metrics.AuthFailures.Inc()
		g.log.Info("connection rejected", logger.SessionField(sessionID), logger.ErrorField(err))
		conn.advance(StateConnecting, StateDisconnected)
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	conn.UserID = userID
	conn.advance(StateConnecting, StateAuthenticated)
	return conn, nil
}

// Register makes an authenticated connection live and announces the user
// if this is their first session. The caller must be able to deliver to
// the session before calling it.
func (g *Gateway) Register(ctx context.Context, conn *Conn) error {
	if conn == nil {
		return ErrNotAuthenticated
	}
	unlock := g.users.lock(conn.UserID)
	defer unlock()

	if !conn.advance(StateAuthenticated, StateRegistered) {
		return ErrNotAuthenticated
	}
	sessionID, userID := conn.SessionID, conn.UserID
	first := g.Sessions.Register(ctx, sessionID, userID)
	g.metrics.LiveSessions.Inc()

	log := g.log.WithFields(logger.SessionField(sessionID), logger.UserField(userID))
	log.Info("session registered", logger.BoolField("first", first))

	// A further device must not reset an explicit AWAY, BUSY or INVISIBLE.
	if !first {
		current, err := g.Presence.GetStatus(ctx, userID)
		if err == nil && current != envelope.StatusOffline {
			return nil
		}
	}
	if _, err := g.Presence.SetStatus(ctx, userID, envelope.StatusOnline); err != nil {
		log.Error("failed to set online", logger.ErrorField(err))
	}
	g.Relay.Broadcast(ctx, envelope.New(envelope.PresenceUpdate{
		UserID: userID,
		Status: envelope.StatusOnline,
	}).From(userID))
	return nil
}

// Disconnect tears down a registered connection. Only the first call has
// any effect.
func (g *Gateway) Disconnect(ctx context.Context, conn *Conn) {
	if conn == nil || !conn.advance(StateRegistered, StateDisconnected) {
		return
	}
	unlock := g.users.lock(conn.UserID)
	defer unlock()

	log := g.log.WithFields(logger.SessionField(conn.SessionID), logger.UserField(conn.UserID))

	userID, last, err := g.Sessions.Unregister(ctx, conn.SessionID)
	if err != nil {
		log.Debug("session already gone", logger.ErrorField(err))
		return
	}
	g.metrics.LiveSessions.Dec()
	log.Info("session unregistered", logger.BoolField("last", last))
	if !last {
		return
	}

	chats, err := g.Presence.ClearTyping(ctx, userID)
	if err != nil {
		log.Warn("failed to clear typing", logger.ErrorField(err))
	}
	for _, chatID := range chats {
		g.Relay.SendToTopic(ctx, ChatTopic(chatID), envelope.New(envelope.TypingIndicator{
			UserID: userID, ChatID: chatID, IsTyping: false,
		}).From(userID))
	}

	previous, err := g.Presence.SetStatus(ctx, userID, envelope.StatusOffline)
	if err != nil {
		log.Error("failed to set offline", logger.ErrorField(err))
	}
	// A peer instance may have registered a session since Unregister.
	if g.Sessions.HasSessions(ctx, userID) {
		restore := previous
		if err != nil || restore == envelope.StatusOffline {
			restore = envelope.StatusOnline
		}
		if _, err := g.Presence.SetStatus(ctx, userID, restore); err != nil {
			log.Error("failed to restore status", logger.ErrorField(err))
		}
		log.Info("user reconnected during teardown", logger.StringField("status", string(restore)))
		return
	}

	update := envelope.PresenceUpdate{UserID: userID, Status: envelope.StatusOffline}
	if ls, err := g.Presence.LastSeen(ctx, userID); err == nil {
		update.LastSeen = ls
	}
	g.Relay.Broadcast(ctx, envelope.New(update).From(userID))
}
