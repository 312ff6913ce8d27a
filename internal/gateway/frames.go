package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-relay/internal/calls"
	"chat-relay/internal/envelope"
	"chat-relay/internal/logger"
)

// HandleFrame applies one inbound frame from conn. Identity always comes
// from conn; ids in the payload claiming another user are overwritten.
// Returned errors are meant for the sending client only.
func (g *Gateway) HandleFrame(ctx context.Context, conn *Conn, raw []byte) error {
	if conn == nil || conn.State() != StateRegistered {
		return ErrNotRegistered
	}
	frame, err := envelope.ParseFrame(raw)
	if err != nil {
		g.metrics.Frames.WithLabelValues("invalid", "rejected").Inc()
		return err
	}

	err = g.dispatch(ctx, conn, frame)
	result := "ok"
	if err != nil {
		result = "rejected"
		g.log.Debug("frame rejected", logger.SessionField(conn.SessionID), logger.UserField(conn.UserID),
			logger.StringField("action", string(frame.Action)), logger.ErrorField(err))
	}
	g.metrics.Frames.WithLabelValues(string(frame.Action), result).Inc()
	return err
}

func (g *Gateway) dispatch(ctx context.Context, conn *Conn, frame envelope.Frame) error {
	switch frame.Action {
	case envelope.ActionChatSend:
		var msg envelope.ChatMessage
		if err := frame.Decode(&msg); err != nil {
			return err
		}
		return g.sendMessage(ctx, conn, msg)

	case envelope.ActionChatTyping:
		var req envelope.TypingRequest
		if err := frame.Decode(&req); err != nil {
			return err
		}
		return g.typing(ctx, conn, req)

	case envelope.ActionChatSubscribe, envelope.ActionChatUnsubscribe:
		var req envelope.SubscribeRequest
		if err := frame.Decode(&req); err != nil {
			return err
		}
		if err := g.requireMember(ctx, req.ChatID, conn.UserID); err != nil {
			return err
		}
		if frame.Action == envelope.ActionChatSubscribe {
			g.Subscriptions.Subscribe(conn.SessionID, ChatTopic(req.ChatID))
		} else {
			g.Subscriptions.Unsubscribe(conn.SessionID, ChatTopic(req.ChatID))
		}
		return nil

	case envelope.ActionPresenceUpdate:
		var req envelope.PresenceRequest
		if err := frame.Decode(&req); err != nil {
			return err
		}
		status, err := envelope.ParseStatus(req.Status)
		if err != nil {
			return err
		}
		return g.UpdateStatus(ctx, conn.UserID, status)

	case envelope.ActionCallSignal:
		var sig envelope.CallSignal
		if err := frame.Decode(&sig); err != nil {
			return err
		}
		err := g.Calls.Signal(ctx, conn.UserID, sig)
		if errors.Is(err, calls.ErrCallNotFound) {
			// Races such as a late ICE candidate after cleanup are expected.
			return nil
		}
		return err

	case envelope.ActionNotificationAck:
		var ack envelope.NotificationAck
		if err := frame.Decode(&ack); err != nil {
			return err
		}
		g.log.Debug("notification acknowledged", logger.UserField(conn.UserID),
			logger.StringField("notification_id", ack.NotificationID))
		return nil
	}
	return fmt.Errorf("unhandled frame action %q", frame.Action)
}

func (g *Gateway) sendMessage(ctx context.Context, conn *Conn, msg envelope.ChatMessage) error {
	if msg.ChatID == "" {
		return errors.New("chat.send: chatId is required")
	}
	if strings.TrimSpace(msg.Content) == "" && msg.MediaURL == "" {
		return errors.New("chat.send: empty message")
	}
	if err := g.requireMember(ctx, msg.ChatID, conn.UserID); err != nil {
		return err
	}

	msg.SenderID = conn.UserID
	msg.MessageID = ""
	msg.Edited, msg.Deleted = false, false
	if msg.MessageType == "" {
		msg.MessageType = envelope.MessageText
	}
	msg.Timestamp = time.Now().UTC()

	saved, err := g.Messages.SaveMessage(ctx, msg)
	if err != nil {
		g.log.Error("failed to persist message", logger.ChatField(msg.ChatID),
			logger.UserField(conn.UserID), logger.ErrorField(err))
		return fmt.Errorf("chat.send: %w", err)
	}

	// Sending a message ends the sender's typing state in that chat.
	if err := g.Presence.SetTyping(ctx, conn.UserID, msg.ChatID, false); err != nil {
		g.log.Warn("failed to clear typing", logger.UserField(conn.UserID), logger.ErrorField(err))
	}
	g.Relay.SendToTopic(ctx, ChatTopic(saved.ChatID), envelope.New(saved).From(conn.UserID))
	return nil
}

func (g *Gateway) typing(ctx context.Context, conn *Conn, req envelope.TypingRequest) error {
	if req.ChatID != "" {
		if err := g.requireMember(ctx, req.ChatID, conn.UserID); err != nil {
			return err
		}
	}
	if err := g.Presence.SetTyping(ctx, conn.UserID, req.ChatID, req.IsTyping); err != nil {
		return err
	}
	g.metrics.TypingUpdates.Inc()
	if req.ChatID == "" {
		return nil
	}
	g.Relay.SendToTopic(ctx, ChatTopic(req.ChatID), envelope.New(envelope.TypingIndicator{
		UserID:   conn.UserID,
		ChatID:   req.ChatID,
		IsTyping: req.IsTyping,
	}).From(conn.UserID))
	return nil
}

// UpdateStatus stores an explicit status and tells everyone what they are
// allowed to see of it.
func (g *Gateway) UpdateStatus(ctx context.Context, userID string, status envelope.Status) error {
	if _, err := g.Presence.SetStatus(ctx, userID, status); err != nil {
		return err
	}
	update := envelope.PresenceUpdate{UserID: userID, Status: status.Visible()}
	if update.Status == envelope.StatusOffline {
		if ls, err := g.Presence.LastSeen(ctx, userID); err == nil {
			update.LastSeen = ls
		}
	}
	g.Relay.Broadcast(ctx, envelope.New(update).From(userID))
	return nil
}

func (g *Gateway) requireMember(ctx context.Context, chatID, userID string) error {
	if chatID == "" {
		return errors.New("chatId is required")
	}
	ok, err := g.Members.IsMember(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}
