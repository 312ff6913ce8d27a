package chat

import (
	"context"
	"unicode/utf8"

	"chat-relay/internal/envelope"
	"chat-relay/internal/gateway"
	"chat-relay/internal/logger"
	"chat-relay/internal/relay"

	"github.com/google/uuid"
)

// Relay is the part of the dispatcher the notifier uses.
type Relay interface {
	SendToUser(ctx context.Context, userID string, env envelope.Envelope) relay.Result
	SendToTopic(ctx context.Context, topicID string, env envelope.Envelope) relay.Result
}

type MemberLister interface {
	MemberIDs(ctx context.Context, chatID string) ([]string, error)
}

const (
	NotificationMessage = "MESSAGE"
	previewLength       = 120
)

// Notifier pushes committed message changes to live sessions.
type Notifier struct {
	relay   Relay
	members MemberLister
	log     logger.Logger
}

func NewNotifier(r Relay, m MemberLister, l logger.Logger) *Notifier {
	return &Notifier{relay: r, members: m, log: l.WithFields(logger.StringField("component", "notifier"))}
}

// NewMessage sends a MESSAGE notification to every member except the sender.
func (n *Notifier) NewMessage(ctx context.Context, msg envelope.ChatMessage) {
	members, err := n.members.MemberIDs(ctx, msg.ChatID)
	if err != nil {
		n.log.Error("failed to list chat members", logger.ChatField(msg.ChatID), logger.ErrorField(err))
		return
	}
	title := msg.SenderName
	if title == "" {
		title = "New message"
	}
	for _, member := range members {
		if member == msg.SenderID {
			continue
		}
		note := envelope.Notification{
			NotificationID: uuid.NewString(),
			RecipientID:    member,
			Kind:           NotificationMessage,
			Title:          title,
			Body:           preview(msg),
			Data:           msg.ChatID,
			SenderName:     msg.SenderName,
		}
		n.relay.SendToUser(ctx, member, envelope.New(note).From(msg.SenderID).To(member))
	}
}

// MessageEdited relays the edited message to the chat topic.
func (n *Notifier) MessageEdited(ctx context.Context, msg envelope.ChatMessage) {
	n.relay.SendToTopic(ctx, gateway.ChatTopic(msg.ChatID), envelope.New(msg).From(msg.SenderID))
}

// MessageDeleted relays the tombstone to the chat topic.
func (n *Notifier) MessageDeleted(ctx context.Context, msg envelope.ChatMessage) {
	n.relay.SendToTopic(ctx, gateway.ChatTopic(msg.ChatID), envelope.New(msg).From(msg.SenderID))
}

func preview(msg envelope.ChatMessage) string {
	if msg.Content == "" {
		switch msg.MessageType {
		case envelope.MessageImage:
			return "Sent an image"
		case envelope.MessageVideo:
			return "Sent a video"
		case envelope.MessageAudio:
			return "Sent a voice message"
		case envelope.MessageFile:
			return "Sent a file"
		}
		return ""
	}
	if utf8.RuneCountInString(msg.Content) <= previewLength {
		return msg.Content
	}
	runes := []rune(msg.Content)
	return string(runes[:previewLength]) + "…"
}
