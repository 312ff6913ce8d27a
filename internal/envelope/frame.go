package envelope

import (
	"encoding/json"
	"fmt"
)

// Action names an inbound client frame.
type Action string

const (
	ActionChatSend        Action = "chat.send"
	ActionChatTyping      Action = "chat.typing"
	ActionChatSubscribe   Action = "chat.subscribe"
	ActionChatUnsubscribe Action = "chat.unsubscribe"
	ActionPresenceUpdate  Action = "presence.update"
	ActionCallSignal      Action = "call.signal"
	ActionNotificationAck Action = "notification.ack"
)

// Frame is what a client sends over its connection.
type Frame struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type TypingRequest struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type SubscribeRequest struct {
	ChatID string `json:"chatId"`
}

type PresenceRequest struct {
	Status string `json:"status"`
}

type NotificationAck struct {
	NotificationID string `json:"notificationId"`
}

// ParseFrame decodes a raw client frame and rejects unknown actions.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Action {
	case ActionChatSend, ActionChatTyping, ActionChatSubscribe, ActionChatUnsubscribe,
		ActionPresenceUpdate, ActionCallSignal, ActionNotificationAck:
		return f, nil
	}
	return Frame{}, fmt.Errorf("unknown frame action %q", f.Action)
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Action)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", f.Action, err)
	}
	return nil
}
