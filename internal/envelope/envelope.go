// Package envelope defines the wire format for every event the relay pushes
// to clients, and the frames clients send in.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps one relayed event.
type Envelope struct {
	Type        Type
	SenderID    string
	RecipientID string
	Payload     Payload
	Timestamp   time.Time
	SessionID   string
}

// New builds an envelope whose Type always matches its payload.
func New(p Payload) Envelope {
	return Envelope{
		Type:      p.envelopeType(),
		Payload:   p,
		Timestamp: time.Now().UTC(),
	}
}

// From sets the sender.
func (e Envelope) From(senderID string) Envelope {
	e.SenderID = senderID
	return e
}

// To sets the recipient.
func (e Envelope) To(recipientID string) Envelope {
	e.RecipientID = recipientID
	return e
}

type wireEnvelope struct {
	Type        Type            `json:"type"`
	SenderID    *string         `json:"senderId"`
	RecipientID *string         `json:"recipientId"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   string          `json:"timestamp"`
	SessionID   *string         `json:"sessionId"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if e.Type != e.Payload.envelopeType() {
		return nil, fmt.Errorf("envelope type %s does not match payload %T", e.Type, e.Payload)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(wireEnvelope{
		Type:        e.Type,
		SenderID:    nullable(e.SenderID),
		RecipientID: nullable(e.RecipientID),
		Payload:     payload,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID:   nullable(e.SessionID),
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var p Payload
	switch w.Type {
	case TypeChatMessage:
		p = &ChatMessage{}
	case TypeTypingIndicator:
		p = &TypingIndicator{}
	case TypePresenceUpdate:
		p = &PresenceUpdate{}
	case TypeCallSignal:
		p = &CallSignal{}
	case TypeNotification:
		p = &Notification{}
	default:
		return fmt.Errorf("unknown envelope type %q", w.Type)
	}
	if err := json.Unmarshal(w.Payload, p); err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Type, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("decode timestamp: %w", err)
	}

	*e = Envelope{
		Type:      w.Type,
		Payload:   deref(p),
		Timestamp: ts,
	}
	if w.SenderID != nil {
		e.SenderID = *w.SenderID
	}
	if w.RecipientID != nil {
		e.RecipientID = *w.RecipientID
	}
	if w.SessionID != nil {
		e.SessionID = *w.SessionID
	}
	return nil
}

// deref stores payloads by value so callers can type-switch on the plain types.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ChatMessage:
		return *v
	case *TypingIndicator:
		return *v
	case *PresenceUpdate:
		return *v
	case *CallSignal:
		return *v
	case *Notification:
		return *v
	}
	return p
}
