package envelope

import "time"

// Payload is implemented only by the variants in this package, which keeps
// the set of envelope types closed.
type Payload interface {
	envelopeType() Type
}

type ChatMessage struct {
	MessageID        string      `json:"messageId,omitempty"`
	ChatID           string      `json:"chatId"`
	SenderID         string      `json:"senderId,omitempty"`
	Content          string      `json:"content,omitempty"`
	MessageType      MessageType `json:"messageType,omitempty"`
	MediaURL         string      `json:"mediaUrl,omitempty"`
	ReplyToMessageID string      `json:"replyToMessageId,omitempty"`
	Reactions        []string    `json:"reactions,omitempty"`
	Edited           bool        `json:"isEdited"`
	Deleted          bool        `json:"isDeleted"`
	SenderName       string      `json:"senderName,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
}

type TypingIndicator struct {
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type PresenceUpdate struct {
	UserID   string     `json:"userId"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// CallSignal carries call-control verbs. SDP and ICE bodies are opaque.
type CallSignal struct {
	CallID       string     `json:"callId"`
	CallerID     string     `json:"callerId,omitempty"`
	Participants []string   `json:"participants"`
	CallType     CallType   `json:"callType,omitempty"`
	Action       CallAction `json:"action"`
	SDPOffer     string     `json:"sdpOffer,omitempty"`
	SDPAnswer    string     `json:"sdpAnswer,omitempty"`
	ICECandidate string     `json:"iceCandidate,omitempty"`
	CallerName   string     `json:"callerName,omitempty"`
}

type Notification struct {
	NotificationID string `json:"notificationId,omitempty"`
	RecipientID    string `json:"recipientId"`
	Kind           string `json:"type"` // MESSAGE, CALL, CONTACT_REQUEST, GROUP_INVITE
	Title          string `json:"title,omitempty"`
	Body           string `json:"body,omitempty"`
	Data           string `json:"data,omitempty"`
	Read           bool   `json:"isRead"`
	SenderName     string `json:"senderName,omitempty"`
}

func (ChatMessage) envelopeType() Type     { return TypeChatMessage }
func (TypingIndicator) envelopeType() Type { return TypeTypingIndicator }
func (PresenceUpdate) envelopeType() Type  { return TypePresenceUpdate }
func (CallSignal) envelopeType() Type      { return TypeCallSignal }
func (Notification) envelopeType() Type    { return TypeNotification }
