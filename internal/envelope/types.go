package envelope

import (
	"fmt"
	"strings"
)

// Type discriminates the payload carried by an Envelope.
type Type string

const (
	TypeChatMessage     Type = "CHAT_MESSAGE"
	TypeTypingIndicator Type = "TYPING_INDICATOR"
	TypePresenceUpdate  Type = "PRESENCE_UPDATE"
	TypeCallSignal      Type = "CALL_SIGNAL"
	TypeNotification    Type = "NOTIFICATION"
)

// Status is a user's presence status.
type Status string

const (
	StatusOnline    Status = "ONLINE"
	StatusOffline   Status = "OFFLINE"
	StatusAway      Status = "AWAY"
	StatusBusy      Status = "BUSY"
	StatusInvisible Status = "INVISIBLE"
)

// ParseStatus accepts any casing of a known status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy, StatusInvisible:
		return st, nil
	}
	return "", fmt.Errorf("unknown presence status %q", s)
}

// Visible is the status other users are allowed to see.
func (s Status) Visible() Status {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}

// CallAction is a call-signaling verb.
type CallAction string

const (
	CallRing             CallAction = "RING"
	CallAnswer           CallAction = "ANSWER"
	CallReject           CallAction = "REJECT"
	CallEnd              CallAction = "END"
	CallMute             CallAction = "MUTE"
	CallUnmute           CallAction = "UNMUTE"
	CallHold             CallAction = "HOLD"
	CallUnhold           CallAction = "UNHOLD"
	CallICECandidate     CallAction = "ICE_CANDIDATE"
	CallSDPOffer         CallAction = "SDP_OFFER"
	CallSDPAnswer        CallAction = "SDP_ANSWER"
	CallStartScreenShare CallAction = "START_SCREEN_SHARE"
	CallStopScreenShare  CallAction = "STOP_SCREEN_SHARE"
)

// Valid reports whether a is one of the known actions.
func (a CallAction) Valid() bool {
	switch a {
	case CallRing, CallAnswer, CallReject, CallEnd,
		CallMute, CallUnmute, CallHold, CallUnhold,
		CallICECandidate, CallSDPOffer, CallSDPAnswer,
		CallStartScreenShare, CallStopScreenShare:
		return true
	}
	return false
}

// CallType is the media kind of a call.
type CallType string

const (
	CallVoice      CallType = "VOICE"
	CallVideo      CallType = "VIDEO"
	CallGroupVoice CallType = "GROUP_VOICE"
	CallGroupVideo CallType = "GROUP_VIDEO"
)

// MessageType is the content kind of a chat message.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageVideo MessageType = "VIDEO"
	MessageAudio MessageType = "AUDIO"
	MessageFile  MessageType = "FILE"
)
