package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireShape(t *testing.T) {
	env := New(PresenceUpdate{UserID: "u1", Status: StatusOnline})
	env.Timestamp = time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))

	assert.Equal(t, "PRESENCE_UPDATE", wire["type"])
	assert.Nil(t, wire["senderId"])
	assert.Nil(t, wire["recipientId"])
	assert.Nil(t, wire["sessionId"])
	assert.Contains(t, wire, "senderId", "null fields must still be present")
	assert.Equal(t, "2024-03-01T10:30:00Z", wire["timestamp"])

	payload, ok := wire["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u1", payload["userId"])
	assert.Equal(t, "ONLINE", payload["status"])
}

func TestEnvelopeRoundTripKeepsVariant(t *testing.T) {
	testCases := []struct {
		name    string
		payload Payload
		want    Type
	}{
		{"chat message", ChatMessage{ChatID: "c1", Content: "hi", MessageType: MessageText}, TypeChatMessage},
		{"typing", TypingIndicator{UserID: "u1", ChatID: "c1", IsTyping: true}, TypeTypingIndicator},
		{"call", CallSignal{CallID: "42", Action: CallRing, Participants: []string{"a", "b"}}, TypeCallSignal},
		{"notification", Notification{RecipientID: "u2", Kind: "MESSAGE", Title: "hey"}, TypeNotification},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in := New(tc.payload).From("sender").To("recipient")
			data, err := json.Marshal(in)
			require.NoError(t, err)

			var out Envelope
			require.NoError(t, json.Unmarshal(data, &out))
			assert.Equal(t, tc.want, out.Type)
			assert.Equal(t, "sender", out.SenderID)
			assert.Equal(t, "recipient", out.RecipientID)
			assert.IsType(t, tc.payload, out.Payload)
		})
	}
}

func TestEnvelopeRejectsMismatchAndUnknown(t *testing.T) {
	bad := Envelope{Type: TypeChatMessage, Payload: TypingIndicator{UserID: "u1"}}
	_, err := json.Marshal(bad)
	assert.Error(t, err)

	var out Envelope
	err = json.Unmarshal([]byte(`{"type":"SOMETHING","payload":{},"timestamp":"2024-01-01T00:00:00Z"}`), &out)
	assert.Error(t, err)
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"action":"chat.typing","payload":{"chatId":"c1","isTyping":true}}`))
	require.NoError(t, err)
	var req TypingRequest
	require.NoError(t, f.Decode(&req))
	assert.Equal(t, TypingRequest{ChatID: "c1", IsTyping: true}, req)

	_, err = ParseFrame([]byte(`{"action":"admin.shutdown"}`))
	assert.Error(t, err)

	_, err = ParseFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestStatusHelpers(t *testing.T) {
	st, err := ParseStatus("invisible")
	require.NoError(t, err)
	assert.Equal(t, StatusInvisible, st)
	assert.Equal(t, StatusOffline, st.Visible())
	assert.Equal(t, StatusBusy, StatusBusy.Visible())

	_, err = ParseStatus("sleeping")
	assert.Error(t, err)

	assert.True(t, CallSDPOffer.Valid())
	assert.False(t, CallAction("DANCE").Valid())
}
