package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chat-relay/internal/envelope"
	"chat-relay/internal/logger"
	myMiddleware "chat-relay/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTyping map[string][]string

func (s staticTyping) TypingUsersInChat(_ context.Context, chatID string) ([]string, error) {
	return s[chatID], nil
}

type apiFixture struct {
	router http.Handler
	repo   *memRepo
	relay  *recordingRelay
	svc    *Service
}

func newAPIFixture() *apiFixture {
	repo := newMemRepo()
	rl := &recordingRelay{}
	svc := NewService(repo, NewNotifier(rl, repo, logger.NewNop()))
	api := NewAPI(svc, staticTyping{"c1": {"B"}}, logger.NewNop())

	r := chi.NewRouter()
	api.Routes(r)
	return &apiFixture{router: r, repo: repo, relay: rl, svc: svc}
}

func (f *apiFixture) do(method, path, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req = req.WithContext(myMiddleware.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHistory(t *testing.T) {
	f := newAPIFixture()
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		_, err := f.svc.SaveMessage(ctx, envelope.ChatMessage{ChatID: "c1", SenderID: "A", Content: text})
		require.NoError(t, err)
	}

	rec := f.do(http.MethodGet, "/api/chats/c1/messages?limit=2", "B", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "two", resp.Messages[0].Content)
	assert.Equal(t, "three", resp.Messages[1].Content)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/chats/c1/messages?limit=x", "B", "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/chats/c1/messages", "Z", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/chats/c1/messages", "", "").Code)
}

func TestEditAndDeleteMessage(t *testing.T) {
	f := newAPIFixture()
	msg, err := f.svc.SaveMessage(context.Background(), envelope.ChatMessage{ChatID: "c1", SenderID: "A", Content: "tpyo"})
	require.NoError(t, err)
	f.relay.calls = nil

	path := "/api/chats/c1/messages/" + msg.MessageID

	// Only the author may edit.
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPatch, path, "B", `{"content":"hijack"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, path, "A", `{}`).Code)

	rec := f.do(http.MethodPatch, path, "A", `{"content":"typo"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var edited envelope.ChatMessage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&edited))
	assert.Equal(t, "typo", edited.Content)
	assert.True(t, edited.Edited)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, path, "A", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, path, "A", "").Code)

	require.Len(t, f.relay.calls, 2)
	assert.Equal(t, "chat:c1", f.relay.calls[0].topic)
	assert.True(t, f.relay.calls[1].env.Payload.(envelope.ChatMessage).Deleted)
}

func TestTypingEndpoint(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(http.MethodGet, "/api/chats/c1/typing", "A", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TypingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, TypingResponse{ChatID: "c1", Users: []string{"B"}}, resp)
}
