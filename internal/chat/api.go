package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"chat-relay/internal/logger"
	myMiddleware "chat-relay/internal/middleware"

	"github.com/go-chi/chi/v5"
)

const (
	defaultHistory = 50
	maxHistory     = 200
)

// TypingLister reports who is typing in a chat.
type TypingLister interface {
	TypingUsersInChat(ctx context.Context, chatID string) ([]string, error)
}

// API serves the chat REST routes. Every route requires the caller to be
// a member of the chat.
type API struct {
	svc    *Service
	typing TypingLister
	log    logger.Logger
}

func NewAPI(svc *Service, typing TypingLister, l logger.Logger) *API {
	return &API{svc: svc, typing: typing, log: l.WithFields(logger.StringField("component", "chat_api"))}
}

// Routes mounts the handlers under /api/chats.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/chats/{chatID}", func(r chi.Router) {
		r.Get("/messages", a.History)
		r.Patch("/messages/{messageID}", a.EditMessage)
		r.Delete("/messages/{messageID}", a.DeleteMessage)
		r.Get("/typing", a.Typing)
	})
}

// member resolves the caller and checks chat membership, writing the error
// response itself when it returns false.
func (a *API) member(w http.ResponseWriter, r *http.Request) (userID, chatID string, ok bool) {
	userID, ok = myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	chatID = chi.URLParam(r, "chatID")
	isMember, err := a.svc.IsMember(r.Context(), chatID, userID)
	if err != nil {
		a.log.Error("membership lookup failed", logger.ChatField(chatID), logger.ErrorField(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return "", "", false
	}
	if !isMember {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", "", false
	}
	return userID, chatID, true
}

func (a *API) History(w http.ResponseWriter, r *http.Request) {
	_, chatID, ok := a.member(w, r)
	if !ok {
		return
	}
	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistory)
	}

	msgs, err := a.svc.History(r.Context(), chatID, limit)
	if err != nil {
		a.log.Error("history lookup failed", logger.ChatField(chatID), logger.ErrorField(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ChatID: chatID, Messages: msgs})
}

func (a *API) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := a.member(w, r)
	if !ok {
		return
	}
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	msg, err := a.svc.EditMessage(r.Context(), chatID, chi.URLParam(r, "messageID"), userID, req.Content)
	if err != nil {
		a.mutationError(w, chatID, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, chatID, ok := a.member(w, r)
	if !ok {
		return
	}
	if _, err := a.svc.DeleteMessage(r.Context(), chatID, chi.URLParam(r, "messageID"), userID); err != nil {
		a.mutationError(w, chatID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) Typing(w http.ResponseWriter, r *http.Request) {
	_, chatID, ok := a.member(w, r)
	if !ok {
		return
	}
	users, err := a.typing.TypingUsersInChat(r.Context(), chatID)
	if err != nil {
		a.log.Error("typing lookup failed", logger.ChatField(chatID), logger.ErrorField(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, TypingResponse{ChatID: chatID, Users: users})
}

func (a *API) mutationError(w http.ResponseWriter, chatID string, err error) {
	if errors.Is(err, ErrMessageNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	a.log.Error("message update failed", logger.ChatField(chatID), logger.ErrorField(err))
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
