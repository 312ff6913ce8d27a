package user

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"chat-relay/internal/logger"
	myMiddleware "chat-relay/internal/middleware"
	"chat-relay/internal/presence"

	"github.com/go-chi/chi/v5"
)

// maxBatch bounds the ids one batch presence request may name.
const maxBatch = 100

type PresenceReader interface {
	Presence(ctx context.Context, viewerID, userID string) (presence.Snapshot, error)
	Statuses(ctx context.Context, viewerID string, userIDs []string) (map[string]presence.Snapshot, error)
}

type Handler struct {
	presence PresenceReader
	log      logger.Logger
}

func NewHandler(p PresenceReader, l logger.Logger) *Handler {
	return &Handler{presence: p, log: l.WithFields(logger.StringField("component", "user_api"))}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/users/presence", h.BatchPresence)
	r.Get("/api/users/{userID}/presence", h.Presence)
}

// Presence returns the user's status as the caller is allowed to see it.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	viewer, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userID := chi.URLParam(r, "userID")

	snap, err := h.presence.Presence(r.Context(), viewer, userID)
	if err != nil {
		h.log.Error("presence lookup failed", logger.UserField(userID), logger.ErrorField(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// BatchPresence resolves ?ids=a,b,c in one call, keyed by user id.
func (h *Handler) BatchPresence(w http.ResponseWriter, r *http.Request) {
	viewer, ok := myMiddleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}
	if len(ids) > maxBatch {
		http.Error(w, "too many ids", http.StatusBadRequest)
		return
	}

	snaps, err := h.presence.Statuses(r.Context(), viewer, ids)
	if err != nil {
		h.log.Error("batch presence lookup failed", logger.IntField("count", len(ids)), logger.ErrorField(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snaps)
}
