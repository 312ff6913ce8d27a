package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"chat-relay/internal/gateway"
	"chat-relay/internal/logger"
	myMiddleware "chat-relay/internal/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Lifecycle authenticates, registers and disconnects sessions and handles
// their frames.
type Lifecycle interface {
	FrameHandler
	Authenticate(ctx context.Context, sessionID, credential string) (*gateway.Conn, error)
	Register(ctx context.Context, conn *gateway.Conn) error
}

type Handler struct {
	hub       *Hub
	lifecycle Lifecycle
	upgrader  websocket.Upgrader
	log       logger.Logger
}

// NewHandler builds the /ws handler. allowOrigins lists accepted Origin
// values; "*" or an empty list accepts any.
func NewHandler(hub *Hub, lc Lifecycle, allowOrigins []string, l logger.Logger) *Handler {
	return &Handler{
		hub:       hub,
		lifecycle: lc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowOrigins),
		},
		log: l.WithFields(logger.StringField("component", "ws_handler")),
	}
}

// ServeWs authenticates the request, upgrades it and starts the client
// pumps. The session is registered only once the hub can deliver to it.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	credential := myMiddleware.Credential(r)
	if credential == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	// The connection outlives the request.
	ctx := context.WithoutCancel(r.Context())
	sessionID := uuid.NewString()

	session, err := h.lifecycle.Authenticate(ctx, sessionID, credential)
	if err != nil {
		if errors.Is(err, gateway.ErrAuthenticationFailed) {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		h.log.Error("authentication failed", logger.SessionField(sessionID), logger.ErrorField(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logger.SessionField(sessionID), logger.ErrorField(err))
		return
	}

	client := newClient(h.hub, ws, session, h.lifecycle, h.log)
	h.hub.Register(client)
	go client.WritePump()

	if err := h.lifecycle.Register(ctx, session); err != nil {
		h.log.Error("session registration failed", logger.SessionField(sessionID), logger.ErrorField(err))
		h.hub.Unregister(client)
		return
	}
	go client.ReadPump(ctx)
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
