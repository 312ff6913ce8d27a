// Package session tracks which live connections belong to which user.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chat-relay/internal/ephemeral"
	"chat-relay/internal/logger"
)

// ErrSessionNotFound is the normal outcome for unknown or already-closed sessions.
var ErrSessionNotFound = errors.New("session not found")

const (
	sessionUserKey  = "websocket:session_user:"
	userSessionsKey = "websocket:user_sessions:"
	onlineUsersKey  = "websocket:online_users"
)

// Registry maps session ids to users and users to their session sets.
// The in-memory maps are authoritative for this process; the ephemeral store
// holds a best-effort mirror that peers and restarts can read.
type Registry struct {
	mu       sync.RWMutex
	owners   map[string]string              // session -> user
	sessions map[string]map[string]struct{} // user -> sessions

	store ephemeral.Store
	ttl   time.Duration
	log   logger.Logger
}

func NewRegistry(store ephemeral.Store, ttl time.Duration, l logger.Logger) *Registry {
	return &Registry{
		owners:   make(map[string]string),
		sessions: make(map[string]map[string]struct{}),
		store:    store,
		ttl:      ttl,
		log:      l.WithFields(logger.StringField("component", "session_registry")),
	}
}

// Register adds sessionID to userID's set. It is idempotent; first reports
// whether this call took the user from zero sessions to one.
func (r *Registry) Register(ctx context.Context, sessionID, userID string) (first bool) {
	r.mu.Lock()
	if owner, ok := r.owners[sessionID]; ok {
		r.mu.Unlock()
		if owner != userID {
			// A session's owner is immutable; a forged re-registration is ignored.
			r.log.Warn("session already owned by another user",
				logger.SessionField(sessionID), logger.UserField(userID), logger.StringField("owner", owner))
		}
		return false
	}
	set, ok := r.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[userID] = set
	}
	first = len(set) == 0
	set[sessionID] = struct{}{}
	r.owners[sessionID] = userID
	r.mu.Unlock()

	r.mirrorAdd(ctx, sessionID, userID)
	return first
}

// Unregister removes sessionID. last is true exactly once per user emptying:
// a duplicate or concurrent second call for the same session gets
// ErrSessionNotFound. Sessions a peer instance holds in the shared mirror
// keep last false.
func (r *Registry) Unregister(ctx context.Context, sessionID string) (userID string, last bool, err error) {
	r.mu.Lock()
	userID, ok := r.owners[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", false, ErrSessionNotFound
	}
	delete(r.owners, sessionID)
	set := r.sessions[userID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.sessions, userID)
		last = true
	}
	r.mu.Unlock()

	if r.mirrorRemove(ctx, sessionID, userID, last) {
		last = false
	}
	return userID, last, nil
}

// SessionsFor returns the live session ids for userID, possibly empty.
func (r *Registry) SessionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[userID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// UserFor resolves a session's owner, falling back to the store mirror for
// sessions this process does not hold.
func (r *Registry) UserFor(ctx context.Context, sessionID string) (string, error) {
	r.mu.RLock()
	userID, ok := r.owners[sessionID]
	r.mu.RUnlock()
	if ok {
		return userID, nil
	}

	userID, err := r.store.Get(ctx, sessionUserKey+sessionID)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		r.log.Warn("session mirror lookup failed", logger.SessionField(sessionID), logger.ErrorField(err))
		return "", ErrSessionNotFound
	}
	return userID, nil
}

// AllSessions lists every session registered in this process.
func (r *Registry) AllSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.owners))
	for sid := range r.owners {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// OnlineUsers lists users with at least one session in this process.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for uid := range r.sessions {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether userID has a live session here or, per the
// mirror, anywhere.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	r.mu.RLock()
	n := len(r.sessions[userID])
	r.mu.RUnlock()
	if n > 0 {
		return true
	}
	ok, err := r.store.SIsMember(ctx, onlineUsersKey, userID)
	if err != nil {
		r.log.Warn("online set lookup failed", logger.UserField(userID), logger.ErrorField(err))
		return false
	}
	return ok
}

// HasSessions reports whether userID has a live session here or on any
// instance sharing the store.
func (r *Registry) HasSessions(ctx context.Context, userID string) bool {
	r.mu.RLock()
	n := len(r.sessions[userID])
	r.mu.RUnlock()
	if n > 0 {
		return true
	}
	remaining, err := r.store.SCard(ctx, userSessionsKey+userID)
	if err != nil {
		r.log.Warn("session set count failed", logger.UserField(userID), logger.ErrorField(err))
		return false
	}
	return remaining > 0
}

// OnlineCount is the size of the shared online-users set.
func (r *Registry) OnlineCount(ctx context.Context) int {
	n, err := r.store.SCard(ctx, onlineUsersKey)
	if err != nil {
		r.log.Warn("online set count failed", logger.ErrorField(err))
		r.mu.RLock()
		defer r.mu.RUnlock()
		return len(r.sessions)
	}
	return int(n)
}

// Count returns the number of local sessions and distinct local users.
func (r *Registry) Count() (sessions, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners), len(r.sessions)
}

func (r *Registry) mirrorAdd(ctx context.Context, sessionID, userID string) {
	if err := r.store.Set(ctx, sessionUserKey+sessionID, userID, r.ttl); err != nil {
		r.log.Warn("session mirror write failed", logger.SessionField(sessionID), logger.ErrorField(err))
		return
	}
	if err := r.store.SAdd(ctx, userSessionsKey+userID, sessionID); err != nil {
		r.log.Warn("session set mirror write failed", logger.UserField(userID), logger.ErrorField(err))
	} else {
		_ = r.store.Expire(ctx, userSessionsKey+userID, r.ttl)
	}
	if err := r.store.SAdd(ctx, onlineUsersKey, userID); err != nil {
		r.log.Warn("online set write failed", logger.UserField(userID), logger.ErrorField(err))
	}
}

// mirrorRemove drops sessionID from the mirror and reports whether other
// instances still hold sessions for userID.
func (r *Registry) mirrorRemove(ctx context.Context, sessionID, userID string, last bool) (othersRemain bool) {
	if err := r.store.Delete(ctx, sessionUserKey+sessionID); err != nil {
		r.log.Warn("session mirror delete failed", logger.SessionField(sessionID), logger.ErrorField(err))
	}
	if err := r.store.SRem(ctx, userSessionsKey+userID, sessionID); err != nil {
		r.log.Warn("session set mirror delete failed", logger.UserField(userID), logger.ErrorField(err))
	}
	if !last {
		return false
	}
	remaining, err := r.store.SCard(ctx, userSessionsKey+userID)
	if err != nil {
		r.log.Warn("session set count failed", logger.UserField(userID), logger.ErrorField(err))
	}
	if err == nil && remaining > 0 {
		return true
	}
	if err := r.store.SRem(ctx, onlineUsersKey, userID); err != nil {
		r.log.Warn("online set delete failed", logger.UserField(userID), logger.ErrorField(err))
	}
	return false
}
