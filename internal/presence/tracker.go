// Package presence tracks user status, last-seen time and typing flags on
// top of the ephemeral store.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chat-relay/internal/ephemeral"
	"chat-relay/internal/envelope"
	"chat-relay/internal/logger"
)

const (
	statusKey     = "user:status:"
	lastSeenKey   = "user:lastSeen:"
	userTypingKey = "user:typing:"
	chatTypingKey = "chat:typing:"
)

// UserStore is the durable side of presence: the persisted online flag and
// last-seen time.
type UserStore interface {
	OnlineFlag(ctx context.Context, userID string) (online bool, lastSeen *time.Time, err error)
	SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) error
}

type Config struct {
	TypingTTL      time.Duration
	StatusCacheTTL time.Duration
	LastSeenTTL    time.Duration
}

// Snapshot is a user's presence as seen by a particular viewer.
type Snapshot struct {
	UserID   string          `json:"userId"`
	Status   envelope.Status `json:"status"`
	LastSeen *time.Time      `json:"lastSeen,omitempty"`
}

type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type Tracker struct {
	store ephemeral.Store
	users UserStore
	cfg   Config
	log   logger.Logger
	now   func() time.Time
}

func NewTracker(store ephemeral.Store, users UserStore, cfg Config, l logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		users: users,
		cfg:   cfg,
		log:   l.WithFields(logger.StringField("component", "presence")),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetStatus overwrites userID's status and returns the one it replaced.
// OFFLINE also stamps last-seen.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status envelope.Status) (envelope.Status, error) {
	previous, err := t.GetStatus(ctx, userID)
	if err != nil {
		previous = envelope.StatusOffline
	}

	if err := t.store.Set(ctx, statusKey+userID, string(status), t.cfg.StatusCacheTTL); err != nil {
		return previous, fmt.Errorf("set status: %w", err)
	}

	var lastSeen *time.Time
	if status == envelope.StatusOffline {
		ts, err := t.stampLastSeen(ctx, userID)
		if err != nil {
			return previous, err
		}
		lastSeen = &ts
	}

	if t.users != nil {
		if err := t.users.SetPresence(ctx, userID, status == envelope.StatusOnline, lastSeen); err != nil {
			// The cache already holds the new status; the durable flag catches up next change.
			t.log.Error("durable presence write failed", logger.UserField(userID), logger.ErrorField(err))
		}
	}

	t.log.Debug("status changed", logger.UserField(userID),
		logger.StringField("from", string(previous)), logger.StringField("to", string(status)))
	return previous, nil
}

// stampLastSeen records now unless a later time is already stored.
func (t *Tracker) stampLastSeen(ctx context.Context, userID string) (time.Time, error) {
	now := t.now().UTC()
	if prev, ok := t.cachedLastSeen(ctx, userID); ok && prev.After(now) {
		return prev, nil
	}
	if err := t.store.Set(ctx, lastSeenKey+userID, now.Format(time.RFC3339Nano), t.cfg.LastSeenTTL); err != nil {
		return time.Time{}, fmt.Errorf("set last seen: %w", err)
	}
	return now, nil
}

// GetStatus returns the cached status, falling back to the durable online
// flag and caching what it finds.
func (t *Tracker) GetStatus(ctx context.Context, userID string) (envelope.Status, error) {
	v, err := t.store.Get(ctx, statusKey+userID)
	if err == nil {
		if st, perr := envelope.ParseStatus(v); perr == nil {
			return st, nil
		}
		t.log.Warn("discarding malformed cached status", logger.UserField(userID), logger.StringField("value", v))
	} else if !errors.Is(err, ephemeral.ErrNotFound) {
		return "", fmt.Errorf("get status: %w", err)
	}

	status := envelope.StatusOffline
	if t.users != nil {
		online, lastSeen, err := t.users.OnlineFlag(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("durable online flag: %w", err)
		}
		if online {
			status = envelope.StatusOnline
		}
		if lastSeen != nil {
			if _, ok := t.cachedLastSeen(ctx, userID); !ok {
				_ = t.store.Set(ctx, lastSeenKey+userID, lastSeen.UTC().Format(time.RFC3339Nano), t.cfg.LastSeenTTL)
			}
		}
	}
	if err := t.store.Set(ctx, statusKey+userID, string(status), t.cfg.StatusCacheTTL); err != nil {
		t.log.Warn("status cache fill failed", logger.UserField(userID), logger.ErrorField(err))
	}
	return status, nil
}

// DisplayedStatus is userID's status as viewerID may see it.
func (t *Tracker) DisplayedStatus(ctx context.Context, viewerID, userID string) (envelope.Status, error) {
	st, err := t.GetStatus(ctx, userID)
	if err != nil {
		return "", err
	}
	if viewerID == userID {
		return st, nil
	}
	return st.Visible(), nil
}

// LastSeen returns when userID last went offline, if known.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (*time.Time, error) {
	if ts, ok := t.cachedLastSeen(ctx, userID); ok {
		return &ts, nil
	}
	if t.users == nil {
		return nil, nil
	}
	_, lastSeen, err := t.users.OnlineFlag(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("durable last seen: %w", err)
	}
	return lastSeen, nil
}

func (t *Tracker) cachedLastSeen(ctx context.Context, userID string) (time.Time, bool) {
	v, err := t.store.Get(ctx, lastSeenKey+userID)
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Presence builds the snapshot viewerID is allowed to see. Last-seen is
// withheld while the displayed status is anything but OFFLINE.
func (t *Tracker) Presence(ctx context.Context, viewerID, userID string) (Snapshot, error) {
	st, err := t.DisplayedStatus(ctx, viewerID, userID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{UserID: userID, Status: st}
	if st == envelope.StatusOffline {
		snap.LastSeen, err = t.LastSeen(ctx, userID)
		if err != nil {
			return Snapshot{}, err
		}
	}
	return snap, nil
}

// Statuses resolves Presence for each of userIDs as viewerID sees them.
// Duplicates collapse to one entry.
func (t *Tracker) Statuses(ctx context.Context, viewerID string, userIDs []string) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot, len(userIDs))
	for _, id := range userIDs {
		if _, ok := out[id]; ok {
			continue
		}
		snap, err := t.Presence(ctx, viewerID, id)
		if err != nil {
			return nil, fmt.Errorf("presence of %s: %w", id, err)
		}
		out[id] = snap
	}
	return out, nil
}

// SetTyping arms or clears a typing flag. An empty chatID scopes the flag
// to the user globally. Repeated true calls refresh the TTL.
func (t *Tracker) SetTyping(ctx context.Context, userID, chatID string, isTyping bool) error {
	key := typingKey(userID, chatID)
	if !isTyping {
		if err := t.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear typing: %w", err)
		}
		return nil
	}
	if err := t.store.Set(ctx, key, "1", t.cfg.TypingTTL); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// IsTyping reports whether userID's flag for chatID (or the global one) is live.
func (t *Tracker) IsTyping(ctx context.Context, userID, chatID string) (bool, error) {
	ok, err := t.store.Exists(ctx, typingKey(userID, chatID))
	if err != nil {
		return false, fmt.Errorf("typing lookup: %w", err)
	}
	return ok, nil
}

// TypingUsersInChat lists users whose typing flag for chatID has not expired.
func (t *Tracker) TypingUsersInChat(ctx context.Context, chatID string) ([]string, error) {
	prefix := chatTypingKey + chatID + ":"
	keys, err := t.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, k := range keys {
		users = append(users, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(users)
	return users, nil
}

// ClearTyping drops userID's global flag and every per-chat flag, returning
// the chats that had one.
func (t *Tracker) ClearTyping(ctx context.Context, userID string) ([]string, error) {
	keys, chats, err := t.chatTypingKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	keys = append(keys, userTypingKey+userID)
	if err := t.store.Delete(ctx, keys...); err != nil {
		return nil, fmt.Errorf("clear typing: %w", err)
	}
	return chats, nil
}

// ClearAll removes every ephemeral key belonging to userID.
func (t *Tracker) ClearAll(ctx context.Context, userID string) error {
	keys, _, err := t.chatTypingKeys(ctx, userID)
	if err != nil {
		return err
	}
	keys = append(keys, statusKey+userID, lastSeenKey+userID, userTypingKey+userID)
	if err := t.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("clear presence: %w", err)
	}
	return nil
}

func (t *Tracker) chatTypingKeys(ctx context.Context, userID string) (keys, chats []string, err error) {
	all, err := t.store.Keys(ctx, chatTypingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("list chat typing: %w", err)
	}
	suffix := ":" + userID
	for _, k := range all {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		keys = append(keys, k)
		chats = append(chats, strings.TrimSuffix(strings.TrimPrefix(k, chatTypingKey), suffix))
	}
	sort.Strings(chats)
	return keys, chats, nil
}

func typingKey(userID, chatID string) string {
	if chatID == "" {
		return userTypingKey + userID
	}
	return chatTypingKey + chatID + ":" + userID
}
