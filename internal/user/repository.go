package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetUser(ctx context.Context, userID string) (*User, error) {
	u := &User{}
	var lastSeen sql.NullTime
	query := "SELECT id, username, online, last_seen FROM users WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Username, &u.Online, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if lastSeen.Valid {
		ts := lastSeen.Time.UTC()
		u.LastSeen = &ts
	}
	return u, nil
}

// OnlineFlag reads the durable presence columns. Unknown users are offline.
func (r *Repository) OnlineFlag(ctx context.Context, userID string) (bool, *time.Time, error) {
	u, err := r.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("online flag: %w", err)
	}
	return u.Online, u.LastSeen, nil
}

// SetPresence writes the durable presence columns. last_seen only moves forward.
func (r *Repository) SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	query := `
		UPDATE users
		SET online = $2,
		    last_seen = CASE
		        WHEN $3::timestamptz IS NULL THEN last_seen
		        WHEN last_seen IS NULL OR last_seen < $3::timestamptz THEN $3::timestamptz
		        ELSE last_seen
		    END
		WHERE id = $1
	`
	var ls sql.NullTime
	if lastSeen != nil {
		ls = sql.NullTime{Time: *lastSeen, Valid: true}
	}
	if _, err := r.db.ExecContext(ctx, query, userID, online, ls); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}
