package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"chat-relay/internal/envelope"

	"github.com/google/uuid"
)

var ErrMessageNotFound = errors.New("message not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var ok bool
	query := "SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)"
	if err := r.db.QueryRowContext(ctx, query, chatID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("membership query: %w", err)
	}
	return ok, nil
}

func (r *Repository) MemberIDs(ctx context.Context, chatID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT user_id FROM chat_members WHERE chat_id = $1 ORDER BY user_id", chatID)
	if err != nil {
		return nil, fmt.Errorf("members query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveMessage inserts msg and returns it with its id, timestamp and sender name.
func (r *Repository) SaveMessage(ctx context.Context, msg envelope.ChatMessage) (envelope.ChatMessage, error) {
	msg.MessageID = uuid.NewString()
	query := `
		WITH ins AS (
			INSERT INTO messages (id, chat_id, sender_id, content, message_type, media_url, reply_to_id)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
			RETURNING created_at
		)
		SELECT ins.created_at, COALESCE(u.username, '')
		FROM ins LEFT JOIN users u ON u.id = $3
	`
	err := r.db.QueryRowContext(ctx, query,
		msg.MessageID, msg.ChatID, msg.SenderID, msg.Content, string(msg.MessageType), msg.MediaURL, msg.ReplyToMessageID,
	).Scan(&msg.Timestamp, &msg.SenderName)
	if err != nil {
		return envelope.ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	msg.Timestamp = msg.Timestamp.UTC()
	return msg, nil
}

const messageColumns = `
	m.id, m.chat_id, m.sender_id, m.content, m.message_type,
	COALESCE(m.media_url, ''), COALESCE(m.reply_to_id, ''),
	m.edited, m.deleted, m.created_at, COALESCE(u.username, '')
`

func scanMessage(row interface{ Scan(...any) error }) (envelope.ChatMessage, error) {
	var (
		msg envelope.ChatMessage
		typ string
	)
	err := row.Scan(&msg.MessageID, &msg.ChatID, &msg.SenderID, &msg.Content, &typ,
		&msg.MediaURL, &msg.ReplyToMessageID, &msg.Edited, &msg.Deleted, &msg.Timestamp, &msg.SenderName)
	if err != nil {
		return envelope.ChatMessage{}, err
	}
	msg.MessageType = envelope.MessageType(typ)
	msg.Timestamp = msg.Timestamp.UTC()
	return msg, nil
}

// EditMessage replaces the content of a message owned by senderID.
func (r *Repository) EditMessage(ctx context.Context, chatID, messageID, senderID, content string) (envelope.ChatMessage, error) {
	return r.mutate(ctx, `
		WITH m AS (
			UPDATE messages SET content = $4, edited = TRUE
			WHERE id = $1 AND chat_id = $2 AND sender_id = $3 AND NOT deleted
			RETURNING *
		)
		SELECT `+messageColumns+` FROM m LEFT JOIN users u ON u.id = m.sender_id`,
		messageID, chatID, senderID, content)
}

// DeleteMessage soft-deletes a message owned by senderID and blanks its content.
func (r *Repository) DeleteMessage(ctx context.Context, chatID, messageID, senderID string) (envelope.ChatMessage, error) {
	return r.mutate(ctx, `
		WITH m AS (
			UPDATE messages SET content = '', media_url = NULL, deleted = TRUE
			WHERE id = $1 AND chat_id = $2 AND sender_id = $3 AND NOT deleted
			RETURNING *
		)
		SELECT `+messageColumns+` FROM m LEFT JOIN users u ON u.id = m.sender_id`,
		messageID, chatID, senderID)
}

func (r *Repository) mutate(ctx context.Context, query string, args ...any) (envelope.ChatMessage, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return envelope.ChatMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return envelope.ChatMessage{}, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit messages of a chat, oldest first.
func (r *Repository) RecentMessages(ctx context.Context, chatID string, limit int) ([]envelope.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("history query: %w", err)
	}
	defer rows.Close()

	var messages []envelope.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}
