package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// Postgres implements ChatStore, MessageStore and AuditStore on top of a
// *sql.DB handle.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates the store. The caller owns the handle's lifecycle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres with the given DSN and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	return db, nil
}

// GetChatForUser returns the chat only if userID is the initiator or the
// participant and the chat is active. (nil, nil) means "no such chat for
// this user" — the gateway treats that as an authorization failure.
func (p *Postgres) GetChatForUser(ctx context.Context, chatID, userID int64) (*Chat, error) {
	const query = `
		SELECT id, initiator_id, participant_id, status, last_message_at
		FROM chats
		WHERE id = $1
		  AND (initiator_id = $2 OR participant_id = $2)
		  AND status = $3`

	var c Chat
	var lastMessageAt sql.NullTime
	err := p.db.QueryRowContext(ctx, query, chatID, userID, ChatStatusActive).
		Scan(&c.ID, &c.InitiatorID, &c.ParticipantID, &c.Status, &lastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chat %d: %w", chatID, err)
	}
	if lastMessageAt.Valid {
		c.LastMessageAt = lastMessageAt.Time
	}
	return &c, nil
}

// TouchLastMessageAt records the chat's latest message time.
func (p *Postgres) TouchLastMessageAt(ctx context.Context, chatID int64, at time.Time) error {
	const query = `UPDATE chats SET last_message_at = $2 WHERE id = $1`

	if _, err := p.db.ExecContext(ctx, query, chatID, at); err != nil {
		return fmt.Errorf("store: touch chat %d: %w", chatID, err)
	}
	return nil
}

// SaveMessage inserts the message and fills in its generated ID and
// creation time.
func (p *Postgres) SaveMessage(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (chat_id, sender_id, content, content_type, is_flagged, flag_reason)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id, created_at`

	err := p.db.QueryRowContext(ctx, query,
		m.ChatID, m.SenderID, m.Content, m.ContentType, m.Flagged, m.FlagReason,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// GetMessage returns the message or (nil, nil) when absent.
func (p *Postgres) GetMessage(ctx context.Context, id int64) (*Message, error) {
	const query = `
		SELECT id, chat_id, sender_id, content, content_type, is_flagged,
		       COALESCE(flag_reason, ''), created_at
		FROM messages
		WHERE id = $1 AND NOT is_deleted`

	var m Message
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.ContentType,
		&m.Flagged, &m.FlagReason, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message %d: %w", id, err)
	}
	return &m, nil
}

// ListMessages returns one page of a chat's messages, newest first.
func (p *Postgres) ListMessages(ctx context.Context, chatID int64, page, size int) ([]Message, error) {
	if page < 1 {
		page = 1
	}

	const query = `
		SELECT id, chat_id, sender_id, content, content_type, is_flagged,
		       COALESCE(flag_reason, ''), created_at
		FROM messages
		WHERE chat_id = $1 AND NOT is_deleted
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := p.db.QueryContext(ctx, query, chatID, size, (page-1)*size)
	if err != nil {
		return nil, fmt.Errorf("store: list messages for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0, size)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.ContentType,
			&m.Flagged, &m.FlagReason, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return messages, nil
}

// RecordFlagged inserts a moderation audit row.
func (p *Postgres) RecordFlagged(ctx context.Context, rec FlaggedRecord) error {
	const query = `
		INSERT INTO moderation_log (message_id, chat_id, sender_id, violations, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := p.db.ExecContext(ctx, query,
		rec.MessageID, rec.ChatID, rec.SenderID,
		strings.Join(rec.Violations, "; "), rec.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert moderation log: %w", err)
	}
	return nil
}
