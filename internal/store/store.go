// Package store defines the persistence collaborators the chat gateway
// depends on, together with their PostgreSQL implementations. The gateway
// only ever sees the interfaces; tests substitute in-memory fakes.
package store

import (
	"context"
	"time"
)

// Chat statuses persisted on the chats table.
const (
	ChatStatusActive   = "active"
	ChatStatusArchived = "archived"
)

// Message content kinds accepted on the wire.
const (
	ContentTypeText  = "text"
	ContentTypeImage = "image"
	ContentTypeFile  = "file"
)

// Chat is a conversation between a client hunter (initiator) and a
// freelancer (participant).
type Chat struct {
	ID            int64
	InitiatorID   int64
	ParticipantID int64
	Status        string
	LastMessageAt time.Time
}

// Message is a persisted chat message. Content holds the filtered body;
// Flagged and FlagReason carry the moderation outcome computed before the
// write.
type Message struct {
	ID          int64
	ChatID      int64
	SenderID    int64
	Content     string
	ContentType string
	Flagged     bool
	FlagReason  string
	CreatedAt   time.Time
}

// ChatStore answers conversation membership questions and records activity.
type ChatStore interface {
	// GetChatForUser returns the chat only when it exists, is active, and
	// userID is its initiator or participant. Returns (nil, nil) otherwise.
	GetChatForUser(ctx context.Context, chatID, userID int64) (*Chat, error)

	// TouchLastMessageAt records the time of the chat's latest message.
	TouchLastMessageAt(ctx context.Context, chatID int64, at time.Time) error
}

// MessageStore persists and reads chat messages.
type MessageStore interface {
	// SaveMessage inserts m and fills in its ID and CreatedAt.
	SaveMessage(ctx context.Context, m *Message) error

	// GetMessage returns the message or (nil, nil) when it does not exist.
	GetMessage(ctx context.Context, id int64) (*Message, error)

	// ListMessages returns one page of a chat's messages, newest first.
	// page is 1-based.
	ListMessages(ctx context.Context, chatID int64, page, size int) ([]Message, error)
}

// FlaggedRecord is one moderation audit row, written by the moderation-log
// consumer for every message the filter redacted.
type FlaggedRecord struct {
	MessageID  int64
	ChatID     int64
	SenderID   int64
	Violations []string
	OccurredAt time.Time
}

// AuditStore records moderation outcomes for later review.
type AuditStore interface {
	RecordFlagged(ctx context.Context, rec FlaggedRecord) error
}
