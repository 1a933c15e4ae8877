// Package protocol defines the WebSocket frame types exchanged between chat
// clients and the gateway. Every frame is a JSON object with a "type"
// discriminator and a "data" payload whose shape depends on the type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server frame types.
const (
	TypeChatMessage = "chat-message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read-receipt"
	TypeHistoryPage = "history-page"
	TypePing        = "ping"
)

// Server -> Client frame types. TypeChatMessage, TypeTyping, TypeReadReceipt
// and TypeHistoryPage are reused on the outbound side.
const (
	TypeConnectionAck = "connection-ack"
	TypeMessageSent   = "message-sent"
	TypeUserStatus    = "user-status"
	TypeError         = "error"
	TypePong          = "pong"
)

// User presence values carried by user-status frames.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is the wire container for every frame. Data is decoded lazily
// into the concrete payload struct once the type is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// ChatMessageIn is a new message for the connection's chat.
type ChatMessageIn struct {
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// TypingIn carries the sender's current typing state.
type TypingIn struct {
	IsTyping bool `json:"is_typing"`
}

// ReadReceiptIn acknowledges that the sender has read a message.
type ReadReceiptIn struct {
	MessageID int64 `json:"message_id"`
}

// HistoryPageIn requests a page of past messages for the connection's chat.
type HistoryPageIn struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

// PingIn is a client keepalive; Ts is echoed back unchanged in the pong.
type PingIn struct {
	Ts int64 `json:"ts"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectionAckOut confirms a successful connect/authorize sequence.
type ConnectionAckOut struct {
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	Status string `json:"status"` // always "connected"
}

// ChatMessageOut is a persisted message fanned out to the chat.
type ChatMessageOut struct {
	ID          int64  `json:"id"`
	ChatID      int64  `json:"chat_id"`
	SenderID    int64  `json:"sender_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	CreatedAt   string `json:"created_at"` // RFC 3339
}

// MessageSentOut is the acknowledgement returned to the message sender only.
type MessageSentOut struct {
	MessageID int64  `json:"message_id"`
	ChatID    int64  `json:"chat_id"`
	CreatedAt string `json:"created_at"`
}

// TypingOut relays a participant's typing state to the rest of the chat.
type TypingOut struct {
	ChatID   int64 `json:"chat_id"`
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

// ReadReceiptOut notifies a message's sender that it has been read.
type ReadReceiptOut struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
	ReaderID  int64 `json:"reader_id"`
}

// UserStatusOut announces a participant going online or offline.
type UserStatusOut struct {
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	Status string `json:"status"` // StatusOnline or StatusOffline
}

// HistoryMessage is one entry in a history page, newest first.
type HistoryMessage struct {
	ID          int64  `json:"id"`
	SenderID    int64  `json:"sender_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	CreatedAt   string `json:"created_at"`
}

// HistoryPageOut is the reply to a history-page request.
type HistoryPageOut struct {
	ChatID   int64            `json:"chat_id"`
	Page     int              `json:"page"`
	Size     int              `json:"size"`
	Messages []HistoryMessage `json:"messages"`
}

// ErrorOut reports a non-fatal problem with the sender's own frame.
type ErrorOut struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongOut answers a ping, echoing the client-supplied timestamp.
type PongOut struct {
	Ts int64 `json:"ts"`
}

// ---------------------------------------------------------------------------
// Parsing and building
// ---------------------------------------------------------------------------

// ParseClientFrame decodes raw WebSocket bytes into a typed inbound payload.
// It returns the frame type, the decoded payload struct, and any error. An
// error is returned for malformed JSON, a missing type, or a type the client
// is not allowed to send.
func ParseClientFrame(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: missing frame type")
	}

	var (
		payload interface{}
		err     error
	)

	switch env.Type {
	case TypeChatMessage:
		var p ChatMessageIn
		err = decodeData(env.Data, &p)
		payload = p
	case TypeTyping:
		var p TypingIn
		err = decodeData(env.Data, &p)
		payload = p
	case TypeReadReceipt:
		var p ReadReceiptIn
		err = decodeData(env.Data, &p)
		payload = p
	case TypeHistoryPage:
		var p HistoryPageIn
		err = decodeData(env.Data, &p)
		payload = p
	case TypePing:
		var p PingIn
		err = decodeData(env.Data, &p)
		payload = p
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client frame type %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: bad %q payload: %w", env.Type, err)
	}
	return env.Type, payload, nil
}

// decodeData unmarshals a frame payload. A frame with no data object at all
// decodes every field to its zero value, matching clients that omit "data"
// on frames like ping.
func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// NewServerFrame encodes an outbound frame with the given type discriminator
// and payload.
func NewServerFrame(frameType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q payload: %w", frameType, err)
	}
	out, err := json.Marshal(Envelope{Type: frameType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q frame: %w", frameType, err)
	}
	return out, nil
}
