package gateway

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hireloop/chat-service/internal/messaging"
	"github.com/hireloop/chat-service/internal/metrics"
	"github.com/hireloop/chat-service/internal/protocol"
	"github.com/hireloop/chat-service/internal/ratelimit"
	"github.com/hireloop/chat-service/internal/registry"
	"github.com/hireloop/chat-service/internal/store"
)

// downstreamTimeout bounds each store call made while handling one frame.
const downstreamTimeout = 5 * time.Second

// dispatch parses one inbound frame and routes it to its handler. Handler
// failures never terminate the connection: a malformed or failing frame is
// answered with an error frame on the same connection, and the receive loop
// carries on. Only a failed send to the connection itself ends it, and the
// read loop discovers that on its own.
func (s *Server) dispatch(c registry.Conn, data []byte) {
	frameType, payload, err := protocol.ParseClientFrame(data)
	if err != nil {
		metrics.FramesTotal.WithLabelValues("invalid").Inc()
		log.Printf("gateway: bad frame conn=%s: %v", c.ID(), err)
		s.sendError(c, "bad_frame", "invalid frame format")
		return
	}
	metrics.FramesTotal.WithLabelValues(frameType).Inc()

	switch p := payload.(type) {
	case protocol.ChatMessageIn:
		s.handleChatMessage(c, p)
	case protocol.TypingIn:
		s.handleTyping(c, p)
	case protocol.ReadReceiptIn:
		s.handleReadReceipt(c, p)
	case protocol.HistoryPageIn:
		s.handleHistoryPage(c, p)
	case protocol.PingIn:
		s.handlePing(c, p)
	default:
		// ParseClientFrame only returns the types above; a new frame type
		// added there must gain a case here.
		s.sendError(c, "unsupported_type", "unsupported frame type")
	}
}

// handleChatMessage validates, filters, persists and fans out one message.
// Persistence happens before the broadcast; if the write fails, recipients
// see nothing and the sender gets an error frame (fail closed).
func (s *Server) handleChatMessage(c registry.Conn, p protocol.ChatMessageIn) {
	content := strings.TrimSpace(p.Content)
	if content == "" {
		s.sendError(c, "empty_message", "message content is empty")
		return
	}
	if utf8.RuneCountInString(content) > s.config.MaxContentChars {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(c, "message_too_long", "message exceeds length limit")
		return
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = store.ContentTypeText
	}
	switch contentType {
	case store.ContentTypeText, store.ContentTypeImage, store.ContentTypeFile:
	default:
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(c, "bad_content_type", "unsupported content type")
		return
	}

	if s.limiter != nil && !s.limiter.Allow(context.Background(), c.ID(), ratelimit.RuleMessage) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		s.sendError(c, "rate_limited", "sending too fast, slow down")
		return
	}

	res := s.filter.FilterMessage(content)
	msg := &store.Message{
		ChatID:      c.ChatID(),
		SenderID:    c.UserID(),
		Content:     res.Content,
		ContentType: contentType,
		Flagged:     !res.Clean,
		FlagReason:  strings.Join(res.Violations, ", "),
	}

	ctx, cancel := context.WithTimeout(context.Background(), downstreamTimeout)
	err := s.messages.SaveMessage(ctx, msg)
	cancel()
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("gateway: persist message failed conn=%s: %v", c.ID(), err)
		s.sendError(c, "message_failed", "message could not be saved")
		return
	}

	ctx, cancel = context.WithTimeout(context.Background(), downstreamTimeout)
	if err := s.chats.TouchLastMessageAt(ctx, c.ChatID(), msg.CreatedAt); err != nil {
		log.Printf("gateway: touch chat failed chat=%d: %v", c.ChatID(), err)
	}
	cancel()

	if msg.Flagged {
		metrics.MessagesTotal.WithLabelValues("flagged").Inc()
		log.Printf("gateway: flagged message id=%d user=%d chat=%d: %s",
			msg.ID, c.UserID(), c.ChatID(), msg.FlagReason)
		if s.events != nil {
			ev := messaging.FlaggedEvent{
				MessageID:  msg.ID,
				ChatID:     msg.ChatID,
				SenderID:   msg.SenderID,
				Violations: res.Violations,
				Ts:         msg.CreatedAt.Unix(),
			}
			if err := s.events.PublishFlagged(ev); err != nil {
				log.Printf("gateway: %v", err)
			}
		}
	}

	createdAt := msg.CreatedAt.UTC().Format(time.RFC3339)
	out, err := protocol.NewServerFrame(protocol.TypeChatMessage, protocol.ChatMessageOut{
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		ContentType: msg.ContentType,
		CreatedAt:   createdAt,
	})
	if err != nil {
		log.Printf("gateway: build chat-message frame: %v", err)
		return
	}
	s.registry.Broadcast(c.ChatID(), out, c.UserID())
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()

	ack, err := protocol.NewServerFrame(protocol.TypeMessageSent, protocol.MessageSentOut{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		CreatedAt: createdAt,
	})
	if err != nil {
		return
	}
	if err := c.Send(ack); err != nil {
		// The sender's own transport is gone; tear the connection down.
		s.closeConn(c)
	}
}

// handleTyping relays the typing indicator to everyone else in the chat.
// No persistence, no echo back to the sender.
func (s *Server) handleTyping(c registry.Conn, p protocol.TypingIn) {
	out, err := protocol.NewServerFrame(protocol.TypeTyping, protocol.TypingOut{
		ChatID:   c.ChatID(),
		UserID:   c.UserID(),
		IsTyping: p.IsTyping,
	})
	if err != nil {
		log.Printf("gateway: build typing frame: %v", err)
		return
	}
	s.registry.Broadcast(c.ChatID(), out, c.UserID())
}

// handleReadReceipt notifies the original sender that their message was
// read. Receipts for unknown messages, messages from other chats, or the
// reader's own messages are dropped silently.
func (s *Server) handleReadReceipt(c registry.Conn, p protocol.ReadReceiptIn) {
	ctx, cancel := context.WithTimeout(context.Background(), downstreamTimeout)
	msg, err := s.messages.GetMessage(ctx, p.MessageID)
	cancel()
	if err != nil {
		log.Printf("gateway: read receipt lookup failed conn=%s: %v", c.ID(), err)
		s.sendError(c, "receipt_failed", "could not process read receipt")
		return
	}
	if msg == nil || msg.ChatID != c.ChatID() || msg.SenderID == c.UserID() {
		return
	}

	out, err := protocol.NewServerFrame(protocol.TypeReadReceipt, protocol.ReadReceiptOut{
		ChatID:    c.ChatID(),
		MessageID: msg.ID,
		ReaderID:  c.UserID(),
	})
	if err != nil {
		log.Printf("gateway: build read-receipt frame: %v", err)
		return
	}
	s.registry.SendToUser(msg.SenderID, out)
}

// handleHistoryPage replies to the requesting connection with one page of
// the chat's past messages, newest first.
func (s *Server) handleHistoryPage(c registry.Conn, p protocol.HistoryPageIn) {
	page := p.Page
	if page < 1 {
		page = 1
	}
	size := p.Size
	if size < 1 {
		size = s.config.HistoryPageSize
	}
	if size > 100 {
		size = 100
	}

	ctx, cancel := context.WithTimeout(context.Background(), downstreamTimeout)
	msgs, err := s.messages.ListMessages(ctx, c.ChatID(), page, size)
	cancel()
	if err != nil {
		log.Printf("gateway: history read failed conn=%s: %v", c.ID(), err)
		s.sendError(c, "history_failed", "could not load message history")
		return
	}

	entries := make([]protocol.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, protocol.HistoryMessage{
			ID:          m.ID,
			SenderID:    m.SenderID,
			Content:     m.Content,
			ContentType: m.ContentType,
			CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	out, err := protocol.NewServerFrame(protocol.TypeHistoryPage, protocol.HistoryPageOut{
		ChatID:   c.ChatID(),
		Page:     page,
		Size:     size,
		Messages: entries,
	})
	if err != nil {
		log.Printf("gateway: build history-page frame: %v", err)
		return
	}
	if err := c.Send(out); err != nil {
		s.closeConn(c)
	}
}

// handlePing answers with a pong carrying the client timestamp unchanged.
func (s *Server) handlePing(c registry.Conn, p protocol.PingIn) {
	out, err := protocol.NewServerFrame(protocol.TypePong, protocol.PongOut{Ts: p.Ts})
	if err != nil {
		return
	}
	if err := c.Send(out); err != nil {
		s.closeConn(c)
	}
}

// sendError reports a problem with the sender's own frame back to them.
// Transmission failures end the connection; build failures are only logged.
func (s *Server) sendError(c registry.Conn, code, message string) {
	out, err := protocol.NewServerFrame(protocol.TypeError, protocol.ErrorOut{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("gateway: build error frame: %v", err)
		return
	}
	if err := c.Send(out); err != nil {
		s.closeConn(c)
	}
}
