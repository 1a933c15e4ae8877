// Package messaging wraps the NATS connection used for moderation events.
// The gateway publishes an event for every message the content filter
// redacted; the moderation-log service consumes them into Postgres for
// trust-and-safety review.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectMessageFlagged carries FlaggedEvent payloads.
const SubjectMessageFlagged = "chat.message.flagged"

// FlaggedEvent describes one redacted message.
type FlaggedEvent struct {
	MessageID  int64    `json:"message_id"`
	ChatID     int64    `json:"chat_id"`
	SenderID   int64    `json:"sender_id"`
	Violations []string `json:"violations"`
	Ts         int64    `json:"ts"` // unix seconds
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns production defaults with infinite reconnects.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "hireloop-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with typed publish/subscribe helpers.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient connects to NATS and returns a ready client. The initial
// connection must succeed; later drops are handled by the reconnect loop.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc}, nil
}

// PublishFlagged publishes a flagged-message event. Callers treat failures
// as best-effort: a lost audit event never blocks message delivery.
func (c *Client) PublishFlagged(ev FlaggedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal flagged event: %w", err)
	}
	if err := c.conn.Publish(SubjectMessageFlagged, data); err != nil {
		return fmt.Errorf("messaging: publish flagged event: %w", err)
	}
	return nil
}

// SubscribeFlagged registers a handler for flagged-message events. Events
// that fail to decode are logged and dropped.
func (c *Client) SubscribeFlagged(handler func(FlaggedEvent)) error {
	sub, err := c.conn.Subscribe(SubjectMessageFlagged, func(msg *nats.Msg) {
		var ev FlaggedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad flagged event payload: %v", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", SubjectMessageFlagged, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.mu.Unlock()

	c.conn.Close()
}
