// Package ratelimit provides Redis-backed fixed-window rate limiting for
// the chat gateway. Each guarded action (sending a message, opening a
// connection) is throttled per identity with an INCR + EXPIRE window.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy: a Redis key prefix, the maximum count
// allowed inside the window, and the window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 10 chat messages per 10 seconds per connection.
	RuleMessage = Rule{Key: "rl:chat:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 6 WebSocket connections per minute per user.
	RuleConnect = Rule{Key: "rl:chat:conn:", Limit: 6, Window: time.Minute}
)

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the counter for identifier under rule and reports
// whether the action is within the limit. The window boundary is set by the
// first increment. On Redis errors the limiter fails open so an outage
// never blocks chat traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) bool {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: INCR %s failed, failing open: %v", key, err)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("ratelimit: EXPIRE %s failed: %v", key, err)
		}
	}
	return count <= int64(rule.Limit)
}
