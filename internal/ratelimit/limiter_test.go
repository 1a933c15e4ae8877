package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client)
}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}
	id := fmt.Sprintf("limit-%d", time.Now().UnixNano())

	for i := 0; i < rule.Limit; i++ {
		if !l.Allow(ctx, id, rule) {
			t.Fatalf("request %d denied within limit %d", i+1, rule.Limit)
		}
	}
	if l.Allow(ctx, id, rule) {
		t.Error("request over the limit was allowed")
	}
}

func TestAllow_IndependentIdentifiers(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 5 * time.Second}
	now := time.Now().UnixNano()

	if !l.Allow(ctx, fmt.Sprintf("a-%d", now), rule) {
		t.Error("first identifier denied")
	}
	if !l.Allow(ctx, fmt.Sprintf("b-%d", now), rule) {
		t.Error("second identifier throttled by the first's counter")
	}
}

func TestAllow_FailsOpenWithoutRedis(t *testing.T) {
	// Point at a port nothing listens on; every call must be allowed.
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 100 * time.Millisecond,
	})
	defer client.Close()
	l := NewLimiter(client)

	if !l.Allow(context.Background(), "any", RuleMessage) {
		t.Error("limiter did not fail open on redis error")
	}
}
