// Package presence mirrors user online state into Redis so the REST layer
// and other services can answer "is this user online" without reaching into
// the gateway process. The in-process connection registry stays the source
// of truth; Redis keys are best-effort hints with a TTL:
//
//	Key:   presence:user:<user_id>
//	Value: <server name>
//	TTL:   KeyTTL, refreshed while the user stays connected
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence records.
	KeyPrefix = "presence:user:"

	// KeyTTL bounds how stale a presence record can get if a gateway dies
	// without cleaning up. The refresher renews records well within it.
	KeyTTL = 90 * time.Second
)

// Store writes presence records to Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store using the provided Redis client.
// serverName identifies which gateway instance holds the connection.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// MarkOnline records the user as online with a fresh TTL.
func (s *Store) MarkOnline(ctx context.Context, userID int64) error {
	key := KeyPrefix + strconv.FormatInt(userID, 10)
	if err := s.client.Set(ctx, key, s.serverName, KeyTTL).Err(); err != nil {
		return fmt.Errorf("presence: mark online %d: %w", userID, err)
	}
	return nil
}

// MarkOffline removes the user's presence record.
func (s *Store) MarkOffline(ctx context.Context, userID int64) error {
	key := KeyPrefix + strconv.FormatInt(userID, 10)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("presence: mark offline %d: %w", userID, err)
	}
	return nil
}

// Refresh renews the TTL for every given user in one pipeline. Users whose
// record already expired are re-created.
func (s *Store) Refresh(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, id := range userIDs {
		pipe.Set(ctx, KeyPrefix+strconv.FormatInt(id, 10), s.serverName, KeyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: refresh: %w", err)
	}
	return nil
}

// IsOnline reports whether a presence record exists for the user.
func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	key := KeyPrefix + strconv.FormatInt(userID, 10)
	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: check %d: %w", userID, err)
	}
	return true, nil
}
