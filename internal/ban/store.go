// Package ban enforces soft bans. The users row (soft_banned_until) is the
// source of truth; a Redis mirror lets a repeat ban skip the database while
// the first one is in force:
//
//	Key:   softban:<userId>
//	Value: <reason>
//	TTL:   ban duration
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Prefix is the Redis key prefix for soft-ban records.
const Prefix = "softban:"

// Store manages soft-ban records in Redis.
type Store struct {
	client redis.Cmdable
}

func NewStore(client redis.Cmdable) *Store {
	return &Store{client: client}
}

func banKey(userID int64) string {
	return Prefix + strconv.FormatInt(userID, 10)
}

// IsBanned checks if a user is currently soft-banned and returns the
// remaining duration and reason. Redis errors are returned so callers can
// decide how to handle them.
func (s *Store) IsBanned(ctx context.Context, userID int64) (bool, time.Duration, string, error) {
	key := banKey(userID)

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", fmt.Errorf("ban: read %d: %w", userID, err)
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// The ban exists; report it with an unknown remainder.
		return true, 0, reason, nil
	}
	return true, ttl, reason, nil
}

// Ban records a soft ban for d. A ban already in force is left untouched
// and Ban reports false.
func (s *Store) Ban(ctx context.Context, userID int64, d time.Duration, reason string) (bool, error) {
	ok, err := s.client.SetNX(ctx, banKey(userID), reason, d).Result()
	if err != nil {
		return false, fmt.Errorf("ban: write %d: %w", userID, err)
	}
	return ok, nil
}
