package gate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// InactivityPrefix is the Redis key prefix of the per-pair inactivity notice
// flag.
const InactivityPrefix = "gate:inactive:"

// CooldownPrefix is the Redis key prefix of the per-sender relay cooldown.
const CooldownPrefix = "gate:cooldown:"

// NoticeFlags deduplicates one-time notices across relay workers.
type NoticeFlags interface {
	// MarkInactivityNotice sets the pair's flag for ttl and reports whether
	// it was not set before.
	MarkInactivityNotice(ctx context.Context, pairID int64, ttl time.Duration) (bool, error)
}

// Cooldowns hands out relay slots so that only one message per sender passes
// inside the rate-limit window, however many workers race on it.
type Cooldowns interface {
	// ClaimCooldown starts the sender's cooldown for window and reports
	// whether the sender was free to send.
	ClaimCooldown(ctx context.Context, userID int64, window time.Duration) (bool, error)
}

// RedisNoticeFlags implements NoticeFlags and Cooldowns with SET NX keys.
type RedisNoticeFlags struct {
	client redis.Cmdable
}

func NewRedisNoticeFlags(client redis.Cmdable) *RedisNoticeFlags {
	return &RedisNoticeFlags{client: client}
}

func (f *RedisNoticeFlags) MarkInactivityNotice(ctx context.Context, pairID int64, ttl time.Duration) (bool, error) {
	key := InactivityPrefix + strconv.FormatInt(pairID, 10)
	ok, err := f.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("gate: inactivity flag %d: %w", pairID, err)
	}
	return ok, nil
}

func (f *RedisNoticeFlags) ClaimCooldown(ctx context.Context, userID int64, window time.Duration) (bool, error) {
	key := CooldownPrefix + strconv.FormatInt(userID, 10)
	ok, err := f.client.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("gate: cooldown %d: %w", userID, err)
	}
	return ok, nil
}
