// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Each throttled action (search requests, media
// prompts to a partner) is counted per identifier, usually a user or pair id.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kyla/chatcore/internal/logger"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:search:", "rl:media:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// SearchRule allows perMinute search commands per user per minute.
func SearchRule(perMinute int) Rule {
	return Rule{Key: "rl:search:", Limit: perMinute, Window: time.Minute}
}

// MediaRequestRule allows one media prompt per pair every interval.
func MediaRequestRule(interval time.Duration) Rule {
	return Rule{Key: "rl:media:", Limit: 1, Window: interval}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	log    *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client, log: logger.With("component", "ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("redis INCR failed, failing open", "key", key, "err", err)
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("redis EXPIRE failed, failing open", "key", key, "err", err)
			// A counter without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}

// RetryAfter returns how long until the identifier's window resets. It is 0
// when no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
