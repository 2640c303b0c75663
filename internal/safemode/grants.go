// Package safemode implements explicit media consent between the two sides
// of a pair. A user with safe mode on receives no media until they grant it
// for the current pair. Grants live in Redis under a TTL:
//
//	Key:   safemode:grant:<granterUserId>
//	Value: <pairId>
//	TTL:   SAFEMODE_GRANT_TTL
//
// A grant is re-checked on every media message and never consumed. It ends
// when the TTL runs out or the granter turns safe mode back on.
package safemode

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// GrantPrefix is the Redis key prefix for media grants.
const GrantPrefix = "safemode:grant:"

// Grant is a granter's consent to receive media inside one pair.
type Grant struct {
	GranterUserID int64
	PairID        int64
	ExpiresAt     time.Time
}

// Grants is the grant capability used by the gate and the safe-mode
// commands.
type Grants interface {
	// HasGrant reports whether granterID currently allows media in pairID.
	HasGrant(ctx context.Context, granterID, pairID int64) (bool, error)
	SetGrant(ctx context.Context, granterID, pairID int64) error
	ClearGrant(ctx context.Context, granterID int64) error
	// Lookup returns the granter's live grant, or nil.
	Lookup(ctx context.Context, granterID int64) (*Grant, error)
}

// RedisGrants stores grants as TTL keys.
type RedisGrants struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisGrants(client redis.Cmdable, ttl time.Duration) *RedisGrants {
	return &RedisGrants{client: client, ttl: ttl, now: time.Now}
}

func grantKey(granterID int64) string {
	return GrantPrefix + strconv.FormatInt(granterID, 10)
}

func (g *RedisGrants) HasGrant(ctx context.Context, granterID, pairID int64) (bool, error) {
	got, err := g.client.Get(ctx, grantKey(granterID)).Int64()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("safemode: read grant %d: %w", granterID, err)
	}
	// A grant for an earlier pair does not carry over.
	return got == pairID, nil
}

// SetGrant replaces any previous grant of granterID.
func (g *RedisGrants) SetGrant(ctx context.Context, granterID, pairID int64) error {
	if err := g.client.Set(ctx, grantKey(granterID), pairID, g.ttl).Err(); err != nil {
		return fmt.Errorf("safemode: write grant %d: %w", granterID, err)
	}
	return nil
}

func (g *RedisGrants) ClearGrant(ctx context.Context, granterID int64) error {
	if err := g.client.Del(ctx, grantKey(granterID)).Err(); err != nil {
		return fmt.Errorf("safemode: clear grant %d: %w", granterID, err)
	}
	return nil
}

func (g *RedisGrants) Lookup(ctx context.Context, granterID int64) (*Grant, error) {
	key := grantKey(granterID)
	pairID, err := g.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("safemode: read grant %d: %w", granterID, err)
	}

	gr := &Grant{GranterUserID: granterID, PairID: pairID}
	if ttl, err := g.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		gr.ExpiresAt = g.now().Add(ttl)
	}
	return gr, nil
}
