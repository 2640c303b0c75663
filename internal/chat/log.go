// Package chat keeps a bounded log of the last messages relayed in each pair.
// The log lives in Redis so that any relay worker can append to it:
//
//	Key:   chat:log:<pairId>
//	Value: list of JSON LogEntry, oldest first
//	TTL:   refreshed on every append
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	LogPrefix = "chat:log:"

	// DefaultLogSize is the number of entries kept per pair when none is
	// configured.
	DefaultLogSize = 20
)

// LogEntry is one relayed message.
type LogEntry struct {
	ID           string          `json:"id"`
	PairID       int64           `json:"pairId"`
	SenderUserID int64           `json:"senderUserId"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	At           int64           `json:"at"` // unix millis
}

// Log stores the last size entries of every pair.
type Log struct {
	rdb  redis.Cmdable
	size int
	ttl  time.Duration
}

// NewLog creates a conversation log. A non-positive size falls back to
// DefaultLogSize.
func NewLog(rdb redis.Cmdable, size int, ttl time.Duration) *Log {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &Log{rdb: rdb, size: size, ttl: ttl}
}

func logKey(pairID int64) string {
	return LogPrefix + strconv.FormatInt(pairID, 10)
}

// Append adds e to its pair's log and drops the oldest entries beyond the
// configured size. A missing ID is generated.
func (l *Log) Append(ctx context.Context, e LogEntry) error {
	if err := ValidateEntry(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("chat: marshal entry: %w", err)
	}

	key := logKey(e.PairID)
	pipe := l.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, int64(-l.size), -1)
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chat: append to pair %d: %w", e.PairID, err)
	}
	return nil
}

// Remove deletes the pair's log. Ended pairs drop theirs right away instead
// of waiting for the TTL.
func (l *Log) Remove(ctx context.Context, pairID int64) error {
	if err := l.rdb.Del(ctx, logKey(pairID)).Err(); err != nil {
		return fmt.Errorf("chat: remove pair %d: %w", pairID, err)
	}
	return nil
}
