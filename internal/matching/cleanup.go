package matching

import (
	"context"
	"log/slog"
	"time"

	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/protocol"
	"github.com/kyla/chatcore/internal/user"
)

// StartCleanup runs the queue expiry loop until ctx is done. Every interval
// it removes entries older than ttl and tells their owners the search timed
// out.
func StartCleanup(ctx context.Context, queue Queue, users user.Directory, sender messaging.Sender, ttl, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			expireEntries(ctx, queue, users, sender, time.Now().Add(-ttl), log)
		}
	}
}

// expireEntries removes entries created before cutoff. Notification failures
// are logged; the entry is gone either way.
func expireEntries(ctx context.Context, queue Queue, users user.Directory, sender messaging.Sender, cutoff time.Time, log *slog.Logger) int {
	expired, err := queue.RemoveOlderThan(ctx, cutoff)
	if err != nil {
		log.Error("cleanup: remove expired entries", "err", err)
		return 0
	}

	for _, e := range expired {
		if err := users.SetSearching(ctx, e.UserID, false); err != nil {
			log.Warn("cleanup: clear searching flag", "user", e.UserID, "err", err)
		}
		notice := protocol.MustNotify(e.UserID, protocol.TypeSearchTimeout, nil)
		if err := sender.Send(ctx, notice); err != nil {
			log.Warn("cleanup: send timeout notice", "user", e.UserID, "err", err)
		}
	}

	if n := len(expired); n > 0 {
		metrics.QueueExpired.Add(float64(n))
		log.Info("cleanup: expired waiting entries", "count", n)
	}
	return len(expired)
}
