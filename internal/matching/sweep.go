package matching

import (
	"context"
	"errors"
	"time"

	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/user"
)

// sweepLoop retries the whole queue every interval. Two searches that
// overlap can both miss each other and end up waiting; the sweep pairs them.
func (s *Service) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep loop stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep walks the waiting entries oldest first and runs each owner through
// the matcher as a seeker. It returns the number of pairs it formed.
// Entries of users that became restricted while waiting are dropped before
// any matching starts, so they are never claimed either.
func (s *Service) Sweep(ctx context.Context) int {
	entries, err := s.queue.ListAll(ctx)
	if err != nil {
		s.log.Error("sweep: list queue", "err", err)
		return 0
	}

	seekers := s.liveSeekers(ctx, entries)
	paired := make(map[int64]bool)
	formed := 0
	for _, u := range seekers {
		if ctx.Err() != nil {
			break
		}
		if paired[u.ID] {
			continue
		}

		partner, p, err := s.FindMatch(ctx, u)
		if errors.Is(err, ErrSeekerBusy) {
			continue
		}
		if err != nil {
			s.log.Error("sweep: find match", "user", u.ID, "err", err)
			continue
		}
		if p == nil {
			continue
		}

		paired[u.ID], paired[partner.ID] = true, true
		formed++
		s.setSearching(ctx, partner.ID, false)
		s.setSearching(ctx, u.ID, false)
		if err := PublishMatchFound(ctx, s.sender, p, u, partner); err != nil {
			s.log.Error("sweep: publish match", "pair", p.ID, "err", err)
		}
	}

	if formed > 0 {
		metrics.SweepMatches.Add(float64(formed))
		s.log.Info("sweep: paired waiting users", "pairs", formed)
	}
	return formed
}

// liveSeekers loads the owners of entries in queue order and removes the
// entries of unknown or restricted users.
func (s *Service) liveSeekers(ctx context.Context, entries []Entry) []*user.User {
	now := s.now()
	out := make([]*user.User, 0, len(entries))
	for _, e := range entries {
		u, err := s.users.Get(ctx, e.UserID)
		if err != nil {
			s.log.Warn("sweep: load user", "user", e.UserID, "err", err)
			continue
		}
		if u != nil && !u.Restricted(now) {
			out = append(out, u)
			continue
		}
		if _, err := s.queue.DequeueByUser(ctx, e.UserID); err != nil {
			s.log.Warn("sweep: drop entry", "user", e.UserID, "err", err)
			continue
		}
		s.setSearching(ctx, e.UserID, false)
		s.log.Info("sweep: dropped entry of restricted user", "user", e.UserID)
	}
	return out
}
