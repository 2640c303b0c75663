package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/user"
)

const defaultMaxClaimAttempts = 3

// Match is the result of a successful claim: the entry that was removed from
// the queue and the pair created for it.
type Match struct {
	Entry *Entry
	Pair  *pair.Pair
}

// Matcher finds the oldest compatible waiting entry for a seeker and claims
// it. It holds no state of its own; concurrent matchers coordinate through
// the queue's claim transaction.
type Matcher struct {
	queue       Queue
	random      bool
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

type MatcherOption func(*Matcher)

// WithRandomMatching relaxes compatibility to same-gender pairing.
func WithRandomMatching(enabled bool) MatcherOption {
	return func(m *Matcher) { m.random = enabled }
}

// WithMaxClaimAttempts bounds how many candidates one FindMatch call tries
// after losing claim races.
func WithMaxClaimAttempts(n int) MatcherOption {
	return func(m *Matcher) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func WithMatcherClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) { m.now = now }
}

func WithMatcherLogger(l *slog.Logger) MatcherOption {
	return func(m *Matcher) { m.log = l }
}

func NewMatcher(q Queue, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		queue:       q,
		maxAttempts: defaultMaxClaimAttempts,
		now:         time.Now,
		log:         logger.With("component", "matcher"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindMatch claims a compatible entry for seeker and returns the new pair.
// It returns nil, nil when no compatible entry is waiting or every candidate
// was lost to a concurrent claim. ErrSeekerBusy is returned when the seeker
// got paired by someone else in the meantime.
func (m *Matcher) FindMatch(ctx context.Context, seeker *user.User) (*Match, error) {
	c := CriteriaFor(seeker, m.random)

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		cand, err := m.queue.PeekCompatible(ctx, c)
		if err != nil {
			metrics.MatchAttempts.WithLabelValues("error").Inc()
			return nil, err
		}
		if cand == nil {
			metrics.MatchAttempts.WithLabelValues("no_candidate").Inc()
			return nil, nil
		}

		entry, p, err := m.queue.Claim(ctx, cand.ID, seeker.ID)
		switch {
		case errors.Is(err, ErrEntryGone):
			metrics.MatchAttempts.WithLabelValues("claim_lost").Inc()
			m.log.Debug("claim lost", "seeker", seeker.ID, "entry", cand.ID, "attempt", attempt)
			c.Skip = append(c.Skip, cand.ID)
			continue
		case errors.Is(err, ErrSeekerBusy):
			metrics.MatchAttempts.WithLabelValues("seeker_busy").Inc()
			return nil, err
		case err != nil:
			metrics.MatchAttempts.WithLabelValues("error").Inc()
			return nil, err
		}

		metrics.MatchAttempts.WithLabelValues("matched").Inc()
		metrics.MatchWait.Observe(m.now().Sub(entry.CreatedAt).Seconds())
		m.log.Info("matched", "seeker", seeker.ID, "partner", entry.UserID, "pair", p.ID,
			"random", m.random)
		return &Match{Entry: entry, Pair: p}, nil
	}

	m.log.Debug("no match after retries", "seeker", seeker.ID, "attempts", m.maxAttempts)
	return nil, nil
}
