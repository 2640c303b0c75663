package matching

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/kyla/chatcore/internal/config"
	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/ratelimit"
	"github.com/kyla/chatcore/internal/user"
)

// ErrUnknownUser is returned for commands from users missing in the
// directory.
var ErrUnknownUser = errors.New("matching: unknown user")

// Limiter throttles search commands. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// ConversationLog drops the relay log of a pair that ended. *chat.Log
// implements it.
type ConversationLog interface {
	Remove(ctx context.Context, pairID int64) error
}

// SearchStatus is the outcome of a search command.
type SearchStatus string

const (
	SearchMatched         SearchStatus = "matched"
	SearchQueued          SearchStatus = "queued"
	SearchAlreadyQueued   SearchStatus = "already_queued"
	SearchAlreadyChatting SearchStatus = "already_chatting"
	SearchBanned          SearchStatus = "banned"
	SearchRateLimited     SearchStatus = "rate_limited"
)

// SearchResult describes what Search did. Pair and Partner are set for
// SearchMatched; Pair is also set for SearchAlreadyChatting when known.
type SearchResult struct {
	Status      SearchStatus
	Seeker      *user.User
	Partner     *user.User
	Pair        *pair.Pair
	RetryAfter  time.Duration
	BannedUntil time.Time // zero for permanent bans
}

// Stats is the read-only matching aggregate.
type Stats struct {
	ActivePairs  int
	TotalUsers   int
	PremiumUsers int
	MatchRate    float64 // percent of users currently in a pair
}

// Service orchestrates the queue, the matcher and the pair store on behalf
// of the command layer.
type Service struct {
	queue      Queue
	matcher    *Matcher
	pairs      pair.Store
	users      user.Directory
	sender     messaging.Sender
	limiter    Limiter
	convLog    ConversationLog
	searchRule ratelimit.Rule
	cfg        config.MatchingConfig
	now        func() time.Time
	log        *slog.Logger
}

type ServiceOption func(*Service)

// WithConversationLog removes a pair's relay log when its user ends it.
func WithConversationLog(l ConversationLog) ServiceOption {
	return func(s *Service) { s.convLog = l }
}

// NewService wires a matching service. limiter may be nil to disable search
// throttling.
func NewService(q Queue, pairs pair.Store, users user.Directory, sender messaging.Sender, limiter Limiter, cfg config.MatchingConfig, opts ...ServiceOption) *Service {
	log := logger.With("component", "matching")
	s := &Service{
		queue: q,
		matcher: NewMatcher(q,
			WithRandomMatching(cfg.RandomMatching),
			WithMaxClaimAttempts(cfg.MaxClaimAttempts),
			WithMatcherLogger(log),
		),
		pairs:      pairs,
		users:      users,
		sender:     sender,
		limiter:    limiter,
		searchRule: ratelimit.SearchRule(cfg.SearchPerMinute),
		cfg:        cfg,
		now:        time.Now,
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindMatch claims the oldest compatible waiting entry for u and returns the
// partner together with the pair created by the claim. It returns nil
// values when nobody compatible is waiting.
func (s *Service) FindMatch(ctx context.Context, u *user.User) (*user.User, *pair.Pair, error) {
	m, err := s.matcher.FindMatch(ctx, u)
	if err != nil || m == nil {
		return nil, nil, err
	}
	return s.partnerOf(ctx, m.Entry), m.Pair, nil
}

// CreatePair pairs u with a specific waiting partner. The partner must still
// have a live entry; otherwise ErrEntryGone is returned.
func (s *Service) CreatePair(ctx context.Context, u, partner *user.User) (*pair.Pair, error) {
	_, p, err := s.queue.ClaimByUser(ctx, partner.ID, u.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("paired directly", "user", u.ID, "partner", partner.ID, "pair", p.ID)
	return p, nil
}

// EndConversation ends the user's active pair with reason user_action. It
// returns nil when there was nothing to end, including when a concurrent
// end won the race.
func (s *Service) EndConversation(ctx context.Context, userID int64) (*pair.Pair, error) {
	p, err := s.pairs.FindActiveByUser(ctx, userID)
	if err != nil || p == nil {
		return nil, err
	}
	ended, err := s.pairs.End(ctx, p.ID, userID, pair.ReasonUserAction)
	if err != nil {
		return nil, err
	}
	if !ended {
		return nil, nil
	}

	p.Status = pair.StatusEnded
	p.EndedAt = s.now()
	p.EndedBy = userID
	p.EndReason = pair.ReasonUserAction
	metrics.PairsEnded.WithLabelValues(pair.ReasonUserAction).Inc()
	s.log.Info("conversation ended", "pair", p.ID, "by", userID)
	if s.convLog != nil {
		if err := s.convLog.Remove(ctx, p.ID); err != nil {
			s.log.Warn("remove conversation log", "pair", p.ID, "err", err)
		}
	}
	return p, nil
}

// GetMatchStats recomputes the aggregate from the stores.
func (s *Service) GetMatchStats(ctx context.Context) (Stats, error) {
	active, err := s.pairs.CountActive(ctx)
	if err != nil {
		return Stats{}, err
	}
	total, premium, err := s.users.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		ActivePairs:  active,
		TotalUsers:   total,
		PremiumUsers: premium,
		MatchRate:    matchRate(active, total),
	}, nil
}

// matchRate is the share of users sitting in an active pair, in percent with
// two decimals.
func matchRate(activePairs, totalUsers int) float64 {
	if totalUsers == 0 {
		return 0
	}
	rate := float64(2*activePairs) / float64(totalUsers) * 100
	return math.Round(rate*100) / 100
}

// Search runs one search command: restricted and already paired users are
// refused, otherwise the user is matched right away or put in the queue.
func (s *Service) Search(ctx context.Context, userID int64, platformID string) (*SearchResult, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUnknownUser
	}
	res := &SearchResult{Seeker: u}

	if u.Restricted(s.now()) {
		res.Status = SearchBanned
		if !u.IsBanned {
			res.BannedUntil = u.SoftBannedUntil
		}
		return res, nil
	}

	active, err := s.pairs.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		res.Status, res.Pair = SearchAlreadyChatting, active
		return res, nil
	}

	if s.limiter != nil {
		id := strconv.FormatInt(userID, 10)
		if ok, _ := s.limiter.Allow(ctx, id, s.searchRule); !ok {
			res.Status = SearchRateLimited
			res.RetryAfter = s.limiter.RetryAfter(ctx, id, s.searchRule)
			return res, nil
		}
	}

	queued, err := s.queue.FindByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if queued != nil {
		res.Status = SearchAlreadyQueued
		return res, nil
	}

	partner, p, err := s.FindMatch(ctx, u)
	if errors.Is(err, ErrSeekerBusy) {
		res.Status = SearchAlreadyChatting
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if p != nil {
		s.setSearching(ctx, partner.ID, false)
		s.setSearching(ctx, u.ID, false)
		res.Status, res.Partner, res.Pair = SearchMatched, partner, p
		return res, nil
	}

	if _, err := s.queue.Enqueue(ctx, entryFor(u, platformID)); err != nil {
		return nil, err
	}
	s.setSearching(ctx, u.ID, true)
	res.Status = SearchQueued
	s.log.Debug("queued", "user", u.ID, "gender", u.Gender, "interest", u.Interest)
	return res, nil
}

// Cancel removes the user's waiting entry. It reports false when there was
// nothing to cancel, which is also what a cancel that lost the race against a
// claim observes.
func (s *Service) Cancel(ctx context.Context, userID int64) (bool, error) {
	removed, err := s.queue.DequeueByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if removed {
		s.setSearching(ctx, userID, false)
	}
	return removed, nil
}

// Rate stores raterID's rating on the given pair.
func (s *Service) Rate(ctx context.Context, raterID, pairID int64, rating int) (bool, error) {
	p, err := s.pairs.Get(ctx, pairID)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, nil
	}
	return s.pairs.AddRating(ctx, p, raterID, rating)
}

// partnerOf loads the owner of a claimed entry. The entry carries enough of
// the profile to announce the match when the directory lookup fails.
func (s *Service) partnerOf(ctx context.Context, e *Entry) *user.User {
	u, err := s.users.Get(ctx, e.UserID)
	if err != nil {
		s.log.Warn("partner lookup failed", "user", e.UserID, "err", err)
	}
	if u != nil {
		return u
	}
	return &user.User{
		ID:        e.UserID,
		Gender:    e.Gender,
		Interest:  e.Interest,
		Language:  e.Language,
		IsPremium: e.IsPremium,
		SafeMode:  e.SafeModePreference,
	}
}

func (s *Service) setSearching(ctx context.Context, userID int64, searching bool) {
	if err := s.users.SetSearching(ctx, userID, searching); err != nil {
		s.log.Warn("set searching failed", "user", userID, "searching", searching, "err", err)
	}
}
