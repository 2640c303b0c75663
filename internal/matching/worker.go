package matching

import (
	"context"
	"errors"
	"time"

	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/protocol"
)

const commandTimeout = 10 * time.Second

// CommandSource delivers match commands. *messaging.NATSClient implements it.
type CommandSource interface {
	SubscribeMatchCommand(handler messaging.Handler) error
}

// Start subscribes to match commands and starts the queue expiry, sweep and
// metrics loops. Everything stops when ctx is cancelled.
func (s *Service) Start(ctx context.Context, src CommandSource) error {
	if err := src.SubscribeMatchCommand(func(data []byte) {
		s.handleCommand(ctx, data)
	}); err != nil {
		return err
	}

	go StartCleanup(ctx, s.queue, s.users, s.sender, s.cfg.QueueTTL, s.cfg.CleanupInterval, s.log)
	go s.statsLoop(ctx)
	if s.cfg.SweepInterval > 0 {
		go s.sweepLoop(ctx, s.cfg.SweepInterval)
	}

	s.log.Info("service started", "random_matching", s.cfg.RandomMatching)
	return nil
}

func (s *Service) handleCommand(parent context.Context, data []byte) {
	cmd, err := protocol.ParseMatchCommand(data)
	if err != nil {
		s.log.Warn("invalid match command", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	if err := s.HandleCommand(ctx, cmd); err != nil {
		s.log.Error("match command failed", "action", cmd.Action, "user", cmd.UserID, "err", err)
		s.notify(ctx, cmd.UserID, protocol.TypeTryAgain, nil)
	}
}

// HandleCommand executes cmd and sends the resulting notices. Returned errors
// are infrastructure failures; policy outcomes are reported as notices.
func (s *Service) HandleCommand(ctx context.Context, cmd protocol.MatchCommand) error {
	switch cmd.Action {
	case protocol.ActionSearch:
		return s.handleSearch(ctx, cmd)

	case protocol.ActionCancel:
		removed, err := s.Cancel(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		if removed {
			s.notify(ctx, cmd.UserID, protocol.TypeSearchCancelled, nil)
		} else {
			s.notify(ctx, cmd.UserID, protocol.TypeNothingToCancel, nil)
		}
		return nil

	case protocol.ActionEnd:
		p, err := s.EndConversation(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		if p == nil {
			s.notify(ctx, cmd.UserID, protocol.TypeNoConversation, nil)
			return nil
		}
		other, _ := p.OtherUser(cmd.UserID)
		s.notify(ctx, cmd.UserID, protocol.TypeConversationEnded, protocol.PairNotice{PairID: p.ID})
		s.notify(ctx, other, protocol.TypePartnerLeft, protocol.PairNotice{PairID: p.ID})
		return nil

	case protocol.ActionRate:
		ok, err := s.Rate(ctx, cmd.UserID, cmd.PairID, cmd.Rating)
		if err != nil && !errors.Is(err, pair.ErrInvalidRating) {
			return err
		}
		if ok {
			s.notify(ctx, cmd.UserID, protocol.TypeRatingSaved, protocol.PairNotice{PairID: cmd.PairID})
		} else {
			s.notify(ctx, cmd.UserID, protocol.TypeRatingRejected, protocol.PairNotice{PairID: cmd.PairID})
		}
		return nil

	case protocol.ActionStats:
		st, err := s.GetMatchStats(ctx)
		if err != nil {
			return err
		}
		s.notify(ctx, cmd.UserID, protocol.TypeStats, protocol.StatsNotice{
			ActivePairs:  st.ActivePairs,
			TotalUsers:   st.TotalUsers,
			PremiumUsers: st.PremiumUsers,
			MatchRate:    st.MatchRate,
		})
		return nil
	}
	return nil
}

func (s *Service) handleSearch(ctx context.Context, cmd protocol.MatchCommand) error {
	res, err := s.Search(ctx, cmd.UserID, cmd.PlatformID)
	if errors.Is(err, ErrUnknownUser) {
		s.log.Warn("search from unknown user", "user", cmd.UserID)
		return nil
	}
	if err != nil {
		return err
	}

	switch res.Status {
	case SearchMatched:
		if err := PublishMatchFound(ctx, s.sender, res.Pair, res.Seeker, res.Partner); err != nil {
			s.log.Error("publish match", "pair", res.Pair.ID, "err", err)
		}
	case SearchQueued, SearchAlreadyQueued:
		s.notify(ctx, cmd.UserID, protocol.TypeSearching, nil)
	case SearchAlreadyChatting:
		s.notify(ctx, cmd.UserID, protocol.TypeAlreadyChatting, nil)
	case SearchBanned:
		var until int64
		if !res.BannedUntil.IsZero() {
			until = res.BannedUntil.Unix()
		}
		s.notify(ctx, cmd.UserID, protocol.TypeBanned, protocol.BannedNotice{Until: until})
	case SearchRateLimited:
		s.notify(ctx, cmd.UserID, protocol.TypeRateLimited, protocol.RateLimitedNotice{
			RetryAfter: int(res.RetryAfter.Seconds()),
		})
	}
	return nil
}

func (s *Service) notify(ctx context.Context, userID int64, msgType string, payload any) {
	r, err := protocol.Notify(userID, msgType, payload)
	if err == nil {
		err = s.sender.Send(ctx, r)
	}
	if err != nil {
		s.log.Warn("send notice", "user", userID, "type", msgType, "err", err)
	}
}

// statsLoop refreshes the queue and pair gauges.
func (s *Service) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.queue.Size(ctx); err == nil {
				metrics.QueueSize.Set(float64(n))
			}
			if n, err := s.pairs.CountActive(ctx); err == nil {
				metrics.ActivePairs.Set(float64(n))
			}
		}
	}
}
