package safemode

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/kyla/chatcore/internal/config"
	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/protocol"
	"github.com/kyla/chatcore/internal/ratelimit"
	"github.com/kyla/chatcore/internal/user"
)

const commandTimeout = 5 * time.Second

// Pairs resolves the pair a command refers to.
type Pairs interface {
	FindActiveByUser(ctx context.Context, userID int64) (*pair.Pair, error)
}

// Limiter throttles media prompts. *ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// CommandSource delivers safe-mode commands. *messaging.NATSClient
// implements it.
type CommandSource interface {
	SubscribeSafeModeCommand(handler messaging.Handler) error
}

// Service runs the media consent sub-protocol: a sender asks the partner to
// enable media, the partner grants it for the current pair, and either side
// may toggle their own safe mode.
type Service struct {
	grants     Grants
	pairs      Pairs
	users      user.Directory
	sender     messaging.Sender
	limiter    Limiter
	promptRule ratelimit.Rule
	log        *slog.Logger
}

// NewService wires the safe-mode service. limiter may be nil, in which case
// prompts are never throttled.
func NewService(grants Grants, pairs Pairs, users user.Directory, sender messaging.Sender, limiter Limiter, cfg config.GateConfig) *Service {
	return &Service{
		grants:     grants,
		pairs:      pairs,
		users:      users,
		sender:     sender,
		limiter:    limiter,
		promptRule: ratelimit.MediaRequestRule(cfg.MediaRequestInterval),
		log:        logger.With("component", "safemode"),
	}
}

// PromptAllowed takes one slot of the per-pair media prompt budget. It
// reports whether a media_request may be sent to the partner now.
func (s *Service) PromptAllowed(ctx context.Context, pairID int64) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(ctx, "pair:"+strconv.FormatInt(pairID, 10), s.promptRule)
	return ok
}

// RequestMedia asks the requester's partner to allow media. It reports
// whether the prompt went out.
func (s *Service) RequestMedia(ctx context.Context, requesterID int64) (bool, error) {
	p, err := s.pairs.FindActiveByUser(ctx, requesterID)
	if err != nil {
		return false, err
	}
	if p == nil {
		s.notify(ctx, requesterID, protocol.TypeNoConversation, nil)
		return false, nil
	}
	partnerID, _ := p.OtherUser(requesterID)

	if !s.PromptAllowed(ctx, p.ID) {
		s.log.Debug("media prompt throttled", "pair", p.ID)
		return false, nil
	}
	s.notify(ctx, partnerID, protocol.TypeMediaRequest, protocol.PairNotice{PairID: p.ID})
	return true, nil
}

// GrantMedia lets the granter's current partner send media until the grant
// expires or the granter re-enables safe mode.
func (s *Service) GrantMedia(ctx context.Context, granterID int64) (*pair.Pair, error) {
	p, err := s.pairs.FindActiveByUser(ctx, granterID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		s.notify(ctx, granterID, protocol.TypeNoConversation, nil)
		return nil, nil
	}
	if err := s.grants.SetGrant(ctx, granterID, p.ID); err != nil {
		return nil, err
	}

	partnerID, _ := p.OtherUser(granterID)
	s.notify(ctx, granterID, protocol.TypeMediaGranted, protocol.PairNotice{PairID: p.ID})
	s.notify(ctx, partnerID, protocol.TypeMediaGranted, protocol.PairNotice{PairID: p.ID})
	s.log.Info("media granted", "pair", p.ID, "granter", granterID)
	return p, nil
}

// SetSafeMode toggles the user's safe mode. Turning it on drops any live
// grant before the flag changes, so no media slips through in between. The
// partner the grant was for is told media is off again.
func (s *Service) SetSafeMode(ctx context.Context, userID int64, enabled bool) error {
	var revoked *Grant
	if enabled {
		gr, err := s.grants.Lookup(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.grants.ClearGrant(ctx, userID); err != nil {
			return err
		}
		revoked = gr
	}
	if err := s.users.SetSafeMode(ctx, userID, enabled); err != nil {
		return err
	}
	s.notify(ctx, userID, protocol.TypeSafeModeChanged, protocol.SafeModeNotice{Enabled: enabled})
	if revoked != nil {
		s.announceRevoked(ctx, userID, revoked)
	}
	return nil
}

// announceRevoked notifies the other side of gr's pair while that pair is
// still the granter's active one.
func (s *Service) announceRevoked(ctx context.Context, granterID int64, gr *Grant) {
	p, err := s.pairs.FindActiveByUser(ctx, granterID)
	if err != nil {
		s.log.Warn("resolve pair of revoked grant", "user", granterID, "err", err)
		return
	}
	if p == nil || p.ID != gr.PairID {
		return
	}
	partnerID, _ := p.OtherUser(granterID)
	s.notify(ctx, partnerID, protocol.TypeMediaRevoked, protocol.PairNotice{PairID: p.ID})
	s.log.Info("media grant revoked", "pair", p.ID, "granter", granterID)
}

// HandleCommand executes one safe-mode command.
func (s *Service) HandleCommand(ctx context.Context, cmd protocol.SafeModeCommand) error {
	switch cmd.Action {
	case protocol.ActionRequestMedia:
		_, err := s.RequestMedia(ctx, cmd.UserID)
		return err
	case protocol.ActionGrantMedia:
		_, err := s.GrantMedia(ctx, cmd.UserID)
		return err
	case protocol.ActionEnable:
		return s.SetSafeMode(ctx, cmd.UserID, true)
	case protocol.ActionDisable:
		return s.SetSafeMode(ctx, cmd.UserID, false)
	}
	return nil
}

// Start subscribes to safe-mode commands until the subscription is closed.
func (s *Service) Start(ctx context.Context, src CommandSource) error {
	return src.SubscribeSafeModeCommand(func(data []byte) {
		cmd, err := protocol.ParseSafeModeCommand(data)
		if err != nil {
			s.log.Warn("invalid safe mode command", "err", err)
			return
		}
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		if err := s.HandleCommand(cctx, cmd); err != nil {
			s.log.Error("safe mode command failed", "action", cmd.Action, "user", cmd.UserID, "err", err)
			s.notify(cctx, cmd.UserID, protocol.TypeTryAgain, nil)
		}
	})
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
