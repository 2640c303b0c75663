// Package gate decides what happens to every inbound chat event. The gate
// resolves the sender's active pair, checks the partner, the sender's
// cooldown and the partner's safe mode, and returns the relay instructions
// the send primitive must carry out. It never talks to the transport itself.
package gate

import (
	"context"
	"log/slog"
	"time"

	"github.com/kyla/chatcore/internal/chat"
	"github.com/kyla/chatcore/internal/config"
	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/protocol"
	"github.com/kyla/chatcore/internal/user"
)

// Outcome is the gate's verdict on one event.
type Outcome string

const (
	OutcomeRelayed            Outcome = "relayed"
	OutcomeNoConversation     Outcome = "no_conversation"
	OutcomePairDeleted        Outcome = "pair_deleted"
	OutcomeBlocked            Outcome = "blocked"
	OutcomeLocked             Outcome = "locked"
	OutcomeSafeModeRestricted Outcome = "safe_mode_restricted"
)

// Decision is the result of Handle. Instructions are delivered in order.
type Decision struct {
	Outcome      Outcome
	PairID       int64 // 0 when the sender had no active pair
	Instructions []protocol.Relay
}

// Pairs is the part of pair.Store the gate needs.
type Pairs interface {
	FindActiveByUser(ctx context.Context, userID int64) (*pair.Pair, error)
	End(ctx context.Context, id, endedBy int64, reason string) (bool, error)
	Block(ctx context.Context, id, endedBy int64, reason string) (bool, error)
	RecordMessage(ctx context.Context, id int64, at time.Time) error
}

// Grants answers whether a safe-mode user allows media in a pair.
// *safemode.RedisGrants implements it.
type Grants interface {
	HasGrant(ctx context.Context, granterID, pairID int64) (bool, error)
}

// Prompter throttles media_request prompts. *safemode.Service implements it.
type Prompter interface {
	PromptAllowed(ctx context.Context, pairID int64) bool
}

// ConversationLog receives every relayed message and is dropped when the
// gate closes the pair. *chat.Log implements it.
type ConversationLog interface {
	Append(ctx context.Context, e chat.LogEntry) error
	Remove(ctx context.Context, pairID int64) error
}

// Gate applies the per-message relay policy.
type Gate struct {
	pairs    Pairs
	users    user.Directory
	grants   Grants
	prompter Prompter
	convLog  ConversationLog
	flags    NoticeFlags
	cool     Cooldowns
	cfg      config.GateConfig
	now      func() time.Time
	log      *slog.Logger
}

type Option func(*Gate)

// WithPrompter enables media_request prompts to safe-mode partners.
func WithPrompter(p Prompter) Option { return func(g *Gate) { g.prompter = p } }

func WithConversationLog(l ConversationLog) Option { return func(g *Gate) { g.convLog = l } }

// WithNoticeFlags enables the one-time partner_inactive notice.
func WithNoticeFlags(f NoticeFlags) Option { return func(g *Gate) { g.flags = f } }

// WithCooldowns makes the sender cooldown atomic across relay workers.
func WithCooldowns(c Cooldowns) Option { return func(g *Gate) { g.cool = c } }

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.log = l } }

func New(pairs Pairs, users user.Directory, grants Grants, cfg config.GateConfig, opts ...Option) *Gate {
	g := &Gate{
		pairs:  pairs,
		users:  users,
		grants: grants,
		cfg:    cfg,
		now:    time.Now,
		log:    logger.With("component", "gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle runs the policy for ev. A returned error is an infrastructure
// failure; the event is then dropped and nothing was relayed.
func (g *Gate) Handle(ctx context.Context, ev protocol.InboundEvent) (Decision, error) {
	start := time.Now()
	d, err := g.decide(ctx, ev)
	metrics.GateLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GateDecisions.WithLabelValues("error").Inc()
		return Decision{}, err
	}
	metrics.GateDecisions.WithLabelValues(string(d.Outcome)).Inc()
	return d, nil
}

func (g *Gate) decide(ctx context.Context, ev protocol.InboundEvent) (Decision, error) {
	senderID := ev.SenderUserID

	p, err := g.pairs.FindActiveByUser(ctx, senderID)
	if err != nil {
		return Decision{}, err
	}
	if p == nil {
		return reply(OutcomeNoConversation, 0, senderID, protocol.TypeNoConversation), nil
	}

	partnerID, _ := p.OtherUser(senderID)
	partner, err := g.users.Get(ctx, partnerID)
	if err != nil {
		return Decision{}, err
	}
	if partner == nil {
		if err := g.finish(ctx, p, senderID, pair.ReasonPartnerDeleted, g.pairs.End); err != nil {
			return Decision{}, err
		}
		return reply(OutcomePairDeleted, p.ID, senderID, protocol.TypePairDeleted), nil
	}

	now := g.now()
	switch {
	case partner.Restricted(now):
		if err := g.finish(ctx, p, senderID, pair.ReasonPartnerBanned, g.pairs.Block); err != nil {
			return Decision{}, err
		}
		return reply(OutcomeBlocked, p.ID, senderID, protocol.TypeBlocked), nil
	case partner.IdleFor(now) > g.cfg.PartnerStaleAfter:
		if err := g.finish(ctx, p, senderID, pair.ReasonPartnerInactive, g.pairs.End); err != nil {
			return Decision{}, err
		}
		return reply(OutcomePairDeleted, p.ID, senderID, protocol.TypePairDeleted), nil
	}

	sender, err := g.users.Get(ctx, senderID)
	if err != nil {
		return Decision{}, err
	}
	if sender != nil && !sender.LastMessageAt.IsZero() && now.Sub(sender.LastMessageAt) < g.cfg.RateLimitWindow {
		return reply(OutcomeLocked, p.ID, senderID, protocol.TypeLocked), nil
	}

	if ev.IsMedia() && partner.SafeMode {
		granted, err := g.grants.HasGrant(ctx, partnerID, p.ID)
		if err != nil {
			return Decision{}, err
		}
		if !granted {
			d := reply(OutcomeSafeModeRestricted, p.ID, senderID, protocol.TypeSafeModeRestricted)
			if g.prompter != nil && g.prompter.PromptAllowed(ctx, p.ID) {
				d.Instructions = append(d.Instructions,
					protocol.MustNotify(partnerID, protocol.TypeMediaRequest, protocol.PairNotice{PairID: p.ID}))
			}
			return d, nil
		}
	}

	claimed, err := g.claimCooldown(ctx, senderID)
	if err != nil {
		return Decision{}, err
	}
	if !claimed {
		return reply(OutcomeLocked, p.ID, senderID, protocol.TypeLocked), nil
	}

	d := Decision{
		Outcome:      OutcomeRelayed,
		PairID:       p.ID,
		Instructions: []protocol.Relay{protocol.Forward(partnerID, ev)},
	}
	if g.shouldNudge(ctx, p.ID, partner, now) {
		d.Instructions = append(d.Instructions,
			protocol.MustNotify(senderID, protocol.TypePartnerInactive, protocol.PairNotice{PairID: p.ID}))
	}
	g.recordRelay(ctx, p, ev, now)
	return d, nil
}

// finish ends p through end and counts the reason. A concurrent end that got
// there first is not an error.
func (g *Gate) finish(ctx context.Context, p *pair.Pair, by int64, reason string,
	end func(ctx context.Context, id, endedBy int64, reason string) (bool, error)) error {
	ended, err := end(ctx, p.ID, by, reason)
	if err != nil {
		return err
	}
	if !ended {
		return nil
	}
	metrics.PairsEnded.WithLabelValues(reason).Inc()
	g.log.Info("pair closed by gate", "pair", p.ID, "reason", reason)
	if g.convLog != nil {
		if err := g.convLog.Remove(ctx, p.ID); err != nil {
			g.log.Warn("remove conversation log", "pair", p.ID, "err", err)
		}
	}
	return nil
}

// claimCooldown takes the sender's relay slot for the rate-limit window.
// Without Cooldowns the LastMessageAt check above is the only guard.
func (g *Gate) claimCooldown(ctx context.Context, senderID int64) (bool, error) {
	if g.cool == nil || g.cfg.RateLimitWindow <= 0 {
		return true, nil
	}
	return g.cool.ClaimCooldown(ctx, senderID, g.cfg.RateLimitWindow)
}

// shouldNudge reports whether the sender gets the one-time partner_inactive
// notice for this pair.
func (g *Gate) shouldNudge(ctx context.Context, pairID int64, partner *user.User, now time.Time) bool {
	if g.flags == nil || g.cfg.InactivityNoticeAt <= 0 || partner.IdleFor(now) <= g.cfg.InactivityNoticeAt {
		return false
	}
	first, err := g.flags.MarkInactivityNotice(ctx, pairID, g.cfg.InactivityNoticeTTL)
	if err != nil {
		g.log.Warn("inactivity notice flag", "pair", pairID, "err", err)
		return false
	}
	return first
}

// recordRelay updates timestamps, the conversation log and the pair
// counters. All of it is best-effort.
func (g *Gate) recordRelay(ctx context.Context, p *pair.Pair, ev protocol.InboundEvent, now time.Time) {
	if err := g.users.TouchMessage(ctx, ev.SenderUserID, now); err != nil {
		g.log.Warn("touch sender", "user", ev.SenderUserID, "err", err)
	}
	if g.convLog != nil {
		err := g.convLog.Append(ctx, chat.LogEntry{
			ID:           ev.ID,
			PairID:       p.ID,
			SenderUserID: ev.SenderUserID,
			EventType:    ev.EventType,
			Payload:      ev.Payload,
			At:           now.UnixMilli(),
		})
		if err != nil {
			g.log.Warn("append conversation log", "pair", p.ID, "err", err)
		}
	}
	if err := g.pairs.RecordMessage(ctx, p.ID, now); err != nil {
		g.log.Warn("record message", "pair", p.ID, "err", err)
	}
}

func reply(o Outcome, pairID, target int64, msgType string) Decision {
	return Decision{
		Outcome:      o,
		PairID:       pairID,
		Instructions: []protocol.Relay{protocol.MustNotify(target, msgType, nil)},
	}
}
