package violation

import (
	"context"
	"log/slog"
	"time"

	"github.com/kyla/chatcore/internal/config"
	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/protocol"
)

const eventTimeout = 5 * time.Second

// Banner applies soft bans. SoftBan reports false when the user was already
// restricted and nothing changed. *ban.Enforcer implements it.
type Banner interface {
	SoftBan(ctx context.Context, userID int64, d time.Duration, reason string) (bool, error)
}

// Source delivers ViolationRecorded events. *messaging.NATSClient
// implements it.
type Source interface {
	SubscribeViolation(handler messaging.Handler) error
}

// Tracker counts violations over a rolling window and escalates repeated
// promotion violations.
type Tracker struct {
	repo   Repository
	banner Banner
	policy config.ViolationConfig
	now    func() time.Time
	log    *slog.Logger
}

func NewTracker(repo Repository, banner Banner, policy config.ViolationConfig) *Tracker {
	return &Tracker{
		repo:   repo,
		banner: banner,
		policy: policy,
		now:    time.Now,
		log:    logger.With("component", "violation"),
	}
}

// Record persists one violation. A zero detectedAt means now. The returned
// bool is false when eventID was already recorded.
func (t *Tracker) Record(ctx context.Context, eventID string, userID int64, violationType, severity string, detectedAt time.Time) (*Violation, bool, error) {
	if detectedAt.IsZero() {
		detectedAt = t.now()
	}
	if severity == "" {
		severity = protocol.SeverityLow
	}
	v := &Violation{
		EventID:       eventID,
		UserID:        userID,
		ViolationType: violationType,
		Severity:      severity,
		DetectedAt:    detectedAt,
	}
	inserted, err := t.repo.Insert(ctx, v)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		metrics.Violations.WithLabelValues(violationType).Inc()
	}
	return v, inserted, nil
}

// CountRecent counts the user's violations of one type in the trailing
// window.
func (t *Tracker) CountRecent(ctx context.Context, userID int64, violationType string, window time.Duration) (int, error) {
	return t.repo.CountRecent(ctx, userID, violationType, t.now().Add(-window))
}

// ShouldEscalate reports whether the user reached the promotion threshold
// in the trailing window.
func (t *Tracker) ShouldEscalate(ctx context.Context, userID int64) (bool, error) {
	return t.shouldEscalateAt(ctx, userID, t.now())
}

func (t *Tracker) shouldEscalateAt(ctx context.Context, userID int64, at time.Time) (bool, error) {
	n, err := t.repo.CountRecent(ctx, userID, TypePromotion, at.Add(-t.policy.PromotionWindow))
	if err != nil {
		return false, err
	}
	return n >= t.policy.PromotionThreshold, nil
}

// Handle records ev and applies the escalation policy. The window is
// anchored at the event's detection time so that delayed deliveries are
// judged by when they happened. A redelivered promotion event whose row was
// never acted upon is escalated again; one that was acted upon is not.
func (t *Tracker) Handle(ctx context.Context, ev protocol.ViolationRecorded) (*Violation, error) {
	v, inserted, err := t.Record(ctx, ev.EventID, ev.UserID, ev.ViolationType, ev.Severity, ev.DetectedAt)
	if err != nil {
		return nil, err
	}
	if !inserted {
		stored, err := t.repo.FindByEvent(ctx, ev.EventID)
		if err != nil {
			return v, err
		}
		if stored == nil || stored.ActionTaken != "" {
			t.log.Debug("duplicate violation event", "event", ev.EventID, "user", ev.UserID)
			return v, nil
		}
		v = stored
	}
	if v.ViolationType != TypePromotion {
		return v, nil
	}
	return v, t.escalate(ctx, v)
}

// escalate soft-bans v's user when the promotion threshold is reached at
// v.DetectedAt and backfills the action on v's row.
func (t *Tracker) escalate(ctx context.Context, v *Violation) error {
	escalate, err := t.shouldEscalateAt(ctx, v.UserID, v.DetectedAt)
	if err != nil || !escalate {
		return err
	}

	applied, err := t.banner.SoftBan(ctx, v.UserID, t.policy.SoftBanDuration, v.ViolationType)
	if err != nil {
		return err
	}

	action, minutes := ActionAlreadyRestricted, 0
	if applied {
		action, minutes = ActionSoftBan, int(t.policy.SoftBanDuration.Minutes())
	}
	if err := t.repo.SetAction(ctx, v.ID, action, minutes); err != nil {
		return err
	}
	v.ActionTaken, v.BanDurationMinutes = action, minutes

	t.log.Info("violation escalated",
		"user", v.UserID,
		"violation", v.ID,
		"action", action,
		"ban_minutes", minutes,
	)
	return nil
}

// Start consumes violation events until the subscription is closed.
func (t *Tracker) Start(ctx context.Context, src Source) error {
	return src.SubscribeViolation(func(data []byte) {
		ev, err := protocol.ParseViolation(data)
		if err != nil {
			t.log.Warn("invalid violation event", "err", err)
			return
		}
		cctx, cancel := context.WithTimeout(ctx, eventTimeout)
		defer cancel()
		if _, err := t.Handle(cctx, ev); err != nil {
			t.log.Error("handle violation", "event", ev.EventID, "user", ev.UserID, "err", err)
		}
	})
}
