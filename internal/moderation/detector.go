package moderation

import (
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/protocol"
)

// Detector runs the spam checks against message text. It holds no state and
// is safe for concurrent use.
type Detector struct {
	checks []check
}

func NewDetector() *Detector {
	return &Detector{checks: checks}
}

// Check returns one Finding per matching pattern, in check order. Clean
// text yields nil. Text is NFKC-normalized first, so full-width and other
// compatibility forms ("ｗｗｗ．") match like their ASCII equivalents.
func (d *Detector) Check(text string) []Finding {
	if text == "" {
		return nil
	}
	text = norm.NFKC.String(text)
	var out []Finding
	for _, c := range d.checks {
		if c.match(text) {
			out = append(out, Finding{Type: c.vtype, Term: c.term, Severity: c.severity})
		}
	}
	return out
}

// Publisher emits violation events. *messaging.NATSClient implements it.
type Publisher interface {
	PublishViolation(v protocol.ViolationRecorded) error
}

// Tap delivers a copy of every inbound event without competing with the
// gate's queue group. *messaging.NATSClient implements it.
type Tap interface {
	TapInbound(handler messaging.Handler) error
}

// Watcher inspects inbound text events and reports violations.
type Watcher struct {
	detector *Detector
	pub      Publisher
	now      func() time.Time
	log      *slog.Logger
}

func NewWatcher(detector *Detector, pub Publisher) *Watcher {
	return &Watcher{
		detector: detector,
		pub:      pub,
		now:      time.Now,
		log:      logger.With("component", "moderation"),
	}
}

// Start subscribes to the inbound tap.
func (w *Watcher) Start(tap Tap) error {
	return tap.TapInbound(func(data []byte) {
		ev, err := protocol.ParseInbound(data)
		if err != nil {
			w.log.Debug("skip unparseable inbound event", "err", err)
			return
		}
		w.Inspect(ev)
	})
}

// Inspect checks one event and publishes at most one violation per type.
// It returns the violations it published.
func (w *Watcher) Inspect(ev protocol.InboundEvent) []protocol.ViolationRecorded {
	findings := w.detector.Check(ev.Text())
	if len(findings) == 0 {
		return nil
	}

	now := w.now().UTC()
	seen := make(map[string]bool, len(findings))
	var published []protocol.ViolationRecorded
	for _, f := range findings {
		if seen[f.Type] {
			continue
		}
		seen[f.Type] = true

		v := f.Violation(ev)
		v.DetectedAt = now
		if err := w.pub.PublishViolation(v); err != nil {
			w.log.Error("publish violation", "user", ev.SenderUserID, "type", f.Type, "err", err)
			continue
		}
		metrics.Detections.WithLabelValues(f.Term).Inc()
		w.log.Info("violation detected", "user", ev.SenderUserID, "type", f.Type, "term", f.Term)
		published = append(published, v)
	}
	return published
}
