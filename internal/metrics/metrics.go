// Package metrics provides Prometheus instrumentation for the pairing core.
// It exposes gauges for queue and pair counts, counters for match attempts,
// gate decisions and violations, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchAttempts counts matcher steps labeled by result: "matched",
	// "no_candidate", "claim_lost", "seeker_busy" or "error".
	MatchAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kyla_match_attempts_total",
		Help: "Matcher attempts by result",
	}, []string{"result"})

	// MatchWait records how long the claimed entry waited in the queue.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kyla_match_wait_seconds",
		Help:    "Time a waiting entry spent in the queue before being claimed",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})

	// QueueSize tracks the current number of waiting entries.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kyla_queue_size",
		Help: "Current number of waiting entries",
	})

	// SweepMatches counts pairs formed by the periodic queue sweep.
	SweepMatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kyla_sweep_matches_total",
		Help: "Pairs formed by the periodic sweep over waiting entries",
	})

	// QueueExpired counts entries removed by queue expiry.
	QueueExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kyla_queue_expired_total",
		Help: "Waiting entries removed because they exceeded the queue TTL",
	})

	// ActivePairs tracks the current number of active pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kyla_active_pairs",
		Help: "Current number of active pairs",
	})

	// PairsEnded counts pair terminations labeled by reason.
	PairsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kyla_pairs_ended_total",
		Help: "Pairs ended by reason",
	}, []string{"reason"})

	// GateDecisions counts inbound events by gate outcome.
	GateDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kyla_gate_decisions_total",
		Help: "Inbound chat events by gate outcome",
	}, []string{"outcome"})

	// GateLatency records the time spent deciding on one inbound event.
	GateLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kyla_gate_latency_seconds",
		Help:    "Gate decision latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// Violations counts recorded violations labeled by type.
	Violations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kyla_violations_total",
		Help: "Recorded violations by type",
	}, []string{"type"})

	// Detections counts moderation pattern matches labeled by term.
	Detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kyla_moderation_detections_total",
		Help: "Spam pattern matches by term",
	}, []string{"term"})

	// SoftBans counts soft bans that were actually applied.
	SoftBans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kyla_soft_bans_total",
		Help: "Soft bans applied by violation escalation",
	})
)

func init() {
	prometheus.MustRegister(
		MatchAttempts,
		MatchWait,
		QueueSize,
		QueueExpired,
		SweepMatches,
		ActivePairs,
		PairsEnded,
		GateDecisions,
		GateLatency,
		Violations,
		Detections,
		SoftBans,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
