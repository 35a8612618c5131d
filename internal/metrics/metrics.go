// Package metrics exposes Prometheus collectors for scans, fraud issues
// and automatic checkouts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan outcomes.
const (
	OutcomeRecorded     = "recorded"
	OutcomeBlocked      = "blocked"
	OutcomeInvalidToken = "invalid_token"
	OutcomeError        = "error"
)

var (
	scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "scans_total",
		Help:      "Scans handled by the recorder, by direction and outcome.",
	}, []string{"direction", "outcome"})

	issues = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "fraud_issues_total",
		Help:      "Fraud issues raised, by kind and severity.",
	}, []string{"kind", "severity"})

	overrides = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "overrides_total",
		Help:      "Scans recorded with an admin override or skipped fraud check.",
	})

	conflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "append_conflicts_total",
		Help:      "Conditional appends that lost a race.",
	})

	autoCheckouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "auto_checkouts_total",
		Help:      "Sessions closed by the sweep, by activity.",
	}, []string{"activity_id"})

	recordLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendguard",
		Name:      "record_duration_seconds",
		Help:      "Latency of a record call including lock wait.",
		Buckets:   prometheus.DefBuckets,
	})

	sweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendguard",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one auto-checkout sweep.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Scan counts one recorder outcome.
func Scan(direction, outcome string) {
	scans.WithLabelValues(direction, outcome).Inc()
}

// Issue counts one fraud issue.
func Issue(kind, severity string) {
	issues.WithLabelValues(kind, severity).Inc()
}

// Override counts one overridden or unchecked scan.
func Override() { overrides.Inc() }

// Conflict counts one lost conditional append.
func Conflict() { conflicts.Inc() }

// AutoCheckout counts one swept session.
func AutoCheckout(activityID string) {
	autoCheckouts.WithLabelValues(activityID).Inc()
}

// RecordDuration observes one record call.
func RecordDuration(seconds float64) { recordLatency.Observe(seconds) }

// SweepDuration observes one sweep.
func SweepDuration(seconds float64) { sweepLatency.Observe(seconds) }
