// Package metrics provides Prometheus metrics for the marketplace engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"marketline/internal/domain"
)

// Applications counts ApplyForOffer calls by outcome ("accepted" or the
// failure kind).
var Applications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "applications_total",
	Help:      "Applications for offers by outcome.",
}, []string{"outcome"})

// Transitions counts agreement state machine actions by outcome.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "agreement_transitions_total",
	Help:      "Agreement transitions by action and outcome.",
}, []string{"action", "outcome"})

// OffersExpired counts offers moved to EXPIRED, by path ("lazy" or "sweep").
var OffersExpired = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "offers_expired_total",
	Help:      "Offers moved to EXPIRED.",
}, []string{"path"})

// ExecutionMutations counts execution tracker actions by outcome.
var ExecutionMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "execution_mutations_total",
	Help:      "Execution tracker mutations by action and outcome.",
}, []string{"action", "outcome"})

// OperationLatency tracks engine write operation duration in seconds.
var OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "marketline",
	Name:      "operation_latency_seconds",
	Help:      "Engine write operation duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

// SweepRuns counts expiry sweeper iterations.
var SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketline",
	Name:      "expiry_sweeps_total",
	Help:      "Expiry sweeper runs by outcome.",
}, []string{"outcome"})

// Outcome maps an operation error to a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := domain.KindOf(err); kind != "" {
		return domain.Code(kind)
	}
	return "error"
}
