// Package metrics holds the process-wide Prometheus collectors. Everything is
// registered on the default registry and served by promhttp at /metrics.
// Labels never carry query text, owner or conversation IDs.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejavu_router_decisions_total",
			Help: "Query classifications by route and whether the fail policy was applied",
		},
		[]string{"route", "fallback"},
	)

	matcherResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejavu_matcher_results_total",
			Help: "Matcher outcomes by sampled tier (precision, discovery, surprise, own_history, none, timeout)",
		},
		[]string{"tier"},
	)

	matcherLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dejavu_matcher_latency_seconds",
			Help:    "Similarity search latency in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
	)

	decoyVariants = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejavu_decoy_variants_total",
			Help: "Decoy variants by outcome (created, dropped)",
		},
		[]string{"outcome"},
	)

	decoyBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejavu_decoy_batches_total",
			Help: "Decoy generation jobs by outcome (stored, empty, failed)",
		},
		[]string{"outcome"},
	)

	gateOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejavu_gate_outcomes_total",
			Help: "Feedback resolutions by outcome",
		},
		[]string{"outcome"},
	)

	decoysExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dejavu_decoys_expired_total",
			Help: "Pending decoys discarded by the TTL reaper",
		},
	)

	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dejavu_provider_latency_seconds",
			Help:    "Generation provider call latency by caller and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"caller", "status"},
	)

	policyViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejavu_policy_violations_total",
			Help: "Provider content-policy rejections by caller",
		},
		[]string{"caller"},
	)
)

// RecordRoute records one classification.
func RecordRoute(route string, fallback bool) {
	routerDecisions.WithLabelValues(route, strconv.FormatBool(fallback)).Inc()
}

// RecordMatch records a matcher outcome and its latency.
func RecordMatch(tier string, elapsed time.Duration) {
	matcherResults.WithLabelValues(tier).Inc()
	matcherLatency.Observe(elapsed.Seconds())
}

// RecordVariant records one decoy variant outcome.
func RecordVariant(outcome string) {
	decoyVariants.WithLabelValues(outcome).Inc()
}

// RecordBatch records the outcome of a decoy generation job.
func RecordBatch(outcome string) {
	decoyBatches.WithLabelValues(outcome).Inc()
}

// RecordGateOutcome records a feedback resolution.
func RecordGateOutcome(outcome string) {
	gateOutcomes.WithLabelValues(outcome).Inc()
}

// RecordExpired records decoys discarded by the reaper.
func RecordExpired(n int64) {
	if n > 0 {
		decoysExpired.Add(float64(n))
	}
}

// ObserveProvider records the latency of a generation call.
func ObserveProvider(caller string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	providerLatency.WithLabelValues(caller, status).Observe(time.Since(start).Seconds())
}

// RecordPolicyViolation records a content-policy rejection.
func RecordPolicyViolation(caller string) {
	policyViolations.WithLabelValues(caller).Inc()
}
