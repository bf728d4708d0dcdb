// Package metrics registers the Prometheus collectors for the decision
// core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Result cache outcomes by tier ("distributed", "local").
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_result_cache_hits_total",
		Help: "Result cache hits by tier",
	}, []string{"tier"})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kestrel_result_cache_misses_total",
		Help: "Result cache full misses forcing recomputation",
	})

	// Risk decisions by outcome.
	RiskDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_risk_decisions_total",
		Help: "Risk decisions by outcome",
	}, []string{"decision"})

	// Which scoring path served a recommendation ("model", "fallback").
	ScoringPath = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kestrel_recommendation_scoring_total",
		Help: "Recommendations served by scoring path",
	}, []string{"source"})

	// Latency of the scoring handlers.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kestrel_request_latency_seconds",
		Help:    "Latency of scoring handlers",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})
)

// Init registers all collectors with the default registry.
func Init() {
	prometheus.MustRegister(
		CacheHits,
		CacheMisses,
		RiskDecisions,
		ScoringPath,
		RequestLatency,
	)
}
