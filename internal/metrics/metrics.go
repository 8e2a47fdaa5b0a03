// Package metrics holds the Prometheus collectors for the pipeline's own
// stages, distinct from middleware.Metrics, which tracks the HTTP layer
// around them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline holds the collectors the Orchestrator and its stages update.
type Pipeline struct {
	CacheHitsTotal          *prometheus.CounterVec
	RerankFallbackTotal     prometheus.Counter
	FaithfulnessScore       prometheus.Histogram
	FaithfulnessFallback    prometheus.Counter
	ClassifierFallbackTotal *prometheus.CounterVec
	RetrievalFilterFallback prometheus.Counter
	StageLatency            *prometheus.HistogramVec
}

// NewPipeline creates and registers the pipeline-stage collectors against
// reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	m := &Pipeline{
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_response_cache_total",
				Help: "Total response cache lookups by outcome (hit, miss, disabled).",
			},
			[]string{"outcome"},
		),
		RerankFallbackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_rerank_fallback_total",
				Help: "Total rerank calls that degraded to upstream order on timeout or error.",
			},
		),
		FaithfulnessScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_faithfulness_score",
				Help:    "Distribution of faithfulness judge scores in [0,1].",
				Buckets: []float64{0.0, 0.1, 0.3, 0.5, 0.7, 0.85, 1.0},
			},
		),
		FaithfulnessFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_faithfulness_web_fallback_total",
				Help: "Total answers that triggered the web-search faithfulness fallback.",
			},
		),
		ClassifierFallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_classifier_fallback_total",
				Help: "Total classifier calls that degraded to the keyword heuristic, by reason.",
			},
			[]string{"reason"},
		),
		RetrievalFilterFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pipeline_retrieval_filter_fallback_total",
				Help: "Total retrieval calls that retried without the metadata filter.",
			},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_latency_ms",
				Help:    "Per-stage latency in milliseconds.",
				Buckets: []float64{5, 20, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 20000},
			},
			[]string{"stage"},
		),
	}

	reg.MustRegister(
		m.CacheHitsTotal,
		m.RerankFallbackTotal,
		m.FaithfulnessScore,
		m.FaithfulnessFallback,
		m.ClassifierFallbackTotal,
		m.RetrievalFilterFallback,
		m.StageLatency,
	)
	return m
}

// Observe records step.ms as the stage's latency.
func (m *Pipeline) Observe(stage string, ms int64) {
	m.StageLatency.WithLabelValues(stage).Observe(float64(ms))
}
