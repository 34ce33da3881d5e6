package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the dispatch service.
type Metrics struct {
	RequestTotal      *prometheus.CounterVec
	RequestDurationMs *prometheus.HistogramVec
	CacheHitTotal     *prometheus.CounterVec
	RetryTotal        *prometheus.CounterVec
	TokensTotal       *prometheus.CounterVec
	CostUSDTotal      *prometheus.CounterVec
	PipelineRunTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "berl_request_total",
			Help: "Total number of dispatched requests.",
		}, []string{"adapter", "category", "status"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "berl_request_duration_ms",
			Help:    "Provider call duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"adapter", "category"}),

		CacheHitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "berl_cache_hit_total",
			Help: "Responses served from the cache instead of a provider call.",
		}, []string{"adapter"}),

		RetryTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "berl_retry_total",
			Help: "Retry attempts made after transient provider failures.",
		}, []string{"adapter"}),

		TokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "berl_tokens_total",
			Help: "Total tokens processed.",
		}, []string{"adapter", "direction"}),

		CostUSDTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "berl_cost_usd_total",
			Help: "Estimated total provider cost in USD.",
		}, []string{"adapter", "category"}),

		PipelineRunTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "berl_pipeline_run_total",
			Help: "Total pipeline runs by terminal status.",
		}, []string{"pipeline", "status"}),
	}
}

// RecordRequest records metrics for a completed dispatch.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(
		labels.Adapter, labels.Category, labels.Status,
	).Inc()

	m.RequestDurationMs.WithLabelValues(
		labels.Adapter, labels.Category,
	).Observe(labels.DurationMs)

	if labels.PromptTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Adapter, "prompt").Add(float64(labels.PromptTokens))
	}
	if labels.CompletionTokens > 0 {
		m.TokensTotal.WithLabelValues(labels.Adapter, "completion").Add(float64(labels.CompletionTokens))
	}
	if labels.CostUSD > 0 {
		m.CostUSDTotal.WithLabelValues(labels.Adapter, labels.Category).Add(labels.CostUSD)
	}
}

// RecordCacheHit counts a response served from the cache.
func (m *Metrics) RecordCacheHit(adapter string) {
	m.CacheHitTotal.WithLabelValues(adapter).Inc()
}

// RecordRetry counts a retry after a transient failure.
func (m *Metrics) RecordRetry(adapter string) {
	m.RetryTotal.WithLabelValues(adapter).Inc()
}

// RecordPipelineRun counts a completed or failed pipeline run.
func (m *Metrics) RecordPipelineRun(pipeline, status string) {
	m.PipelineRunTotal.WithLabelValues(pipeline, status).Inc()
}

// RequestLabels holds the label values for recording a dispatch.
type RequestLabels struct {
	Adapter          string
	Category         string
	Status           string
	DurationMs       float64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}
