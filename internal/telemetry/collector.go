package telemetry

import (
	"sync"
	"time"

	"github.com/openberl/dispatch/internal/envelope"
)

// Collector keeps in-process per-adapter statistics for the stats endpoint.
// It complements the Prometheus metrics with a queryable snapshot.
type Collector struct {
	mu       sync.Mutex
	adapters map[string]*adapterStats
	metrics  *Metrics
}

type adapterStats struct {
	requests     int64
	failures     int64
	cacheHits    int64
	totalLatency time.Duration
	totalCostUSD float64
}

// NewCollector builds a collector. metrics may be nil, in which case only
// the in-memory snapshot is maintained.
func NewCollector(metrics *Metrics) *Collector {
	return &Collector{
		adapters: make(map[string]*adapterStats),
		metrics:  metrics,
	}
}

// Observe records the outcome of one dispatch. For failures resp is nil and
// adapterName may be empty when no adapter was reached.
func (c *Collector) Observe(req *envelope.Request, resp *envelope.Response, adapterName string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}

	var (
		latency  time.Duration
		costUSD  float64
		cacheHit bool
		usage    *envelope.Usage
	)
	if resp != nil {
		adapterName = resp.AdapterName
		latency = resp.Latency
		costUSD = resp.CostEstimate
		cacheHit = resp.CacheHit
		usage = resp.Usage
	}
	if adapterName == "" {
		adapterName = "none"
	}

	c.mu.Lock()
	s, ok := c.adapters[adapterName]
	if !ok {
		s = &adapterStats{}
		c.adapters[adapterName] = s
	}
	s.requests++
	if err != nil {
		s.failures++
	}
	if cacheHit {
		s.cacheHits++
	}
	s.totalLatency += latency
	s.totalCostUSD += costUSD
	c.mu.Unlock()

	if c.metrics != nil {
		labels := RequestLabels{
			Adapter:    adapterName,
			Category:   string(req.TaskCategory),
			Status:     status,
			DurationMs: float64(latency.Milliseconds()),
			CostUSD:    costUSD,
		}
		if usage != nil {
			labels.PromptTokens = usage.PromptTokens
			labels.CompletionTokens = usage.CompletionTokens
		}
		c.metrics.RecordRequest(labels)
	}
}

// AdapterSnapshot summarizes one adapter's traffic.
type AdapterSnapshot struct {
	Requests     int64   `json:"requests"`
	Failures     int64   `json:"failures"`
	CacheHits    int64   `json:"cache_hits"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Snapshot returns per-adapter statistics since process start.
func (c *Collector) Snapshot() map[string]AdapterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]AdapterSnapshot, len(c.adapters))
	for name, s := range c.adapters {
		snap := AdapterSnapshot{
			Requests:     s.requests,
			Failures:     s.failures,
			CacheHits:    s.cacheHits,
			TotalCostUSD: s.totalCostUSD,
		}
		if s.requests > 0 {
			snap.CacheHitRate = float64(s.cacheHits) / float64(s.requests)
			snap.AvgLatencyMs = float64(s.totalLatency.Milliseconds()) / float64(s.requests)
		}
		out[name] = snap
	}
	return out
}
