// Package metrics exposes the shared Prometheus collectors for readerforge.
// Components record into these collectors; the API serves them on /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every collector the system exports. One Set is created per
// process and handed to components at construction time.
type Set struct {
	Registry *prometheus.Registry

	// Cache (C1)
	CacheHits      *prometheus.CounterVec // tier: memory|disk
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec // reason: lru|expired|corrupt
	CacheEntries   *prometheus.GaugeVec   // tier
	CacheBytes     prometheus.Gauge
	CacheOpLatency *prometheus.HistogramVec // op: get|set|delete
	CacheIntegrity prometheus.Counter

	// Rate limiter (C2)
	LimiterRejections *prometheus.CounterVec // reason: rate_limited|queue_full|queue_timeout|circuit_open
	LimiterQueueDepth *prometheus.GaugeVec   // key
	LimiterInFlight   prometheus.Gauge
	BreakerState      *prometheus.GaugeVec // name; 0 closed, 1 half-open, 2 open

	// Retry (C3)
	RetryAttempts *prometheus.CounterVec // phase, outcome: success|failure

	// Gates (C8) and repair (C9)
	GateFailures   *prometheus.CounterVec // gate
	GateSkips      *prometheus.CounterVec // gate
	RepairAttempts *prometheus.CounterVec // kind, outcome

	// Pipeline (C11)
	StageDuration *prometheus.HistogramVec // stage
	PipelineRuns  *prometheus.CounterVec   // outcome: completed|failed

	// LLM gateway (C7)
	LLMCalls     *prometheus.CounterVec // outcome: success|error|cache_hit
	LLMLatency   prometheus.Histogram
	AssetCompile *prometheus.CounterVec // kind, outcome
}

// NewSet creates and registers all collectors on a fresh registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	s := &Set{Registry: reg}

	s.CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_cache_hits_total", Help: "Cache hits by tier.",
	}, []string{"tier"})
	s.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readerforge_cache_misses_total", Help: "Cache misses.",
	})
	s.CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_cache_evictions_total", Help: "Cache evictions by reason.",
	}, []string{"reason"})
	s.CacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "readerforge_cache_entries", Help: "Current cache entry count by tier.",
	}, []string{"tier"})
	s.CacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readerforge_cache_bytes", Help: "Approximate bytes held in the memory tier.",
	})
	s.CacheOpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "readerforge_cache_op_seconds",
		Help:    "Cache operation latency.",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
	}, []string{"op"})
	s.CacheIntegrity = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readerforge_cache_integrity_errors_total", Help: "Checksum mismatches found on disk reads.",
	})

	s.LimiterRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_limiter_rejections_total", Help: "Limiter rejections by reason.",
	}, []string{"reason"})
	s.LimiterQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "readerforge_limiter_queue_depth", Help: "Per-key queue depth.",
	}, []string{"key"})
	s.LimiterInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readerforge_limiter_in_flight", Help: "Calls holding a global concurrency slot.",
	})
	s.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "readerforge_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	s.RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_retry_attempts_total", Help: "Retry attempts by phase and outcome.",
	}, []string{"phase", "outcome"})

	s.GateFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_gate_failures_total", Help: "Gate failures by gate id.",
	}, []string{"gate"})
	s.GateSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_gate_skips_total", Help: "Gates reported as skipped.",
	}, []string{"gate"})
	s.RepairAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_repair_attempts_total", Help: "Repair attempts by error kind and outcome.",
	}, []string{"kind", "outcome"})

	s.StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "readerforge_stage_seconds",
		Help:    "Pipeline stage duration.",
		Buckets: prometheus.ExponentialBuckets(0.01, 3, 12),
	}, []string{"stage"})
	s.PipelineRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_pipeline_runs_total", Help: "Pipeline terminations by outcome.",
	}, []string{"outcome"})

	s.LLMCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_llm_calls_total", Help: "LLM gateway calls by outcome.",
	}, []string{"outcome"})
	s.LLMLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "readerforge_llm_seconds",
		Help:    "LLM call latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	s.AssetCompile = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "readerforge_asset_compile_total", Help: "Asset compilations by kind and outcome.",
	}, []string{"kind", "outcome"})

	reg.MustRegister(
		s.CacheHits, s.CacheMisses, s.CacheEvictions, s.CacheEntries, s.CacheBytes,
		s.CacheOpLatency, s.CacheIntegrity,
		s.LimiterRejections, s.LimiterQueueDepth, s.LimiterInFlight, s.BreakerState,
		s.RetryAttempts,
		s.GateFailures, s.GateSkips, s.RepairAttempts,
		s.StageDuration, s.PipelineRuns,
		s.LLMCalls, s.LLMLatency, s.AssetCompile,
	)
	return s
}

var (
	defaultSet  *Set
	defaultOnce sync.Once
)

// Default returns the process-wide metric set, creating it on first use.
func Default() *Set {
	defaultOnce.Do(func() { defaultSet = NewSet() })
	return defaultSet
}
