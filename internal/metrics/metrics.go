package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizcard_relay_sessions_total",
			Help: "Total number of relay sessions by outcome",
		},
		[]string{"outcome"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bizcard_relay_session_duration_seconds",
			Help:    "Relay session duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	TimeToFirstChunk = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bizcard_relay_time_to_first_chunk_seconds",
			Help:    "Time from stream open to the first content chunk",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	ChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bizcard_relay_chunks_total",
			Help: "Total number of content chunks relayed to clients",
		},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizcard_relay_tokens_total",
			Help: "Total number of tokens reported by the upstream",
		},
		[]string{"model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizcard_relay_cost_usd_total",
			Help: "Estimated upstream cost in USD",
		},
		[]string{"model"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizcard_upstream_errors_total",
			Help: "Total number of upstream failures",
		},
		[]string{"error_type"},
	)

	RequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizcard_relay_request_errors_total",
			Help: "Requests rejected before a stream was opened",
		},
		[]string{"status"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizcard_cache_hits_total",
			Help: "Total number of tenant context cache hits",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bizcard_cache_misses_total",
			Help: "Total number of tenant context cache misses",
		},
		[]string{"kind"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bizcard_active_streams",
			Help: "Number of open relay streams",
		},
	)
)

func RecordSession(outcome string, durationSec float64) {
	SessionsTotal.WithLabelValues(outcome).Inc()
	SessionDuration.WithLabelValues(outcome).Observe(durationSec)
}

func RecordFirstChunk(sinceOpenSec float64) {
	TimeToFirstChunk.Observe(sinceOpenSec)
}

func RecordChunk() {
	ChunksTotal.Inc()
}

func RecordTokens(model string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

func RecordCost(model string, costUSD float64) {
	CostTotal.WithLabelValues(model).Add(costUSD)
}

func RecordUpstreamError(errorType string) {
	UpstreamErrors.WithLabelValues(errorType).Inc()
}

func RecordRequestError(status string) {
	RequestErrors.WithLabelValues(status).Inc()
}

func RecordCacheHit(kind string) {
	CacheHits.WithLabelValues(kind).Inc()
}

func RecordCacheMiss(kind string) {
	CacheMisses.WithLabelValues(kind).Inc()
}

func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
