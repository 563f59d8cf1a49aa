package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_requests_total",
			Help: "Total number of dispatch requests",
		},
		[]string{"tenant_id", "capability", "provider", "status"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_provider_latency_seconds",
			Help:    "Provider attempt latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "capability"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"capability"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"capability"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_provider_errors_total",
			Help: "Total number of provider attempt failures",
		},
		[]string{"provider", "kind"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_rate_limit_rejections_total",
			Help: "Total number of admission-control rejections",
		},
		[]string{"tenant_id"},
	)

	FallbackDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_fallback_depth",
			Help:    "Number of provider attempts per resolved request",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"capability"},
	)

	SingleFlightShared = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_singleflight_shared_total",
			Help: "Total number of requests served by joining an in-flight call",
		},
		[]string{"capability"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_tokens_total",
			Help: "Total number of tokens reported by providers",
		},
		[]string{"provider", "type"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_active_streams",
			Help: "Number of active streaming sessions",
		},
	)
)

func RecordRequest(tenantID, capability, provider, status string) {
	RequestsTotal.WithLabelValues(tenantID, capability, provider, status).Inc()
}

func RecordAttempt(provider, capability string, seconds float64) {
	ProviderLatency.WithLabelValues(provider, capability).Observe(seconds)
}

func RecordCacheHit(capability string)  { CacheHits.WithLabelValues(capability).Inc() }
func RecordCacheMiss(capability string) { CacheMisses.WithLabelValues(capability).Inc() }

func RecordProviderError(provider, kind string) {
	ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func RecordRateLimitRejection(tenantID string) {
	RateLimitRejections.WithLabelValues(tenantID).Inc()
}

func RecordFallbackDepth(capability string, attempts int) {
	FallbackDepth.WithLabelValues(capability).Observe(float64(attempts))
}

func RecordShared(capability string) {
	SingleFlightShared.WithLabelValues(capability).Inc()
}

func RecordTokens(provider string, input, output int) {
	TokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	TokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func IncrementActiveStreams() { ActiveStreams.Inc() }
func DecrementActiveStreams() { ActiveStreams.Dec() }
