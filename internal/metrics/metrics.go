package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_dispatch_attempts_total",
			Help: "Total number of provider call attempts",
		},
		[]string{"provider", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airouter_dispatch_duration_seconds",
			Help:    "Duration of a single provider call attempt in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	RoutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_routes_total",
			Help: "Total number of routed queries by serving platform",
		},
		[]string{"platform", "outcome"},
	)

	RouteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "airouter_route_duration_seconds",
			Help:    "End-to-end route duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_fallbacks_total",
			Help: "Total number of times a provider failed and the router moved on",
		},
		[]string{"provider"},
	)

	ProviderFailureCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "airouter_provider_failure_count",
			Help: "Consecutive failure count per provider",
		},
		[]string{"provider"},
	)

	RBACDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_rbac_denials_total",
			Help: "Total number of dispatches refused by RBAC",
		},
		[]string{"provider"},
	)

	TelemetryWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_telemetry_write_errors_total",
			Help: "Total number of telemetry events that could not be stored",
		},
		[]string{"event_type"},
	)

	MetaQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_meta_queries_total",
			Help: "Total number of tracked queries by dedup result",
		},
		[]string{"result"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_rate_limit_hits_total",
			Help: "Total number of rate limit hits by caller kind (user or anonymous)",
		},
		[]string{"caller"},
	)

	QueueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "airouter_queue_messages_total",
			Help: "Total number of async query messages processed",
		},
		[]string{"status"},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "airouter_active_requests",
			Help: "Number of routed queries currently in flight",
		},
	)
)

func RecordAttempt(provider, outcome string, durationSec float64) {
	DispatchAttempts.WithLabelValues(provider, outcome).Inc()
	DispatchDuration.WithLabelValues(provider).Observe(durationSec)
}

func RecordRoute(platform, outcome string, durationSec float64) {
	RoutesTotal.WithLabelValues(platform, outcome).Inc()
	RouteDuration.WithLabelValues(outcome).Observe(durationSec)
}

func RecordFallback(provider string) {
	FallbacksTotal.WithLabelValues(provider).Inc()
}

func SetProviderFailureCount(provider string, count int) {
	ProviderFailureCount.WithLabelValues(provider).Set(float64(count))
}

func RecordRBACDenial(provider string) {
	RBACDenials.WithLabelValues(provider).Inc()
}

func RecordTelemetryWriteError(eventType string) {
	TelemetryWriteErrors.WithLabelValues(eventType).Inc()
}

// RecordMetaQuery counts a tracked query; duplicate is true when it was
// already seen within the dedup window.
func RecordMetaQuery(duplicate bool) {
	result := "unique"
	if duplicate {
		result = "duplicate"
	}
	MetaQueries.WithLabelValues(result).Inc()
}

// RecordRateLimitHit labels by caller kind only; the caller key goes to logs.
func RecordRateLimitHit(anonymous bool) {
	caller := "user"
	if anonymous {
		caller = "anonymous"
	}
	RateLimitHits.WithLabelValues(caller).Inc()
}

func RecordQueueMessage(status string) {
	QueueMessages.WithLabelValues(status).Inc()
}
