// Package metrics registers the Prometheus metrics used by the API client and gateway.
// All collectors are package-level and registered on the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache counters, labelled by outcome where relevant.
var (
	// CacheLookups counts cache reads labelled by result ("hit", "miss", "expired").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_cache_lookups_total",
			Help: "Total number of response cache lookups.",
		},
		[]string{"result"},
	)

	// CacheInvalidations counts explicit invalidations ("key" or "all").
	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_cache_invalidations_total",
			Help: "Total number of response cache invalidations.",
		},
		[]string{"scope"},
	)

	// CacheMirrorErrors counts failed operations against the persistent mirror.
	CacheMirrorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_cache_mirror_errors_total",
			Help: "Total number of failed persistent cache mirror operations.",
		},
		[]string{"op"},
	)
)

// Call counters for the retry wrapper.
var (
	// CallAttempts counts individual attempts, labelled by wrapper name.
	CallAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_call_attempts_total",
			Help: "Total number of outbound call attempts, including retries.",
		},
		[]string{"name"},
	)

	// CallOutcomes counts finished logical calls by final classification
	// ("success", "fatal_client", "exhausted_retries", "canceled").
	CallOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_call_outcomes_total",
			Help: "Total number of logical calls by final outcome.",
		},
		[]string{"name", "outcome"},
	)

	// CallDuration observes logical call latency including backoff waits.
	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apiclient_call_duration_seconds",
			Help:    "Logical call duration in seconds, including retries.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"name"},
	)

	// CircuitBreakerState tracks breaker state as a gauge:
	// 0 = closed, 1 = half-open, 2 = open.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apiclient_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed 1=half_open 2=open).",
		},
		[]string{"name"},
	)
)

// Registry and gateway counters.
var (
	// HeartbeatFailures counts service registry heartbeats that did not succeed.
	HeartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiclient_registry_heartbeat_failures_total",
			Help: "Total number of failed service registry heartbeats.",
		},
	)

	// ProxyRequests counts gateway proxy requests by route and upstream status class.
	ProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiclient_gateway_requests_total",
			Help: "Total number of gateway requests by route and status.",
		},
		[]string{"route", "status"},
	)
)
