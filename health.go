package apiclient

// HealthStatus represents the health status of a circuit breaker.
type HealthStatus struct {
	// Name identifies the breaker.
	Name string `json:"name"`

	// Healthy is true for closed and half-open states, false for open state.
	Healthy bool `json:"healthy"`

	// Status is "closed", "half-open", "open" or "unknown".
	Status string `json:"status"`

	// Requests is the total number of requests in the current interval.
	Requests uint32 `json:"requests"`

	// TotalSuccesses is the total number of successful requests.
	TotalSuccesses uint32 `json:"total_successes"`

	// TotalFailures is the total number of failed requests.
	TotalFailures uint32 `json:"total_failures"`

	// ConsecutiveFailures is the number of consecutive failures.
	ConsecutiveFailures uint32 `json:"consecutive_failures"`

	// ConsecutiveSuccesses is the number of consecutive successes.
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

func newHealthStatus(name string, state CircuitBreakerState, counts CircuitBreakerCounts) HealthStatus {
	return HealthStatus{
		Name: name,
		// Half-open is degraded but still serving probes.
		Healthy:              state != StateOpen,
		Status:               state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

// HealthReporter is implemented by anything that can describe its own health.
// CircuitBreakerWrapper implements it.
type HealthReporter interface {
	GetHealth() HealthStatus
}

// Report aggregates breaker health and cache statistics for the /healthz endpoint.
type Report struct {
	// Healthy is false when any breaker is open.
	Healthy bool `json:"healthy"`

	// Degraded mirrors the service's fallback mode.
	Degraded bool `json:"degraded"`

	// Breakers lists every registered breaker.
	Breakers []HealthStatus `json:"breakers"`

	// Cache is nil when the service has no cache.
	Cache *CacheStats `json:"cache,omitempty"`
}

// BuildReport combines breaker health with cache stats.
func BuildReport(degraded bool, cache *CacheStats, reporters ...HealthReporter) Report {
	report := Report{
		Healthy:  true,
		Degraded: degraded,
		Breakers: make([]HealthStatus, 0, len(reporters)),
		Cache:    cache,
	}
	for _, r := range reporters {
		h := r.GetHealth()
		if !h.Healthy {
			report.Healthy = false
		}
		report.Breakers = append(report.Breakers, h)
	}
	return report
}
