package apiclient

import (
	"context"
	"errors"
	"log/slog"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"

	"github.com/JohnPlummer/jp-go-apiclient/internal/metrics"
)

// CircuitBreakerWrapper stops sending requests to a backend that keeps failing.
// Rejected calls never reach the wrapped client and surface as jp-go-errors circuit
// breaker errors that still match gobreaker.ErrOpenState with errors.Is.
type CircuitBreakerWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	cb         *gobreaker.CircuitBreaker[Resp]
	logger     *slog.Logger
	classifier CircuitBreakerErrorClassifier
	name       string
}

// NewCircuitBreakerWrapper creates a new circuit breaker wrapper around a ResilientClient.
//
// Example:
//
//	wrapper := apiclient.NewCircuitBreakerWrapper(
//	    client,
//	    apiclient.WithCircuitBreakerName("assistants"),
//	    apiclient.WithTimeout(60*time.Second),
//	)
func NewCircuitBreakerWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...CircuitBreakerOption,
) *CircuitBreakerWrapper[Req, Resp] {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultCircuitBreakerErrorClassifier()
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = DefaultCircuitBreakerConfig().ReadyToTrip
	}
	if config.Name == "" {
		config.Name = "backend"
	}

	classifier := config.ErrorClassifier
	logger := config.Logger.With("breaker", config.Name)

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(toCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"from", from.String(),
				"to", to.String())

			toState := convertGobreakerState(to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(toState))

			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), toState)
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Only failures the classifier cares about count against the backend.
			return !classifier.ShouldTripCircuit(err)
		},
	}

	metrics.CircuitBreakerState.WithLabelValues(config.Name).Set(float64(StateClosed))

	return &CircuitBreakerWrapper[Req, Resp]{
		client:     client,
		cb:         gobreaker.NewCircuitBreaker[Resp](settings),
		logger:     logger,
		classifier: classifier,
		name:       config.Name,
	}
}

// Execute executes the request through the circuit breaker.
// When the circuit is open the wrapped client is not called:
//   - gobreaker.ErrOpenState is returned as a jperrors circuit breaker error (state "open")
//   - gobreaker.ErrTooManyRequests is returned as a jperrors circuit breaker error (state "half-open")
func (w *CircuitBreakerWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	resp, err := w.cb.Execute(func() (Resp, error) {
		return w.client.Execute(ctx, req)
	})
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		w.logger.Warn("circuit breaker is open, request rejected",
			"error", err,
			"counts", w.cb.Counts())
		return zero, w.rejection("request rejected", "open", err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		w.logger.Debug("circuit breaker in half-open state, too many requests",
			"error", err)
		return zero, w.rejection("too many requests in half-open state", "half-open", err)
	default:
		w.logger.Debug("request failed through circuit breaker",
			"error", err,
			"should_trip", w.classifier.ShouldTripCircuit(err))
	}
	return zero, err
}

func (w *CircuitBreakerWrapper[Req, Resp]) rejection(msg, state string, cause error) error {
	counts := w.cb.Counts()
	return jperrors.NewCircuitBreakerError(
		msg,
		w.name,
		state,
		jperrors.WithCause(cause),
		jperrors.WithCounts(jperrors.CircuitCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}),
	)
}

// Name returns the breaker's name.
func (w *CircuitBreakerWrapper[Req, Resp]) Name() string {
	return w.name
}

// State returns the current state of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) State() CircuitBreakerState {
	return convertGobreakerState(w.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) Counts() CircuitBreakerCounts {
	return toCounts(w.cb.Counts())
}

// GetHealth returns the health status of the circuit breaker.
func (w *CircuitBreakerWrapper[Req, Resp]) GetHealth() HealthStatus {
	return newHealthStatus(w.name, w.State(), w.Counts())
}

func toCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// CombineRetryAndCircuitBreaker layers retry (outer) over a circuit breaker (inner).
// Every attempt the retry wrapper makes is recorded by the breaker, and once the breaker
// opens the retry wrapper gives up immediately instead of backing off against it.
// Nil configs fall back to the defaults.
func CombineRetryAndCircuitBreaker[Req, Resp any](
	client ResilientClient[Req, Resp],
	retryConfig *RetryConfig,
	cbConfig *CircuitBreakerConfig,
	logger *slog.Logger,
) *RetryWrapper[Req, Resp] {
	if logger != nil {
		if retryConfig != nil {
			retryConfig.Logger = logger
		}
		if cbConfig != nil {
			cbConfig.Logger = logger
		}
	}

	withCB := NewCircuitBreakerWrapper(client, func(c *CircuitBreakerConfig) {
		if cbConfig != nil {
			*c = *cbConfig
		}
	})

	return NewRetryWrapper[Req, Resp](withCB, func(c *RetryConfig) {
		if retryConfig != nil {
			*c = *retryConfig
		}
	})
}
