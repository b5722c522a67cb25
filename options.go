package apiclient

import (
	"log/slog"
	"time"
)

// RetryStrategy defines the backoff strategy for retry operations.
type RetryStrategy string

const (
	// RetryStrategyExponential waits BaseDelay * Multiplier^attempt between attempts.
	RetryStrategyExponential RetryStrategy = "exponential"

	// RetryStrategyConstant uses a constant delay between retries with jitter.
	RetryStrategyConstant RetryStrategy = "constant"

	// RetryStrategyFibonacci uses fibonacci backoff.
	RetryStrategyFibonacci RetryStrategy = "fibonacci"
)

// BackoffObserver is told about every delay the wrapper is about to wait.
// attempt is the 0-based number of the attempt that just failed.
type BackoffObserver func(attempt int, delay time.Duration)

// RetryConfig holds retry configuration options.
type RetryConfig struct {
	// ErrorClassifier determines which errors should trigger retries.
	// Default: HTTPStatusClassifier (429, 500, 503, network errors)
	ErrorClassifier ErrorClassifier

	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// BackoffObserver is called before each backoff wait. Optional.
	BackoffObserver BackoffObserver

	// Name labels metrics and log lines for this wrapper.
	// Default: "api"
	Name string

	// Strategy defines the backoff strategy.
	// Default: RetryStrategyExponential
	Strategy RetryStrategy

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries. Zero means uncapped.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Jitter adds a random +/- offset to every delay. Zero disables jitter.
	// Default: 0
	Jitter time.Duration

	// AttemptTimeout bounds each individual attempt. A timed-out attempt is retryable.
	// Zero means attempts are bounded only by the caller's context.
	// Default: 10 seconds
	AttemptTimeout time.Duration

	// Multiplier is the backoff multiplier for exponential strategy.
	// Default: 2.0 (doubling)
	Multiplier float64

	// MaxRetries is the number of retries after the initial attempt.
	// Zero performs exactly one attempt.
	// Default: 3
	MaxRetries int
}

// RetryOption is a functional option for configuring retry behavior.
type RetryOption func(*RetryConfig)

// WithMaxRetries sets how many times a retryable failure is retried.
// The total number of calls will be at most retries+1.
//
// Example:
//
//	apiclient.WithMaxRetries(3) // 1 initial attempt + 3 retries
func WithMaxRetries(retries int) RetryOption {
	return func(c *RetryConfig) {
		c.MaxRetries = retries
	}
}

// WithBaseDelay sets the exponential base delay, keeping the exponential strategy.
//
// Example:
//
//	apiclient.WithBaseDelay(time.Second) // 1s, 2s, 4s, ...
func WithBaseDelay(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.BaseDelay = delay
	}
}

// WithExponentialBackoff configures exponential backoff capped at maxDelay.
//
// Example:
//
//	apiclient.WithExponentialBackoff(time.Second, 30*time.Second)
//	// With default multiplier 2.0: 1s, 2s, 4s, 8s, 16s, 30s (capped)
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyExponential
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithMaxDelay caps every backoff delay without changing the strategy.
func WithMaxDelay(maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.MaxDelay = maxDelay
	}
}

// WithMultiplier sets the backoff multiplier for exponential strategy.
//
// Example:
//
//	apiclient.WithMultiplier(1.5)
//	// With BaseDelay=1s: 1s, 1.5s, 2.25s, 3.375s, ...
func WithMultiplier(multiplier float64) RetryOption {
	return func(c *RetryConfig) {
		c.Multiplier = multiplier
	}
}

// WithConstantBackoff configures constant delay between retries with jitter.
//
// Example:
//
//	apiclient.WithConstantBackoff(2 * time.Second)
func WithConstantBackoff(delay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyConstant
		c.BaseDelay = delay
		c.MaxDelay = delay
	}
}

// WithFibonacciBackoff configures fibonacci backoff up to maxDelay.
//
// Example:
//
//	apiclient.WithFibonacciBackoff(time.Second, 30*time.Second)
//	// Delays: 1s, 1s, 2s, 3s, 5s, 8s, 13s, 21s, 30s (capped)
func WithFibonacciBackoff(baseDelay, maxDelay time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Strategy = RetryStrategyFibonacci
		c.BaseDelay = baseDelay
		c.MaxDelay = maxDelay
	}
}

// WithJitter adds up to +/- jitter to every backoff delay.
func WithJitter(jitter time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.Jitter = jitter
	}
}

// WithAttemptTimeout bounds each attempt individually.
//
// Example:
//
//	apiclient.WithAttemptTimeout(10 * time.Second)
func WithAttemptTimeout(timeout time.Duration) RetryOption {
	return func(c *RetryConfig) {
		c.AttemptTimeout = timeout
	}
}

// WithErrorClassifier sets a custom error classifier for retry decisions.
func WithErrorClassifier(classifier ErrorClassifier) RetryOption {
	return func(c *RetryConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithRetryLogger sets a custom logger for retry operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	apiclient.WithRetryLogger(logger)
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// WithBackoffObserver registers a callback invoked before every backoff wait.
func WithBackoffObserver(observer BackoffObserver) RetryOption {
	return func(c *RetryConfig) {
		c.BackoffObserver = observer
	}
}

// WithRetryName labels the wrapper's metrics and logs.
func WithRetryName(name string) RetryOption {
	return func(c *RetryConfig) {
		c.Name = name
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		Strategy:        RetryStrategyExponential,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		AttemptTimeout:  10 * time.Second,
		Multiplier:      2.0,
		Name:            "api",
		ErrorClassifier: DefaultErrorClassifier(),
		Logger:          slog.Default(),
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request fails in the closed state.
	// If ReadyToTrip returns true, the circuit breaker will be placed into the open state.
	// Default: trips after 3 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier determines which errors should trip the circuit breaker.
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Name identifies the breaker in logs, metrics and health output.
	// Default: "backend"
	Name string

	// Interval is the cyclic period of the closed state for the circuit breaker
	// to clear the internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state becomes half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is in the half-open state.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets the maximum number of requests in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithTimeout sets the timeout for staying in open state.
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Timeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	apiclient.WithReadyToTrip(func(counts apiclient.CircuitBreakerCounts) bool {
//	    failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
//	    return counts.Requests >= 5 && failureRatio >= 0.5
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithCircuitBreakerErrorClassifier sets a custom error classifier for circuit breaker decisions.
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// WithCircuitBreakerName names the breaker.
func WithCircuitBreakerName(name string) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Name = name
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "backend",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		ErrorClassifier: DefaultCircuitBreakerErrorClassifier(),
		Logger:          slog.Default(),
	}
}
