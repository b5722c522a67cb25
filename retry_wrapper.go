package apiclient

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sethvargo/go-retry"

	"github.com/JohnPlummer/jp-go-apiclient/internal/metrics"
)

// RetryWrapper wraps a ResilientClient with classification, per-attempt timeouts and
// exponential backoff. Every call ends in either a value or a *CallError (or the
// caller's context error when the caller gave up first).
type RetryWrapper[Req, Resp any] struct {
	client     ResilientClient[Req, Resp]
	config     *RetryConfig
	logger     *slog.Logger
	classifier ErrorClassifier
	stats      *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryWrapper creates a new retry wrapper around a ResilientClient.
//
// Example:
//
//	wrapper := apiclient.NewRetryWrapper(
//	    client,
//	    apiclient.WithMaxRetries(3),
//	    apiclient.WithBaseDelay(time.Second),
//	    apiclient.WithAttemptTimeout(10*time.Second),
//	)
func NewRetryWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	opts ...RetryOption,
) *RetryWrapper[Req, Resp] {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier()
	}

	if config.Name == "" {
		config.Name = "api"
	}

	return &RetryWrapper[Req, Resp]{
		client:     client,
		config:     config,
		logger:     config.Logger.With("client", config.Name),
		classifier: config.ErrorClassifier,
		stats:      &retryStats{},
	}
}

// CallWithRetry runs fn under a one-off RetryWrapper. fn performs exactly one network
// attempt per invocation.
func CallWithRetry[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts ...RetryOption) (T, error) {
	client := ClientFunc[struct{}, T](func(ctx context.Context, _ struct{}) (T, error) {
		return fn(ctx)
	})
	return NewRetryWrapper[struct{}, T](client, opts...).Execute(ctx, struct{}{})
}

// Execute performs the request with retry logic.
// Retryable failures are retried up to MaxRetries times; fatal failures return at once.
func (w *RetryWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	if w.config.MaxRetries < 0 {
		return zero, errors.New("max retries must not be negative")
	}

	// Check if parent context is already done before attempting any requests
	select {
	case <-ctx.Done():
		w.logger.Warn("context already done before request (expected condition)",
			"error", ctx.Err())
		return zero, ctx.Err()
	default:
	}

	var response Resp
	var attempts int
	start := time.Now()

	backoff := w.getBackoffStrategy()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		w.stats.mu.Lock()
		w.stats.totalAttempts++
		if attempts > 1 {
			w.stats.totalRetries++
		}
		w.stats.lastAttemptTime = time.Now()
		w.stats.mu.Unlock()
		metrics.CallAttempts.WithLabelValues(w.config.Name).Inc()

		select {
		case <-ctx.Done():
			w.logger.Warn("context done before retry attempt (expected condition)",
				"attempt", attempts,
				"error", ctx.Err())
			return ctx.Err()
		default:
		}

		resp, err := w.attempt(ctx, req)
		if err == nil {
			if attempts > 1 {
				w.logger.Info("request succeeded after retry",
					"attempts", attempts)
			}
			response = resp
			return nil
		}

		// The caller gave up; nothing left to classify.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		callErr := classifyError(w.classifier, err, attempts)
		if IsCircuitRejection(err) {
			// Further attempts would be rejected too; report the call as exhausted.
			w.logger.Debug("circuit breaker rejected the attempt, giving up",
				"error", err,
				"attempts", attempts)
			return callErr
		}
		if !callErr.Kind.Retryable() {
			w.logger.Debug("non-retryable error, giving up",
				"error", err,
				"kind", callErr.Kind.String(),
				"attempts", attempts)
			return callErr
		}

		w.logger.Debug("retrying request after delay",
			"attempt", attempts,
			"kind", callErr.Kind.String(),
			"error", err)

		return retry.RetryableError(callErr)
	})
	metrics.CallDuration.WithLabelValues(w.config.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) && callErr.Kind.Retryable() {
			err = &CallError{
				Kind:     KindExhaustedRetries,
				Status:   callErr.Status,
				Attempts: attempts,
				Message:  "service temporarily unavailable, please retry",
				Err:      callErr,
			}
		}

		w.logger.Warn("request failed after retries",
			"attempts", attempts,
			"error", err)
		w.stats.mu.Lock()
		w.stats.totalFailures++
		w.stats.lastError = err
		w.stats.mu.Unlock()
		metrics.CallOutcomes.WithLabelValues(w.config.Name, outcomeLabel(err)).Inc()
		return zero, err
	}

	w.stats.mu.Lock()
	w.stats.totalSuccesses++
	w.stats.mu.Unlock()
	metrics.CallOutcomes.WithLabelValues(w.config.Name, OutcomeSuccess.String()).Inc()

	return response, nil
}

type attemptResult[Resp any] struct {
	resp Resp
	err  error
}

// attempt runs one call bounded by AttemptTimeout. The call runs on its own goroutine so
// that a client ignoring its context cannot hold the wrapper past the timeout.
func (w *RetryWrapper[Req, Resp]) attempt(ctx context.Context, req Req) (Resp, error) {
	timeout := w.config.AttemptTimeout
	if timeout <= 0 {
		return w.client.Execute(ctx, req)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[Resp], 1)
	go func() {
		resp, err := w.client.Execute(attemptCtx, req)
		done <- attemptResult[Resp]{resp: resp, err: err}
	}()

	var zero Resp
	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return zero, pkgerrors.NewTimeoutError("attempt timed out", "execute", timeout)
		}
		return res.resp, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, pkgerrors.NewTimeoutError("attempt timed out", "execute", timeout)
	}
}

func outcomeLabel(err error) string {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

// getBackoffStrategy returns the appropriate backoff strategy based on configuration.
// retry.Do counts the initial attempt itself, so MaxRetries maps straight onto WithMaxRetries.
func (w *RetryWrapper[Req, Resp]) getBackoffStrategy() retry.Backoff {
	maxRetries := w.config.MaxRetries
	if maxRetries > 1000 {
		maxRetries = 1000
	}

	if w.config.BaseDelay <= 0 {
		immediate := retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
		return retry.WithMaxRetries(uint64(maxRetries), w.observe(immediate)) // #nosec G115 - bounds checked above
	}

	var base retry.Backoff
	switch w.config.Strategy {
	case RetryStrategyConstant:
		base = w.newJitteredConstant()
	case RetryStrategyFibonacci:
		base = retry.NewFibonacci(w.config.BaseDelay)
	default:
		base = w.newConfigurableExponential()
	}

	if w.config.Jitter > 0 && w.config.Strategy != RetryStrategyConstant {
		base = retry.WithJitter(w.config.Jitter, base)
	}
	if w.config.MaxDelay > 0 {
		base = retry.WithCappedDuration(w.config.MaxDelay, base)
	}

	return retry.WithMaxRetries(
		uint64(maxRetries), // #nosec G115 - bounds checked above
		w.observe(base),
	)
}

// observe reports each delay to the metrics-free BackoffObserver hook.
// It sits inside WithMaxRetries so it only sees delays that are actually waited.
func (w *RetryWrapper[Req, Resp]) observe(next retry.Backoff) retry.Backoff {
	observer := w.config.BackoffObserver
	if observer == nil {
		return next
	}

	var mu sync.Mutex
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := next.Next()
		if stop {
			return delay, stop
		}
		mu.Lock()
		n := attempt
		attempt++
		mu.Unlock()
		observer(n, delay)
		return delay, false
	})
}

// newJitteredConstant returns BaseDelay plus up to 10% jitter using crypto/rand.
func (w *RetryWrapper[Req, Resp]) newJitteredConstant() retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		jitterMax := int64(w.config.BaseDelay / 10)
		if jitterMax <= 0 {
			jitterMax = 1
		}
		jitterBig, err := rand.Int(rand.Reader, big.NewInt(jitterMax))
		if err != nil {
			return w.config.BaseDelay, false
		}
		return w.config.BaseDelay + time.Duration(jitterBig.Int64()), false
	})
}

// newConfigurableExponential creates an exponential backoff using the configured multiplier.
// The delay for attempt N is: BaseDelay * (multiplier ^ N)
func (w *RetryWrapper[Req, Resp]) newConfigurableExponential() retry.Backoff {
	multiplier := w.config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	if multiplier == 2.0 {
		return retry.NewExponential(w.config.BaseDelay)
	}

	var mu sync.Mutex
	attempt := uint64(0)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()

		delay := float64(w.config.BaseDelay)
		for i := uint64(0); i < attempt; i++ {
			delay *= multiplier
			if delay > float64(1<<63-1) {
				attempt++
				return time.Duration(1<<63 - 1), false
			}
		}
		attempt++
		return time.Duration(delay), false
	})
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of successful operations
	TotalSuccesses int64

	// TotalFailures is the number of failed operations (fatal or exhausted)
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error returned to a caller (if any)
	LastError error
}

// GetRetryStats returns a snapshot of the wrapper's statistics.
func (w *RetryWrapper[Req, Resp]) GetRetryStats() RetryStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   w.stats.totalAttempts,
		TotalRetries:    w.stats.totalRetries,
		TotalSuccesses:  w.stats.totalSuccesses,
		TotalFailures:   w.stats.totalFailures,
		LastAttemptTime: w.stats.lastAttemptTime,
		LastError:       w.stats.lastError,
	}
}
