package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// Sentinel errors for the call taxonomy. A *CallError matches exactly one of these
// with errors.Is, and an exhausted call also matches the kind of its last failure.
var (
	// ErrTransientNetwork means no response was received (DNS, connection refused, timeout).
	ErrTransientNetwork = errors.New("transient network error")

	// ErrTransientServer means the server answered with a retryable status (429, 500, 503).
	ErrTransientServer = errors.New("transient server error")

	// ErrFatalClient means the server answered with a status that will never succeed on retry.
	ErrFatalClient = errors.New("fatal client error")

	// ErrExhaustedRetries means every attempt failed with a retryable error.
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrMalformedResponse means a 2xx response did not have the expected shape.
	// Producers should wrap it: fmt.Errorf("%w: missing choices", ErrMalformedResponse).
	ErrMalformedResponse = errors.New("malformed response")
)

// ErrorKind identifies the taxonomy bucket of a CallError.
type ErrorKind int

const (
	KindTransientNetwork ErrorKind = iota + 1
	KindTransientServer
	KindFatalClient
	KindExhaustedRetries
	KindMalformedResponse
)

// String returns the metric/log label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindTransientServer:
		return "transient_server"
	case KindFatalClient:
		return "fatal_client"
	case KindExhaustedRetries:
		return "exhausted_retries"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransientNetwork:
		return ErrTransientNetwork
	case KindTransientServer:
		return ErrTransientServer
	case KindFatalClient:
		return ErrFatalClient
	case KindExhaustedRetries:
		return ErrExhaustedRetries
	case KindMalformedResponse:
		return ErrMalformedResponse
	default:
		return nil
	}
}

// Retryable reports whether failures of this kind are worth another attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientNetwork || k == KindTransientServer || k == KindMalformedResponse
}

// CallError is the classified error returned by RetryWrapper.
type CallError struct {
	// Kind is the taxonomy bucket.
	Kind ErrorKind

	// Status is the HTTP status of the failing response, 0 when none was received.
	Status int

	// Attempts is the number of attempts made before giving up.
	Attempts int

	// Message is a human-readable description suitable for end users.
	Message string

	// Err is the underlying error. For KindExhaustedRetries it is the last attempt's *CallError.
	Err error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Kind == KindExhaustedRetries {
		return fmt.Sprintf("%s after %d attempts: %v", e.Kind.sentinel(), e.Attempts, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind.sentinel(), e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Kind.sentinel(), e.Err)
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *CallError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *CallError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// StatusCode returns the HTTP status of the failing response.
// This implements the HTTPError interface.
func (e *CallError) StatusCode() int {
	return e.Status
}

// Outcome is the classification of one call attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for your specific error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// CircuitBreakerErrorClassifier determines whether an error should trip the circuit breaker.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error represents a failure serious enough
	// to open the circuit breaker and stop requests temporarily.
	ShouldTripCircuit(err error) bool
}

// HTTPStatusClassifier classifies errors based on HTTP status codes, treating certain
// codes as retryable and others as circuit breaker trip conditions.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists HTTP status codes that should trigger retries.
	// Defaults to 429, 500, 503 if nil.
	RetryableStatuses []int

	// CircuitTripStatuses lists HTTP status codes that should trip the circuit breaker.
	// Defaults to 401, 403, 500, 502, 503, 504 if nil.
	CircuitTripStatuses []int
}

// HTTPError represents an error with an associated HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

var (
	defaultRetryableStatuses   = []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable}
	defaultCircuitTripStatuses = []int{401, 403, 500, 502, 503, 504}
)

// NewHTTPStatusClassifier creates a new HTTPStatusClassifier with default status code mappings.
// Retryable: 429, 500, 503 and responses that never arrived.
// Circuit trip: 401, 403 (auth errors), 500, 502, 503, 504 (server errors).
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{
		RetryableStatuses:   append([]int(nil), defaultRetryableStatuses...),
		CircuitTripStatuses: append([]int(nil), defaultCircuitTripStatuses...),
	}
}

// IsRetryable implements ErrorClassifier for HTTP status codes.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are NOT retryable - if the parent context is exceeded or canceled,
	// retrying with the same context will fail immediately. Attempt timeouts are
	// reported by RetryWrapper as timeout errors, not as context errors.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	// An open breaker rejects without calling the backend; waiting out backoff won't help.
	if IsCircuitRejection(err) {
		return false
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return true
	}
	if pkgerrors.IsTimeout(err) {
		return true
	}
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// No response at all: network issues are transient.
		return true
	}

	return containsStatus(c.getRetryableStatuses(), statusCode)
}

// ShouldTripCircuit implements CircuitBreakerErrorClassifier for HTTP status codes.
func (c *HTTPStatusClassifier) ShouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}

	// Rate limits and timeouts should NOT trip the circuit - these are transient
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return false
	}
	if pkgerrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	// The upstream answered, it just answered badly.
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		return true
	}

	return containsStatus(c.getCircuitTripStatuses(), statusCode)
}

func (c *HTTPStatusClassifier) getRetryableStatuses() []int {
	if c.RetryableStatuses != nil {
		return c.RetryableStatuses
	}
	return defaultRetryableStatuses
}

func (c *HTTPStatusClassifier) getCircuitTripStatuses() []int {
	if c.CircuitTripStatuses != nil {
		return c.CircuitTripStatuses
	}
	return defaultCircuitTripStatuses
}

// extractStatusCode attempts to extract an HTTP status code from various error types.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// extractServerMessage returns the message the server put in its error body, if any.
func extractServerMessage(err error) string {
	type serverMessenger interface {
		ServerMessage() string
	}
	var sm serverMessenger
	if errors.As(err, &sm) {
		return sm.ServerMessage()
	}
	return ""
}

// IsCircuitRejection reports whether err comes from a breaker refusing the call.
func IsCircuitRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultErrorClassifier treats 429, 500, 503, network errors, timeouts and malformed
// responses as retryable; every other status is fatal.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// DefaultCircuitBreakerErrorClassifier trips on authentication errors (401, 403) and
// server errors (5xx), but not on rate limits or timeouts which are transient.
func DefaultCircuitBreakerErrorClassifier() CircuitBreakerErrorClassifier {
	return NewHTTPStatusClassifier()
}

// Classify returns the outcome of an attempt that finished with err.
func Classify(classifier ErrorClassifier, err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if classifier.IsRetryable(err) {
		return OutcomeRetryable
	}
	return OutcomeFatal
}

// classifyError builds the CallError for a failed attempt.
func classifyError(classifier ErrorClassifier, err error, attempts int) *CallError {
	var existing *CallError
	if errors.As(err, &existing) && existing.Kind != KindExhaustedRetries {
		// Already classified by an inner wrapper.
		classified := *existing
		classified.Attempts = attempts
		return &classified
	}

	status := extractStatusCode(err)
	callErr := &CallError{
		Status:   status,
		Attempts: attempts,
		Err:      err,
	}

	switch {
	case IsCircuitRejection(err):
		// The backend is being shed while it recovers; the request itself is fine.
		callErr.Kind = KindTransientServer
	case Classify(classifier, err) == OutcomeFatal:
		callErr.Kind = KindFatalClient
	case errors.Is(err, ErrMalformedResponse):
		callErr.Kind = KindMalformedResponse
	case pkgerrors.IsTimeout(err) || status == 0:
		callErr.Kind = KindTransientNetwork
	default:
		callErr.Kind = KindTransientServer
	}

	callErr.Message = extractServerMessage(err)
	if callErr.Message == "" {
		callErr.Message = describe(callErr.Kind, status)
	}
	return callErr
}

func describe(kind ErrorKind, status int) string {
	switch kind {
	case KindFatalClient:
		if status == 0 {
			return "request could not be completed"
		}
	case KindTransientServer:
		if status == 0 {
			return "service temporarily unavailable"
		}
	case KindMalformedResponse:
		return "unexpected response format"
	case KindTransientNetwork:
		return "network error, the service could not be reached"
	}
	return StatusMessage(status)
}

// StatusMessage returns a human-readable message for an HTTP status code.
func StatusMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusUnauthorized:
		return "invalid or missing credentials"
	case http.StatusForbidden:
		return "access denied"
	case http.StatusNotFound:
		return "resource not found"
	case http.StatusTooManyRequests:
		return "too many requests, please try again later"
	case http.StatusInternalServerError:
		return "internal server error"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return fmt.Sprintf("request failed (%d)", status)
	}
}

// UserMessage renders an error for display. Exhausted reads get a retry prompt,
// classified failures their server or status message, anything else a generic message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrExhaustedRetries) {
		return "service temporarily unavailable, please retry"
	}
	var callErr *CallError
	if errors.As(err, &callErr) && callErr.Message != "" {
		return callErr.Message
	}
	return "operation failed"
}

// StatusCodeError wraps an error with an HTTP status code.
// Use this when you need to add status code information to an existing error.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
//
// Example:
//
//	err := doRequest()
//	if err != nil {
//	    return apiclient.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}
