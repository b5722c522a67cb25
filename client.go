// Package apiclient provides a resilient, cached client for the consultation platform's
// backend REST API: a TTL response cache keyed by endpoint and parameters, a retry wrapper
// with exponential backoff and call classification, a circuit breaker, and a service
// adapter that composes them for read and write operations.
package apiclient

import (
	"context"
)

// ResilientClient defines a generic interface for executing requests with retry and circuit breaker support.
// Type parameters Req and Resp can be any types: the transport package implements it for
// backend HTTP calls and the llm package for chat completions.
//
// Example:
//
//	direct := transport.NewDirect(baseURL)
//	client := apiclient.NewRetryWrapper[transport.Request, *transport.Response](
//	    direct,
//	    apiclient.WithMaxRetries(3),
//	    apiclient.WithBaseDelay(time.Second),
//	)
type ResilientClient[Req, Resp any] interface {
	// Execute performs a request and returns a response or error.
	// The context should be used to control timeouts and cancellation.
	Execute(ctx context.Context, req Req) (Resp, error)
}

// ClientFunc adapts an ordinary function to the ResilientClient interface.
type ClientFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Execute calls f(ctx, req).
func (f ClientFunc[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}
