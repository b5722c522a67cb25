package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

// call is one trip through the Service chain. validate runs on the body inside the
// retried section, so a rejected body is retried like any malformed response.
type call struct {
	req      transport.Request
	validate func(json.RawMessage) error
}

// CacheRef names one cache entry to invalidate after a write.
type CacheRef struct {
	Endpoint string
	Params   Params
}

// ReadRequest is a cacheable backend read.
type ReadRequest struct {
	// Endpoint and Params form the cache key.
	Endpoint string
	Params   Params

	// Request is what gets sent on a cache miss.
	Request transport.Request

	// UseCache consults and fills the cache.
	UseCache bool

	// CacheTTL overrides the cache default TTL when positive.
	CacheTTL time.Duration

	// Fallback is returned instead of an exhausted-retries error, but only while the
	// service is in degraded mode. Nil means the read has no placeholder.
	Fallback json.RawMessage

	// Validate checks the body's shape before it is returned or cached. An error
	// marks the attempt as a malformed response.
	Validate func(json.RawMessage) error
}

// WriteRequest is a mutating backend call. Writes never touch the cache except to
// invalidate the entries they make stale.
type WriteRequest struct {
	Request     transport.Request
	Invalidates []CacheRef
}

type serviceConfig struct {
	logger      *slog.Logger
	cache       *Cache[json.RawMessage]
	retryOpts   []RetryOption
	breakerOpts []CircuitBreakerOption
	withBreaker bool
	degraded    bool
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceConfig)

// WithServiceLogger sets the service's logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(c *serviceConfig) {
		c.logger = logger
	}
}

// WithResponseCache sets the cache shared by all reads. Without one, reads always call the backend.
func WithResponseCache(cache *Cache[json.RawMessage]) ServiceOption {
	return func(c *serviceConfig) {
		c.cache = cache
	}
}

// WithRetryOptions configures the retry wrapper every call goes through.
func WithRetryOptions(opts ...RetryOption) ServiceOption {
	return func(c *serviceConfig) {
		c.retryOpts = append(c.retryOpts, opts...)
	}
}

// WithCircuitBreaker puts a circuit breaker between the retry wrapper and the transport.
func WithCircuitBreaker(opts ...CircuitBreakerOption) ServiceOption {
	return func(c *serviceConfig) {
		c.withBreaker = true
		c.breakerOpts = append(c.breakerOpts, opts...)
	}
}

// WithDegradedMode starts the service with placeholder fallbacks enabled.
func WithDegradedMode(enabled bool) ServiceOption {
	return func(c *serviceConfig) {
		c.degraded = enabled
	}
}

// Service composes transport, retry, optional circuit breaker and cache into the
// read and write operations resource clients are built on.
type Service struct {
	backend  ResilientClient[call, *transport.Response]
	breaker  *CircuitBreakerWrapper[call, *transport.Response]
	cache    *Cache[json.RawMessage]
	logger   *slog.Logger
	group    singleflight.Group
	degraded atomic.Bool
}

// NewService wraps t. Every call is checked for a JSON body, then passed through the
// optional circuit breaker and the retry wrapper.
//
// Example:
//
//	svc := apiclient.NewService(
//	    transport.NewDirect(cfg.API.BaseURL),
//	    apiclient.WithResponseCache(apiclient.NewCache[json.RawMessage]()),
//	    apiclient.WithRetryOptions(apiclient.WithMaxRetries(3)),
//	)
func NewService(t ResilientClient[transport.Request, *transport.Response], opts ...ServiceOption) *Service {
	cfg := serviceConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	s := &Service{
		cache:  cfg.cache,
		logger: cfg.logger.With("component", "service"),
	}
	s.degraded.Store(cfg.degraded)

	var chain ResilientClient[call, *transport.Response] = ClientFunc[call, *transport.Response](
		func(ctx context.Context, c call) (*transport.Response, error) {
			resp, err := t.Execute(ctx, c.req)
			if err != nil {
				return nil, err
			}
			if len(resp.Body) > 0 && !json.Valid(resp.Body) {
				return nil, fmt.Errorf("%w: %s %s returned a non-JSON body", ErrMalformedResponse, c.req.Method, c.req.Path())
			}
			if c.validate != nil {
				if err := c.validate(resp.Body); err != nil {
					return nil, fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, c.req.Method, c.req.Path(), err)
				}
			}
			return resp, nil
		})

	if cfg.withBreaker {
		breakerOpts := append([]CircuitBreakerOption{WithCircuitBreakerLogger(cfg.logger)}, cfg.breakerOpts...)
		s.breaker = NewCircuitBreakerWrapper(chain, breakerOpts...)
		chain = s.breaker
	}

	retryOpts := append([]RetryOption{WithRetryLogger(cfg.logger)}, cfg.retryOpts...)
	s.backend = NewRetryWrapper(chain, retryOpts...)

	return s
}

// SetDegraded switches placeholder fallbacks on or off.
func (s *Service) SetDegraded(degraded bool) {
	s.degraded.Store(degraded)
}

// Degraded reports whether placeholder fallbacks are enabled.
func (s *Service) Degraded() bool {
	return s.degraded.Load()
}

// Cache returns the response cache, or nil.
func (s *Service) Cache() *Cache[json.RawMessage] {
	return s.cache
}

// InvalidateAll clears the response cache, e.g. on logout.
func (s *Service) InvalidateAll() {
	if s.cache != nil {
		s.cache.InvalidateAll()
	}
}

// Read answers from the cache when it can and otherwise calls the backend. Concurrent
// misses for the same key share one backend call. The shared call outlives a caller
// that gives up; each caller only stops waiting for it.
func (s *Service) Read(ctx context.Context, r ReadRequest) (json.RawMessage, error) {
	cached := r.UseCache && s.cache != nil

	if cached {
		if body, ok := s.cache.Get(r.Endpoint, r.Params); ok {
			s.logger.Debug("cache hit", "endpoint", r.Endpoint)
			return body, nil
		}
	}

	var (
		body json.RawMessage
		err  error
	)
	if cached {
		body, err = s.sharedFetch(ctx, r)
	} else {
		body, err = s.fetch(ctx, call{req: r.Request, validate: r.Validate})
	}
	if err == nil {
		return body, nil
	}

	if errors.Is(err, ErrExhaustedRetries) && r.Fallback != nil && s.Degraded() {
		s.logger.Warn("backend unavailable, serving placeholder data",
			"endpoint", r.Endpoint,
			"error", err)
		return r.Fallback, nil
	}
	return nil, err
}

func (s *Service) sharedFetch(ctx context.Context, r ReadRequest) (json.RawMessage, error) {
	key := GenerateKey(r.Endpoint, r.Params)
	flightCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		gen := s.cache.Generation(r.Endpoint, r.Params)
		body, err := s.fetch(flightCtx, call{req: r.Request, validate: r.Validate})
		if err != nil {
			return nil, err
		}
		if !s.cache.SetIfCurrent(r.Endpoint, r.Params, body, r.CacheTTL, gen) {
			s.logger.Debug("entry invalidated while fetching, result not cached", "endpoint", r.Endpoint)
		}
		return body, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

// Write calls the backend and, on success, invalidates every entry in w.Invalidates.
// A failed write leaves the cache untouched and never falls back.
func (s *Service) Write(ctx context.Context, w WriteRequest) (json.RawMessage, error) {
	body, err := s.fetch(ctx, call{req: w.Request})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		for _, ref := range w.Invalidates {
			s.cache.Invalidate(ref.Endpoint, ref.Params)
			// Reads arriving from now on must not join a fetch that began before the write.
			s.group.Forget(GenerateKey(ref.Endpoint, ref.Params))
		}
	}
	return body, nil
}

func (s *Service) fetch(ctx context.Context, c call) (json.RawMessage, error) {
	resp, err := s.backend.Execute(ctx, c)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Health reports breaker state and cache statistics.
func (s *Service) Health() Report {
	var cacheStats *CacheStats
	if s.cache != nil {
		stats := s.cache.Stats()
		cacheStats = &stats
	}
	if s.breaker == nil {
		return BuildReport(s.Degraded(), cacheStats)
	}
	return BuildReport(s.Degraded(), cacheStats, s.breaker)
}
