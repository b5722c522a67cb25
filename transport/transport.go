// Package transport sends backend API requests either straight to the backend or through
// the gateway's /api/proxy route. The mode is picked once from configuration.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Mode selects how requests reach the backend.
type Mode string

const (
	// ModeDirect calls {baseURL}/{resource}/{id}.
	ModeDirect Mode = "direct"

	// ModeProxy calls {proxyURL}/api/proxy?path={resource}/{id}&method={METHOD}.
	ModeProxy Mode = "proxy"
)

// ParseMode accepts "direct" and "proxy", case-insensitively. Empty means direct.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeDirect:
		return ModeDirect, nil
	case ModeProxy:
		return ModeProxy, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q (want direct or proxy)", s)
	}
}

// Request is one backend call.
type Request struct {
	// Method is the HTTP method. Empty means GET.
	Method string

	// Resource is the first path segment, e.g. "AIAssistant".
	Resource string

	// ID is appended as a second path segment when set.
	ID string

	// Query is sent as the URL query string.
	Query url.Values

	// Body is JSON-encoded. json.RawMessage and []byte are sent as-is.
	Body any
}

// Path returns "{resource}/{id}" with the id escaped, or just the resource.
func (r Request) Path() string {
	p := strings.Trim(r.Resource, "/")
	if r.ID != "" {
		p += "/" + url.PathEscape(r.ID)
	}
	return p
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Response is a 2xx backend answer.
type Response struct {
	Status int
	Header http.Header
	Body   json.RawMessage
}

// APIError is a non-2xx backend answer. It carries the status for retry classification.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int {
	return e.Status
}

// ServerMessage returns the "message" field of the error body, if there was one.
func (e *APIError) ServerMessage() string {
	return e.Message
}

// Transport performs a single backend call with no retries.
type Transport interface {
	Execute(ctx context.Context, req Request) (*Response, error)
	Mode() Mode
}

// Option configures a transport.
type Option func(*base)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *base) {
		b.httpClient = c
	}
}

// WithAPIKey sends "Authorization: Bearer {key}" on every request.
func WithAPIKey(key string) Option {
	return func(b *base) {
		b.apiKey = key
	}
}

// WithHeader adds a static header to every request.
func WithHeader(name, value string) Option {
	return func(b *base) {
		b.headers.Set(name, value)
	}
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		b.logger = logger
	}
}

// New builds the transport for mode.
func New(mode Mode, baseURL, proxyURL string, opts ...Option) (Transport, error) {
	switch mode {
	case ModeDirect, "":
		if baseURL == "" {
			return nil, fmt.Errorf("direct transport needs a base URL")
		}
		return NewDirect(baseURL, opts...), nil
	case ModeProxy:
		if proxyURL == "" {
			return nil, fmt.Errorf("proxy transport needs a proxy URL")
		}
		return NewProxy(proxyURL, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", mode)
	}
}

// base holds what both transports share.
type base struct {
	httpClient *http.Client
	logger     *slog.Logger
	headers    http.Header
	apiKey     string
}

func newBase(opts []Option) base {
	b := base{
		httpClient: &http.Client{},
		logger:     slog.Default(),
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.httpClient == nil {
		b.httpClient = http.DefaultClient
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// do sends one request to target and turns the answer into a Response or an error.
func (b *base) do(ctx context.Context, method, target string, body any) (*Response, error) {
	reader, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for name, values := range b.headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if reader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	b.logger.Debug("sending backend request", "method", method, "url", target)

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &APIError{
			Status:  httpResp.StatusCode,
			Message: extractMessage(respBody),
			Body:    respBody,
		}
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   json.RawMessage(respBody),
	}, nil
}

func encodeBody(body any) (io.Reader, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return bytes.NewReader(v), nil
	case []byte:
		return bytes.NewReader(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(raw), nil
	}
}

func extractMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		return payload.Message
	}
	return ""
}
