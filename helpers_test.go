package apiclient_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// mockClient implements ResilientClient for testing
type mockClient struct {
	executeFunc func(ctx context.Context, req string) (string, error)
	callCount   atomic.Int32
}

func (m *mockClient) Execute(ctx context.Context, req string) (string, error) {
	m.callCount.Add(1)
	return m.executeFunc(ctx, req)
}

func (m *mockClient) getCallCount() int {
	return int(m.callCount.Load())
}

func (m *mockClient) resetCallCount() {
	m.callCount.Store(0)
}

type mockErrorClassifier struct {
	isRetryableFunc func(err error) bool
}

func (m *mockErrorClassifier) IsRetryable(err error) bool {
	return m.isRetryableFunc(err)
}

// fakeBackend stands in for a transport, recording every request it receives.
type fakeBackend struct {
	mu       sync.Mutex
	requests []transport.Request
	handle   func(ctx context.Context, req transport.Request) (*transport.Response, error)
}

func (f *fakeBackend) Execute(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handle := f.handle
	f.mu.Unlock()
	return handle(ctx, req)
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeBackend) setHandler(h func(ctx context.Context, req transport.Request) (*transport.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handle = h
}

func jsonResponse(body string) func(context.Context, transport.Request) (*transport.Response, error) {
	return func(context.Context, transport.Request) (*transport.Response, error) {
		return &transport.Response{Status: 200, Body: []byte(body)}, nil
	}
}

func statusResponse(status int) func(context.Context, transport.Request) (*transport.Response, error) {
	return func(context.Context, transport.Request) (*transport.Response, error) {
		return nil, &transport.APIError{Status: status}
	}
}

// memStore is an in-memory Store that records its traffic.
type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	sets    int
	deletes int
	clears  int
	failAll error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return nil, false, s.failAll
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.sets++
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.deletes++
	delete(s.data, key)
	return nil
}

func (s *memStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.clears++
	s.data = make(map[string][]byte)
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}
