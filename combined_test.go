package apiclient_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker/v2"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

var _ = Describe("CombineRetryAndCircuitBreaker", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		client *mockClient
	)

	retryConfig := func(maxRetries int) *apiclient.RetryConfig {
		cfg := apiclient.DefaultRetryConfig()
		cfg.MaxRetries = maxRetries
		cfg.BaseDelay = 5 * time.Millisecond
		cfg.MaxDelay = 20 * time.Millisecond
		return cfg
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		client = &mockClient{}
	})

	AfterEach(func() {
		cancel()
	})

	It("returns a client usable as a ResilientClient", func() {
		client.executeFunc = func(ctx context.Context, req string) (string, error) {
			return "ok:" + req, nil
		}
		var combined apiclient.ResilientClient[string, string] = apiclient.CombineRetryAndCircuitBreaker[string, string](
			client, nil, nil, quietLogger(),
		)

		resp, err := combined.Execute(ctx, "ping")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("ok:ping"))
	})

	It("retries transient errors through the breaker", func() {
		var attempts atomic.Int32
		client.executeFunc = func(ctx context.Context, req string) (string, error) {
			if attempts.Add(1) < 3 {
				return "", apiclient.NewStatusCodeError(503, errors.New("service unavailable"))
			}
			return "success", nil
		}

		cbConfig := apiclient.DefaultCircuitBreakerConfig()
		cbConfig.ReadyToTrip = func(counts apiclient.CircuitBreakerCounts) bool {
			return counts.ConsecutiveFailures >= 10
		}
		combined := apiclient.CombineRetryAndCircuitBreaker[string, string](client, retryConfig(5), cbConfig, quietLogger())

		resp, err := combined.Execute(ctx, "test")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("success"))
		Expect(client.getCallCount()).To(Equal(3))
	})

	It("does not retry fatal client errors", func() {
		client.executeFunc = func(ctx context.Context, req string) (string, error) {
			return "", apiclient.NewStatusCodeError(400, errors.New("bad request"))
		}
		combined := apiclient.CombineRetryAndCircuitBreaker[string, string](client, retryConfig(3), nil, quietLogger())

		_, err := combined.Execute(ctx, "test")
		Expect(errors.Is(err, apiclient.ErrFatalClient)).To(BeTrue())
		Expect(client.getCallCount()).To(Equal(1))
	})

	It("reports exhausted retries once the breaker opens mid-call", func() {
		client.executeFunc = func(ctx context.Context, req string) (string, error) {
			return "", apiclient.NewStatusCodeError(500, errors.New("server error"))
		}
		combined := apiclient.CombineRetryAndCircuitBreaker[string, string](
			client, retryConfig(10), apiclient.DefaultCircuitBreakerConfig(), quietLogger(),
		)

		_, err := combined.Execute(ctx, "test")
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, gobreaker.ErrOpenState)).To(BeTrue())
		Expect(errors.Is(err, apiclient.ErrExhaustedRetries)).To(BeTrue())
		Expect(errors.Is(err, apiclient.ErrFatalClient)).To(BeFalse())
		// Three failures trip the default breaker; the fourth attempt is rejected.
		Expect(client.getCallCount()).To(Equal(3))
	})

	It("rejects later calls without reaching the client", func() {
		client.executeFunc = func(ctx context.Context, req string) (string, error) {
			return "", apiclient.NewStatusCodeError(500, errors.New("server error"))
		}
		combined := apiclient.CombineRetryAndCircuitBreaker[string, string](
			client, retryConfig(2), apiclient.DefaultCircuitBreakerConfig(), quietLogger(),
		)

		_, _ = combined.Execute(ctx, "trip")
		client.resetCallCount()

		_, err := combined.Execute(ctx, "again")
		Expect(client.getCallCount()).To(Equal(0))
		Expect(errors.Is(err, gobreaker.ErrOpenState)).To(BeTrue())
		Expect(errors.Is(err, apiclient.ErrExhaustedRetries)).To(BeTrue())
		Expect(apiclient.UserMessage(err)).To(Equal("service temporarily unavailable, please retry"))

		var callErr *apiclient.CallError
		Expect(errors.As(err, &callErr)).To(BeTrue())
		Expect(callErr.Attempts).To(Equal(1))
	})

	It("returns the caller's context error", func() {
		client.executeFunc = func(ctx context.Context, req string) (string, error) {
			return "", apiclient.NewStatusCodeError(503, errors.New("unavailable"))
		}
		cfg := retryConfig(5)
		cfg.BaseDelay = time.Second
		combined := apiclient.CombineRetryAndCircuitBreaker[string, string](client, cfg, nil, quietLogger())

		short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancelShort()

		_, err := combined.Execute(short, "test")
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		Expect(client.getCallCount()).To(Equal(1))
	})
})
