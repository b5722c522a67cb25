package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker/v2"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		backend *fakeBackend
		cache   *apiclient.Cache[json.RawMessage]
		listReq apiclient.ReadRequest
	)

	newService := func(opts ...apiclient.ServiceOption) *apiclient.Service {
		base := []apiclient.ServiceOption{
			apiclient.WithServiceLogger(quietLogger()),
			apiclient.WithResponseCache(cache),
			apiclient.WithRetryOptions(apiclient.WithBaseDelay(time.Millisecond)),
		}
		return apiclient.NewService(backend, append(base, opts...)...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		backend = &fakeBackend{handle: jsonResponse(`[{"id":1}]`)}
		cache = apiclient.NewCache[json.RawMessage](apiclient.WithCacheLogger(quietLogger()))
		listReq = apiclient.ReadRequest{
			Endpoint: "AIAssistant",
			Params:   apiclient.Params{"userId": "u1"},
			Request:  transport.Request{Resource: "AIAssistant"},
			UseCache: true,
		}
	})

	Describe("Read", func() {
		It("returns the backend body", func() {
			body, err := newService().Read(ctx, listReq)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(`[{"id":1}]`))
			Expect(backend.calls()).To(Equal(1))
		})

		It("serves repeated reads from the cache", func() {
			svc := newService()
			_, _ = svc.Read(ctx, listReq)
			body, err := svc.Read(ctx, listReq)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(`[{"id":1}]`))
			Expect(backend.calls()).To(Equal(1))
		})

		It("bypasses the cache when asked", func() {
			svc := newService()
			listReq.UseCache = false
			_, _ = svc.Read(ctx, listReq)
			_, _ = svc.Read(ctx, listReq)
			Expect(backend.calls()).To(Equal(2))
			Expect(cache.Len()).To(Equal(0))
		})

		It("retries transient failures and gives up after the last retry", func() {
			backend.setHandler(statusResponse(503))

			_, err := newService().Read(ctx, listReq)
			Expect(errors.Is(err, apiclient.ErrExhaustedRetries)).To(BeTrue())
			Expect(backend.calls()).To(Equal(4))
		})

		It("does not retry fatal statuses", func() {
			backend.setHandler(statusResponse(404))

			_, err := newService().Read(ctx, listReq)
			Expect(errors.Is(err, apiclient.ErrFatalClient)).To(BeTrue())
			Expect(apiclient.UserMessage(err)).To(Equal("resource not found"))
			Expect(backend.calls()).To(Equal(1))
		})

		It("treats non-JSON bodies as malformed and retries them", func() {
			backend.setHandler(jsonResponse("<html>oops</html>"))

			_, err := newService().Read(ctx, listReq)
			Expect(errors.Is(err, apiclient.ErrExhaustedRetries)).To(BeTrue())
			Expect(errors.Is(err, apiclient.ErrMalformedResponse)).To(BeTrue())
			Expect(backend.calls()).To(Equal(4))
		})

		It("does not cache failures", func() {
			backend.setHandler(statusResponse(404))
			svc := newService()
			_, _ = svc.Read(ctx, listReq)

			backend.setHandler(jsonResponse(`[]`))
			body, err := svc.Read(ctx, listReq)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(`[]`))
		})

		It("shares one backend call between concurrent misses", func() {
			release := make(chan struct{})
			backend.setHandler(func(ctx context.Context, req transport.Request) (*transport.Response, error) {
				<-release
				return &transport.Response{Status: 200, Body: []byte(`[]`)}, nil
			})
			svc := newService()

			var wg sync.WaitGroup
			errs := make([]error, 5)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = svc.Read(ctx, listReq)
				}(i)
			}
			time.Sleep(50 * time.Millisecond)
			close(release)
			wg.Wait()

			for _, err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(backend.calls()).To(Equal(1))
		})

		It("keeps a shared fetch running for waiters when the first caller gives up", func() {
			release := make(chan struct{})
			var started atomic.Int32
			backend.setHandler(func(ctx context.Context, req transport.Request) (*transport.Response, error) {
				started.Add(1)
				select {
				case <-release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				return &transport.Response{Status: 200, Body: []byte(`[{"id":3}]`)}, nil
			})
			svc := newService()

			leaderCtx, cancelLeader := context.WithCancel(ctx)
			defer cancelLeader()
			leaderErr := make(chan error, 1)
			go func() {
				_, err := svc.Read(leaderCtx, listReq)
				leaderErr <- err
			}()
			Eventually(started.Load).Should(Equal(int32(1)))

			followerBody := make(chan json.RawMessage, 1)
			go func() {
				defer GinkgoRecover()
				body, err := svc.Read(ctx, listReq)
				Expect(err).NotTo(HaveOccurred())
				followerBody <- body
			}()
			time.Sleep(50 * time.Millisecond)

			cancelLeader()
			Eventually(leaderErr).Should(Receive(MatchError(context.Canceled)))

			close(release)
			Eventually(followerBody).Should(Receive(Equal(json.RawMessage(`[{"id":3}]`))))
			Expect(backend.calls()).To(Equal(1))
			Expect(cache.Len()).To(Equal(1))
		})

		Context("with a circuit breaker", func() {
			BeforeEach(func() {
				backend.setHandler(statusResponse(503))
				listReq.Fallback = json.RawMessage(`[{"id":0,"name":"placeholder"}]`)
			})

			breakerService := func(opts ...apiclient.ServiceOption) *apiclient.Service {
				return newService(append([]apiclient.ServiceOption{
					apiclient.WithCircuitBreaker(apiclient.WithCircuitBreakerName("backend")),
				}, opts...)...)
			}

			It("reports exhausted retries when the breaker opens during the read", func() {
				_, err := breakerService().Read(ctx, listReq)
				Expect(errors.Is(err, apiclient.ErrExhaustedRetries)).To(BeTrue())
				Expect(errors.Is(err, apiclient.ErrFatalClient)).To(BeFalse())
				Expect(errors.Is(err, gobreaker.ErrOpenState)).To(BeTrue())
				Expect(apiclient.UserMessage(err)).To(Equal("service temporarily unavailable, please retry"))
				Expect(backend.calls()).To(Equal(3))
			})

			It("serves the fallback in degraded mode while the breaker is open", func() {
				svc := breakerService(apiclient.WithDegradedMode(true))

				body, err := svc.Read(ctx, listReq)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("placeholder"))

				body, err = svc.Read(ctx, listReq)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("placeholder"))
				Expect(backend.calls()).To(Equal(3))
			})
		})

		It("retries bodies that fail validation and never caches them", func() {
			backend.setHandler(jsonResponse(`{"unexpected":true}`))
			listReq.Validate = func(body json.RawMessage) error {
				var list []map[string]any
				return json.Unmarshal(body, &list)
			}

			_, err := newService().Read(ctx, listReq)
			Expect(errors.Is(err, apiclient.ErrExhaustedRetries)).To(BeTrue())
			Expect(errors.Is(err, apiclient.ErrMalformedResponse)).To(BeTrue())
			Expect(backend.calls()).To(Equal(4))
			Expect(cache.Len()).To(Equal(0))
		})

		Describe("fallbacks", func() {
			BeforeEach(func() {
				listReq.Fallback = json.RawMessage(`[{"id":0,"name":"placeholder"}]`)
			})

			It("serves the fallback in degraded mode once retries are exhausted", func() {
				backend.setHandler(statusResponse(503))

				body, err := newService(apiclient.WithDegradedMode(true)).Read(ctx, listReq)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(ContainSubstring("placeholder"))
			})

			It("returns the error outside degraded mode", func() {
				backend.setHandler(statusResponse(503))

				_, err := newService().Read(ctx, listReq)
				Expect(errors.Is(err, apiclient.ErrExhaustedRetries)).To(BeTrue())
			})

			It("never hides fatal errors", func() {
				backend.setHandler(statusResponse(403))

				_, err := newService(apiclient.WithDegradedMode(true)).Read(ctx, listReq)
				Expect(errors.Is(err, apiclient.ErrFatalClient)).To(BeTrue())
			})

			It("can be toggled at runtime", func() {
				backend.setHandler(statusResponse(503))
				svc := newService()
				Expect(svc.Degraded()).To(BeFalse())

				svc.SetDegraded(true)
				_, err := svc.Read(ctx, listReq)
				Expect(err).NotTo(HaveOccurred())
				Expect(cache.Len()).To(Equal(0))
			})
		})
	})

	Describe("Write", func() {
		It("invalidates the named entries on success", func() {
			svc := newService()
			_, _ = svc.Read(ctx, listReq)
			Expect(cache.Len()).To(Equal(1))

			backend.setHandler(jsonResponse(`{"id":2}`))
			body, err := svc.Write(ctx, apiclient.WriteRequest{
				Request:     transport.Request{Method: "POST", Resource: "AIAssistant", Body: map[string]any{"name": "Ada"}},
				Invalidates: []apiclient.CacheRef{{Endpoint: listReq.Endpoint, Params: listReq.Params}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(`{"id":2}`))
			Expect(cache.Len()).To(Equal(0))
		})

		It("keeps a read that began before the write from caching stale data", func() {
			release := make(chan struct{})
			var gets atomic.Int32
			backend.setHandler(func(ctx context.Context, req transport.Request) (*transport.Response, error) {
				if req.Method == "PUT" {
					return &transport.Response{Status: 200, Body: []byte(`{}`)}, nil
				}
				if gets.Add(1) == 1 {
					<-release
					return &transport.Response{Status: 200, Body: []byte(`[{"v":0}]`)}, nil
				}
				return &transport.Response{Status: 200, Body: []byte(`[{"v":1}]`)}, nil
			})
			svc := newService()

			before := make(chan json.RawMessage, 1)
			go func() {
				body, _ := svc.Read(ctx, listReq)
				before <- body
			}()
			Eventually(gets.Load).Should(Equal(int32(1)))

			_, err := svc.Write(ctx, apiclient.WriteRequest{
				Request:     transport.Request{Method: "PUT", Resource: "AIAssistant", ID: "1"},
				Invalidates: []apiclient.CacheRef{{Endpoint: listReq.Endpoint, Params: listReq.Params}},
			})
			Expect(err).NotTo(HaveOccurred())

			after, err := svc.Read(ctx, listReq)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(after)).To(Equal(`[{"v":1}]`))

			close(release)
			Eventually(before).Should(Receive(Equal(json.RawMessage(`[{"v":0}]`))))

			cached, ok := cache.Get(listReq.Endpoint, listReq.Params)
			Expect(ok).To(BeTrue())
			Expect(string(cached)).To(Equal(`[{"v":1}]`))
			Expect(gets.Load()).To(Equal(int32(2)))
		})

		It("leaves the cache alone on failure", func() {
			svc := newService()
			_, _ = svc.Read(ctx, listReq)

			backend.setHandler(statusResponse(400))
			_, err := svc.Write(ctx, apiclient.WriteRequest{
				Request:     transport.Request{Method: "POST", Resource: "AIAssistant"},
				Invalidates: []apiclient.CacheRef{{Endpoint: listReq.Endpoint, Params: listReq.Params}},
			})
			Expect(errors.Is(err, apiclient.ErrFatalClient)).To(BeTrue())
			Expect(cache.Len()).To(Equal(1))
		})

		It("clears everything on InvalidateAll", func() {
			svc := newService()
			_, _ = svc.Read(ctx, listReq)
			svc.InvalidateAll()
			Expect(svc.Cache().Len()).To(Equal(0))
		})
	})

	Describe("Health", func() {
		It("reports cache stats without a breaker", func() {
			report := newService().Health()
			Expect(report.Healthy).To(BeTrue())
			Expect(report.Breakers).To(BeEmpty())
			Expect(report.Cache).NotTo(BeNil())
		})

		It("turns unhealthy once the breaker opens", func() {
			backend.setHandler(statusResponse(500))
			svc := newService(apiclient.WithCircuitBreaker(apiclient.WithCircuitBreakerName("backend")))

			_, err := svc.Read(ctx, listReq)
			Expect(err).To(HaveOccurred())

			report := svc.Health()
			Expect(report.Healthy).To(BeFalse())
			Expect(report.Breakers).To(HaveLen(1))
			Expect(report.Breakers[0].Name).To(Equal("backend"))
			Expect(report.Breakers[0].Status).To(Equal("open"))
		})
	})
})
