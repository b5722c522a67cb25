package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

type seenRequest struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   string
}

type recorder struct {
	mu     sync.Mutex
	seen   []seenRequest
	status int
	body   string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.seen = append(r.seen, seenRequest{
		method: req.Method,
		path:   req.URL.EscapedPath(),
		query:  req.URL.Query(),
		header: req.Header.Clone(),
		body:   string(body),
	})
	status, respBody := r.status, r.body
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, respBody)
}

func (r *recorder) last() seenRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[len(r.seen)-1]
}

var _ = Describe("Transport", func() {
	var (
		rec    *recorder
		server *httptest.Server
		ctx    context.Context
	)

	BeforeEach(func() {
		rec = &recorder{status: http.StatusOK, body: `{"ok":true}`}
		server = httptest.NewServer(rec)
		ctx = context.Background()
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("ParseMode", func() {
		DescribeTable("accepted values",
			func(in string, want transport.Mode) {
				mode, err := transport.ParseMode(in)
				Expect(err).NotTo(HaveOccurred())
				Expect(mode).To(Equal(want))
			},
			Entry("empty", "", transport.ModeDirect),
			Entry("direct", "direct", transport.ModeDirect),
			Entry("upper case proxy", " PROXY ", transport.ModeProxy),
		)

		It("rejects unknown modes", func() {
			_, err := transport.ParseMode("carrier-pigeon")
			Expect(err).To(MatchError(ContainSubstring("carrier-pigeon")))
		})
	})

	Describe("New", func() {
		It("requires the URL for the chosen mode", func() {
			_, err := transport.New(transport.ModeDirect, "", "http://proxy")
			Expect(err).To(HaveOccurred())
			_, err = transport.New(transport.ModeProxy, "http://api", "")
			Expect(err).To(HaveOccurred())
		})

		It("builds the matching transport", func() {
			t, err := transport.New(transport.ModeProxy, "", server.URL)
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Mode()).To(Equal(transport.ModeProxy))

			t, err = transport.New(transport.ModeDirect, server.URL, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Mode()).To(Equal(transport.ModeDirect))
		})
	})

	Describe("Direct", func() {
		It("calls {base}/{resource}/{id} with the query string", func() {
			t := transport.NewDirect(server.URL + "/")
			resp, err := t.Execute(ctx, transport.Request{
				Resource: "AIAssistant",
				ID:       "42",
				Query:    url.Values{"userId": {"u1"}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))
			Expect(string(resp.Body)).To(Equal(`{"ok":true}`))

			seen := rec.last()
			Expect(seen.method).To(Equal(http.MethodGet))
			Expect(seen.path).To(Equal("/AIAssistant/42"))
			Expect(seen.query.Get("userId")).To(Equal("u1"))
		})

		It("escapes ids", func() {
			t := transport.NewDirect(server.URL)
			_, err := t.Execute(ctx, transport.Request{Resource: "AIAssistant", ID: "a/b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.last().path).To(Equal("/AIAssistant/a%2Fb"))
		})

		It("sends JSON bodies and auth headers", func() {
			t := transport.NewDirect(server.URL,
				transport.WithAPIKey("secret"),
				transport.WithHeader("X-Client", "cli"),
			)
			_, err := t.Execute(ctx, transport.Request{
				Method:   "post",
				Resource: "AIAssistant",
				Body:     map[string]string{"name": "Ada"},
			})
			Expect(err).NotTo(HaveOccurred())

			seen := rec.last()
			Expect(seen.method).To(Equal(http.MethodPost))
			Expect(seen.header.Get("Authorization")).To(Equal("Bearer secret"))
			Expect(seen.header.Get("Content-Type")).To(Equal("application/json"))
			Expect(seen.header.Get("X-Client")).To(Equal("cli"))
			Expect(seen.body).To(MatchJSON(`{"name":"Ada"}`))
		})

		It("sends raw JSON untouched", func() {
			t := transport.NewDirect(server.URL)
			_, err := t.Execute(ctx, transport.Request{
				Method:   http.MethodPut,
				Resource: "AIAssistant",
				ID:       "1",
				Body:     json.RawMessage(`{"greeting":"hi"}`),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.last().body).To(Equal(`{"greeting":"hi"}`))
		})

		It("turns non-2xx answers into APIErrors", func() {
			rec.status = http.StatusServiceUnavailable
			rec.body = `{"message":"maintenance"}`

			t := transport.NewDirect(server.URL)
			_, err := t.Execute(ctx, transport.Request{Resource: "AIAssistant"})

			var apiErr *transport.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.StatusCode()).To(Equal(http.StatusServiceUnavailable))
			Expect(apiErr.ServerMessage()).To(Equal("maintenance"))
			Expect(string(apiErr.Body)).To(Equal(`{"message":"maintenance"}`))
			Expect(apiErr.Error()).To(Equal("backend returned 503: maintenance"))
		})

		It("returns plain errors when nothing answers", func() {
			t := transport.NewDirect(server.URL)
			server.Close()

			_, err := t.Execute(ctx, transport.Request{Resource: "AIAssistant"})
			Expect(err).To(HaveOccurred())
			var apiErr *transport.APIError
			Expect(errors.As(err, &apiErr)).To(BeFalse())
		})
	})

	Describe("timeouts", func() {
		var (
			slow    *httptest.Server
			release chan struct{}
		)

		BeforeEach(func() {
			release = make(chan struct{})
			slow = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-release:
				case <-r.Context().Done():
					return
				}
				_, _ = io.WriteString(w, `{"ok":true}`)
			}))
		})

		AfterEach(func() {
			close(release)
			slow.Close()
		})

		It("stops at the caller's deadline", func() {
			short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			_, err := transport.NewDirect(slow.URL).Execute(short, transport.Request{Resource: "AIAssistant"})
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})

		It("waits for slow answers while the caller's context allows", func() {
			go func() {
				time.Sleep(100 * time.Millisecond)
				release <- struct{}{}
			}()

			resp, err := transport.NewDirect(slow.URL).Execute(ctx, transport.Request{Resource: "AIAssistant"})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(resp.Body)).To(Equal(`{"ok":true}`))
		})
	})

	Describe("Proxy", func() {
		It("sends the path and method as query parameters", func() {
			t := transport.NewProxy(server.URL)
			_, err := t.Execute(ctx, transport.Request{
				Method:   http.MethodDelete,
				Resource: "AIAssistant",
				ID:       "7",
				Query:    url.Values{"userId": {"u1"}},
			})
			Expect(err).NotTo(HaveOccurred())

			seen := rec.last()
			Expect(seen.method).To(Equal(http.MethodDelete))
			Expect(seen.path).To(Equal(transport.ProxyRoute))
			Expect(seen.query.Get("path")).To(Equal("AIAssistant/7?userId=u1"))
			Expect(seen.query.Get("method")).To(Equal(http.MethodDelete))
		})

		It("surfaces mirrored errors", func() {
			rec.status = http.StatusNotFound
			rec.body = `{"error":true,"message":"no such assistant"}`

			_, err := transport.NewProxy(server.URL).Execute(ctx, transport.Request{Resource: "AIAssistant", ID: "9"})
			var apiErr *transport.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.Status).To(Equal(http.StatusNotFound))
			Expect(apiErr.Message).To(Equal("no such assistant"))
		})
	})
})
