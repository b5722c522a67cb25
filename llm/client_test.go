package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
	"github.com/JohnPlummer/jp-go-apiclient/llm"
)

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "o1-mini",
  "choices": [
    {"index": 0, "message": {"role": "assistant", "content": "Take rest and drink water."}, "finish_reason": "stop"}
  ],
  "usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
}`

type completionAPI struct {
	mu      sync.Mutex
	bodies  []map[string]any
	paths   []string
	auth    string
	replies []reply
}

type reply struct {
	status int
	body   string
}

func (c *completionAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)

	c.mu.Lock()
	c.bodies = append(c.bodies, decoded)
	c.paths = append(c.paths, r.URL.Path)
	c.auth = r.Header.Get("Authorization")
	next := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(next.status)
	_, _ = io.WriteString(w, next.body)
}

func (c *completionAPI) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

var _ = Describe("Client", func() {
	var (
		api    *completionAPI
		server *httptest.Server
		client *llm.Client
		ctx    context.Context
	)

	newClient := func(cfg llm.Config) *llm.Client {
		cfg.BaseURL = server.URL
		if cfg.APIKey == "" {
			cfg.APIKey = "sk-test"
		}
		c, err := llm.New(cfg,
			llm.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			llm.WithHTTPClient(server.Client()),
			llm.WithRetryOptions(
				apiclient.WithMaxRetries(1),
				apiclient.WithBaseDelay(time.Millisecond),
			),
		)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		api = &completionAPI{replies: []reply{{status: http.StatusOK, body: completionBody}}}
		server = httptest.NewServer(api)
		ctx = context.Background()
		client = newClient(llm.Config{})
	})

	AfterEach(func() {
		server.Close()
	})

	It("requires an API key", func() {
		_, err := llm.New(llm.Config{})
		Expect(err).To(HaveOccurred())
	})

	It("applies defaults", func() {
		Expect(client.Model()).To(Equal(llm.DefaultModel))
	})

	It("returns the first choice", func() {
		out, err := client.Complete(ctx, "I have a headache", "You are a careful assistant.", 0.3)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal("Take rest and drink water."))

		Expect(api.paths[0]).To(Equal("/chat/completions"))
		Expect(api.auth).To(Equal("Bearer sk-test"))

		sent := api.bodies[0]
		Expect(sent).To(HaveKeyWithValue("model", "o1-mini"))
		Expect(sent).To(HaveKeyWithValue("temperature", BeNumerically("~", 0.3)))
		Expect(sent).To(HaveKeyWithValue("max_tokens", BeNumerically("==", llm.DefaultMaxTokens)))

		messages, ok := sent["messages"].([]any)
		Expect(ok).To(BeTrue())
		Expect(messages).To(HaveLen(2))
		Expect(messages[0]).To(HaveKeyWithValue("role", "system"))
		Expect(messages[1]).To(HaveKeyWithValue("role", "user"))
	})

	It("omits the system message when none is given", func() {
		_, err := client.Complete(ctx, "hello", "", 0.5)
		Expect(err).NotTo(HaveOccurred())
		Expect(api.bodies[0]["messages"]).To(HaveLen(1))
	})

	DescribeTable("rejects prompts before sending them",
		func(prompt string, cause error) {
			c := newClient(llm.Config{MaxPromptChars: 10})
			_, err := c.Complete(ctx, prompt, "", 0.5)
			Expect(errors.Is(err, cause)).To(BeTrue())
			Expect(errors.Is(err, apiclient.ErrFatalClient)).To(BeTrue())
			Expect(api.calls()).To(Equal(0))
		},
		Entry("blank", "   ", llm.ErrEmptyPrompt),
		Entry("too long", strings.Repeat("x", 11), llm.ErrPromptTooLong),
	)

	It("retries completions without choices", func() {
		api.replies = []reply{{status: http.StatusOK, body: `{"id":"x","object":"chat.completion","choices":[]}`}}

		_, err := client.Complete(ctx, "hello", "", 0.5)
		Expect(errors.Is(err, apiclient.ErrExhaustedRetries)).To(BeTrue())
		Expect(errors.Is(err, apiclient.ErrMalformedResponse)).To(BeTrue())
		Expect(api.calls()).To(Equal(2))
	})

	It("retries server errors and recovers", func() {
		api.replies = []reply{
			{status: http.StatusServiceUnavailable, body: `{"error":{"message":"overloaded","type":"server_error"}}`},
			{status: http.StatusOK, body: completionBody},
		}

		out, err := client.Complete(ctx, "hello", "", 0.5)
		Expect(err).NotTo(HaveOccurred())
		Expect(out).NotTo(BeEmpty())
		Expect(api.calls()).To(Equal(2))
	})

	It("does not retry client errors", func() {
		api.replies = []reply{{status: http.StatusBadRequest, body: `{"error":{"message":"bad model","type":"invalid_request_error"}}`}}

		_, err := client.Complete(ctx, "hello", "", 0.5)
		Expect(errors.Is(err, apiclient.ErrFatalClient)).To(BeTrue())

		var apiErr *llm.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode()).To(Equal(http.StatusBadRequest))
		Expect(api.calls()).To(Equal(1))
	})
})
