// Package llm is a chat completion client for OpenAI-compatible APIs. Each completion is
// one attempt for the SDK; retries, backoff and classification come from apiclient.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

// Defaults for Config.
const (
	DefaultModel          = "o1-mini"
	DefaultMaxTokens      = 1000
	DefaultMaxPromptChars = 4000
)

var (
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrPromptTooLong is returned when a prompt exceeds Config.MaxPromptChars.
	ErrPromptTooLong = errors.New("prompt too long")
)

// Config configures the client.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// MaxTokens caps the completion length.
	MaxTokens int `yaml:"max_tokens"`

	// MaxPromptChars rejects longer prompts before any network call.
	MaxPromptChars int `yaml:"max_prompt_chars"`
}

// Completer produces a completion for a prompt. *Client implements it.
type Completer interface {
	Complete(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error)
}

// Request is one chat completion attempt.
type Request struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
}

// Option configures a Client.
type Option func(*Client)

// WithRetryOptions configures the retry wrapper around every completion.
func WithRetryOptions(opts ...apiclient.RetryOption) Option {
	return func(c *Client) {
		c.retryOpts = append(c.retryOpts, opts...)
	}
}

// WithHTTPClient sets the HTTP client the SDK uses.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client sends chat completions through the retry wrapper.
type Client struct {
	cfg        Config
	sdk        openai.Client
	httpClient *http.Client
	logger     *slog.Logger
	retryOpts  []apiclient.RetryOption
	resilient  apiclient.ResilientClient[Request, string]
}

// New creates a client. The API key is required.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxPromptChars <= 0 {
		cfg.MaxPromptChars = DefaultMaxPromptChars
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// One SDK request per attempt; the retry wrapper owns retries.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	if c.httpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(c.httpClient))
	}
	c.sdk = openai.NewClient(sdkOpts...)

	retryOpts := append([]apiclient.RetryOption{
		apiclient.WithRetryLogger(c.logger),
		apiclient.WithRetryName("llm"),
	}, c.retryOpts...)
	c.resilient = apiclient.NewRetryWrapper[Request, string](
		apiclient.ClientFunc[Request, string](c.attempt),
		retryOpts...,
	)

	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Complete returns the assistant message for prompt. Invalid prompts fail with a fatal
// *apiclient.CallError before any request is sent.
func (c *Client) Complete(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error) {
	if err := c.validate(prompt); err != nil {
		return "", err
	}
	return c.resilient.Execute(ctx, Request{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Temperature:  temperature,
	})
}

func (c *Client) validate(prompt string) error {
	var cause error
	switch {
	case strings.TrimSpace(prompt) == "":
		cause = ErrEmptyPrompt
	case utf8.RuneCountInString(prompt) > c.cfg.MaxPromptChars:
		cause = fmt.Errorf("%w: %d characters, limit is %d",
			ErrPromptTooLong, utf8.RuneCountInString(prompt), c.cfg.MaxPromptChars)
	default:
		return nil
	}
	return &apiclient.CallError{
		Kind:     apiclient.KindFatalClient,
		Status:   http.StatusBadRequest,
		Attempts: 0,
		Message:  cause.Error(),
		Err:      cause,
	}
}

// attempt makes exactly one completion request.
func (c *Client) attempt(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   openai.Int(int64(c.cfg.MaxTokens)),
		Temperature: openai.Float(req.Temperature),
	}

	completion, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", &APIError{Status: apiErr.StatusCode, Message: apiErr.Message, err: err}
		}
		return "", err
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: completion has no choices", apiclient.ErrMalformedResponse)
	}
	content := completion.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: completion message is empty", apiclient.ErrMalformedResponse)
	}

	c.logger.Debug("completion received",
		"model", completion.Model,
		"prompt_tokens", completion.Usage.PromptTokens,
		"completion_tokens", completion.Usage.CompletionTokens)

	return content, nil
}

// APIError is an error status returned by the completion API.
type APIError struct {
	Status  int
	Message string
	err     error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("llm api returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("llm api returned %d", e.Status)
}

// Unwrap returns the SDK error.
func (e *APIError) Unwrap() error {
	return e.err
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int {
	return e.Status
}

// ServerMessage returns the API's error message.
func (e *APIError) ServerMessage() string {
	return e.Message
}
