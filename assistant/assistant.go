// Package assistant is the client for the backend's AI assistant resource.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

// Endpoint is the backend resource name.
const Endpoint = "AIAssistant"

// detailEndpoint keeps detail cache keys apart from list keys.
const detailEndpoint = Endpoint + "/detail"

// Assistant is an AI assistant as the backend stores it.
type Assistant struct {
	AssistantID       int64  `json:"AssistantId"`
	UserID            string `json:"UserId"`
	Name              string `json:"Name"`
	Greeting          string `json:"Greeting"`
	PersonalityTraits string `json:"PersonalityTraits"`
	CreatedAt         string `json:"CreatedAt,omitempty"`
	UpdatedAt         string `json:"UpdatedAt,omitempty"`
}

// Placeholder returns the sample assistants served for userID while the backend is down
// and the service runs in degraded mode.
func Placeholder(userID string) []Assistant {
	if userID == "" {
		userID = "user123"
	}
	return []Assistant{
		{
			AssistantID:       2,
			UserID:            userID,
			Name:              "Data Analysis Expert",
			Greeting:          "I'm an expert who can help you with all kinds of data analysis tasks",
			PersonalityTraits: "professional, efficient, meticulous",
			CreatedAt:         "2025-03-24T09:28:44",
			UpdatedAt:         "2025-03-24T09:28:44",
		},
		{
			AssistantID:       1,
			UserID:            userID,
			Name:              "Creative Assistant",
			Greeting:          "Welcome to the creative assistant, let's make something great together",
			PersonalityTraits: "inventive, humorous, flexible",
			CreatedAt:         "2025-03-22T00:00:06",
			UpdatedAt:         "2025-03-22T00:00:06",
		},
	}
}

type readOptions struct {
	useCache bool
	ttl      time.Duration
}

// ReadOption configures a List or Detail call.
type ReadOption func(*readOptions)

// WithCache enables the response cache for the read.
func WithCache(enabled bool) ReadOption {
	return func(o *readOptions) {
		o.useCache = enabled
	}
}

// WithCacheTTL sets how long the read's result stays cached. Without it the cache's
// default TTL applies.
func WithCacheTTL(ttl time.Duration) ReadOption {
	return func(o *readOptions) {
		o.ttl = ttl
	}
}

// Client reads and writes assistants through an apiclient.Service.
type Client struct {
	api    *apiclient.Service
	logger *slog.Logger
}

// New creates a Client. A nil logger uses slog.Default().
func New(api *apiclient.Service, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    api,
		logger: logger.With("resource", Endpoint),
	}
}

func listRef(userID string) apiclient.CacheRef {
	return apiclient.CacheRef{Endpoint: Endpoint, Params: apiclient.Params{"userId": userID}}
}

func detailRef(id int64) apiclient.CacheRef {
	return apiclient.CacheRef{Endpoint: detailEndpoint, Params: apiclient.Params{"assistantId": id}}
}

func applyReadOptions(opts []ReadOption) readOptions {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// List returns the user's assistants. When the backend stays unavailable and the
// service is degraded, the placeholder assistants are returned instead.
func (c *Client) List(ctx context.Context, userID string, opts ...ReadOption) ([]Assistant, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	o := applyReadOptions(opts)

	fallback, err := json.Marshal(Placeholder(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to encode placeholder: %w", err)
	}

	ref := listRef(userID)
	body, err := c.api.Read(ctx, apiclient.ReadRequest{
		Endpoint: ref.Endpoint,
		Params:   ref.Params,
		Request:  transport.Request{Method: http.MethodGet, Resource: Endpoint, ID: userID},
		UseCache: o.useCache,
		CacheTTL: o.ttl,
		Fallback: fallback,
		Validate: validateList,
	})
	if err != nil {
		return nil, err
	}

	return DecodeList(body)
}

func validateList(body json.RawMessage) error {
	_, err := DecodeList(body)
	return err
}

func decodeDetail(body json.RawMessage) (*Assistant, error) {
	var a Assistant
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: assistant detail: %v", apiclient.ErrMalformedResponse, err)
	}
	return &a, nil
}

// DecodeList decodes a list body. null and empty bodies are an empty list.
func DecodeList(body json.RawMessage) ([]Assistant, error) {
	assistants := []Assistant{}
	if len(body) == 0 || string(body) == "null" {
		return assistants, nil
	}
	if err := json.Unmarshal(body, &assistants); err != nil {
		return nil, fmt.Errorf("%w: assistant list: %v", apiclient.ErrMalformedResponse, err)
	}
	return assistants, nil
}

// Detail returns one assistant.
func (c *Client) Detail(ctx context.Context, id int64, opts ...ReadOption) (*Assistant, error) {
	o := applyReadOptions(opts)

	ref := detailRef(id)
	body, err := c.api.Read(ctx, apiclient.ReadRequest{
		Endpoint: ref.Endpoint,
		Params:   ref.Params,
		Request:  transport.Request{Method: http.MethodGet, Resource: Endpoint, ID: strconv.FormatInt(id, 10)},
		UseCache: o.useCache,
		CacheTTL: o.ttl,
		Validate: func(body json.RawMessage) error {
			_, err := decodeDetail(body)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeDetail(body)
}

// Create stores a new assistant and drops the owner's cached list.
func (c *Client) Create(ctx context.Context, a Assistant) (*Assistant, error) {
	body, err := c.api.Write(ctx, apiclient.WriteRequest{
		Request:     transport.Request{Method: http.MethodPost, Resource: Endpoint, Body: a},
		Invalidates: []apiclient.CacheRef{listRef(a.UserID)},
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("assistant created", "user_id", a.UserID, "name", a.Name)
	return decodeWritten(body, a), nil
}

// Update replaces an assistant and drops the owner's cached list and the cached detail.
func (c *Client) Update(ctx context.Context, id int64, a Assistant) (*Assistant, error) {
	a.AssistantID = id
	body, err := c.api.Write(ctx, apiclient.WriteRequest{
		Request:     transport.Request{Method: http.MethodPut, Resource: Endpoint, ID: strconv.FormatInt(id, 10), Body: a},
		Invalidates: []apiclient.CacheRef{listRef(a.UserID), detailRef(id)},
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("assistant updated", "assistant_id", id)
	return decodeWritten(body, a), nil
}

// Delete removes an assistant and drops the owner's cached list and the cached detail.
func (c *Client) Delete(ctx context.Context, id int64, userID string) error {
	_, err := c.api.Write(ctx, apiclient.WriteRequest{
		Request:     transport.Request{Method: http.MethodDelete, Resource: Endpoint, ID: strconv.FormatInt(id, 10)},
		Invalidates: []apiclient.CacheRef{listRef(userID), detailRef(id)},
	})
	if err != nil {
		return err
	}
	c.logger.Info("assistant deleted", "assistant_id", id)
	return nil
}

// decodeWritten returns the assistant the backend echoed back, or what was sent when
// the backend answered with something else.
func decodeWritten(body json.RawMessage, sent Assistant) *Assistant {
	var echoed Assistant
	if len(body) > 0 && json.Unmarshal(body, &echoed) == nil && echoed.AssistantID != 0 {
		return &echoed
	}
	return &sent
}
