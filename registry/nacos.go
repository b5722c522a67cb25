// Package registry registers the gateway with a Nacos naming server and keeps the
// registration alive with periodic heartbeats.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
	"github.com/JohnPlummer/jp-go-apiclient/internal/metrics"
)

// Nacos open API paths.
const (
	instancePath = "/v1/ns/instance"
	beatPath     = "/v1/ns/instance/beat"
	listPath     = "/v1/ns/instance/list"
	loginPath    = "/v1/auth/login"
)

// DefaultHeartbeatInterval is how often Run sends a heartbeat.
const DefaultHeartbeatInterval = 5 * time.Second

// Config describes the naming server and the instance to register.
type Config struct {
	// ServerAddr is the Nacos base URL, e.g. http://nacos:8848/nacos.
	ServerAddr string `yaml:"server_addr"`

	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	ServiceName string `yaml:"service_name"`
	IP          string `yaml:"ip"`
	Port        int    `yaml:"port"`

	// Username and Password enable token login when the server has auth switched on.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	Metadata          map[string]string `yaml:"metadata"`
}

// Instance is one registered instance as reported by the list API.
type Instance struct {
	InstanceID string            `json:"instanceId"`
	IP         string            `json:"ip"`
	Port       int               `json:"port"`
	Weight     float64           `json:"weight"`
	Healthy    bool              `json:"healthy"`
	Enabled    bool              `json:"enabled"`
	Ephemeral  bool              `json:"ephemeral"`
	Metadata   map[string]string `json:"metadata"`
}

// InstanceList is the list API's answer.
type InstanceList struct {
	Name  string     `json:"name"`
	Hosts []Instance `json:"hosts"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClock sets the time source for heartbeats and token expiry.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRegisterRetry configures retries for Register.
func WithRegisterRetry(opts ...apiclient.RetryOption) Option {
	return func(c *Client) {
		c.registerRetry = append(c.registerRetry, opts...)
	}
}

// Client talks to the Nacos naming API.
type Client struct {
	cfg           Config
	http          *http.Client
	clock         clock.Clock
	logger        *slog.Logger
	registerRetry []apiclient.RetryOption

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New validates cfg and creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ServerAddr == "" {
		return nil, errors.New("registry server address is required")
	}
	if cfg.ServiceName == "" {
		return nil, errors.New("registry service name is required")
	}
	if cfg.IP == "" {
		return nil, errors.New("registry instance ip is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("registry instance port %d is invalid", cfg.Port)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "public"
	}
	if cfg.Group == "" {
		cfg.Group = "DEFAULT_GROUP"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	cfg.ServerAddr = strings.TrimRight(cfg.ServerAddr, "/")

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		clock:  clock.WallClock,
		logger: slog.Default(),
		registerRetry: []apiclient.RetryOption{
			apiclient.WithMaxRetries(2),
			apiclient.WithBaseDelay(500 * time.Millisecond),
			apiclient.WithRetryName("registry"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("service", cfg.ServiceName)
	return c, nil
}

func (c *Client) instanceForm() url.Values {
	form := url.Values{}
	form.Set("serviceName", c.cfg.ServiceName)
	form.Set("ip", c.cfg.IP)
	form.Set("port", strconv.Itoa(c.cfg.Port))
	form.Set("namespaceId", c.cfg.Namespace)
	form.Set("groupName", c.cfg.Group)
	return form
}

// Register adds this instance as an ephemeral, healthy, enabled instance with weight 1.
func (c *Client) Register(ctx context.Context) error {
	metadata := map[string]string{"preserved.register.source": "GO_APICLIENT"}
	for k, v := range c.cfg.Metadata {
		metadata[k] = v
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	form := c.instanceForm()
	form.Set("ephemeral", "true")
	form.Set("weight", "1")
	form.Set("enabled", "true")
	form.Set("healthy", "true")
	form.Set("metadata", string(encoded))

	retryOpts := append([]apiclient.RetryOption{apiclient.WithRetryLogger(c.logger)}, c.registerRetry...)
	_, err = apiclient.CallWithRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.send(ctx, http.MethodPost, instancePath, form)
	}, retryOpts...)
	if err != nil {
		return fmt.Errorf("register %s: %w", c.cfg.ServiceName, err)
	}

	c.logger.Info("service registered", "ip", c.cfg.IP, "port", c.cfg.Port)
	return nil
}

// Heartbeat tells the server the instance is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	if _, err := c.send(ctx, http.MethodPut, beatPath, c.instanceForm()); err != nil {
		return fmt.Errorf("heartbeat %s: %w", c.cfg.ServiceName, err)
	}
	return nil
}

// Status lists the service's registered instances.
func (c *Client) Status(ctx context.Context) (*InstanceList, error) {
	q := url.Values{}
	q.Set("serviceName", c.cfg.ServiceName)
	q.Set("namespaceId", c.cfg.Namespace)
	q.Set("groupName", c.cfg.Group)

	body, err := c.send(ctx, http.MethodGet, listPath, q)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.cfg.ServiceName, err)
	}

	var list InstanceList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: instance list: %v", apiclient.ErrMalformedResponse, err)
	}
	return &list, nil
}

// Run registers the instance and then heartbeats every interval until ctx is done.
// Failures are logged and counted, never returned; a failed registration is retried
// on the next tick in place of a heartbeat.
func (c *Client) Run(ctx context.Context) {
	registered := c.tryRegister(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("registry heartbeat stopped")
			return
		case <-c.clock.After(c.cfg.HeartbeatInterval):
		}

		if !registered {
			registered = c.tryRegister(ctx)
			continue
		}
		if err := c.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			metrics.HeartbeatFailures.Inc()
			c.logger.Warn("heartbeat failed", "error", err)
		}
	}
}

func (c *Client) tryRegister(ctx context.Context) bool {
	if err := c.Register(ctx); err != nil {
		if ctx.Err() == nil {
			metrics.HeartbeatFailures.Inc()
			c.logger.Warn("service registration failed", "error", err)
		}
		return false
	}
	return true
}

// send makes one form-encoded request. GET sends the values as the query string.
func (c *Client) send(ctx context.Context, method, path string, values url.Values) ([]byte, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		values = cloneValues(values)
		values.Set("accessToken", token)
	}

	target := c.cfg.ServerAddr + path
	var body io.Reader
	if method == http.MethodGet {
		target += "?" + values.Encode()
	} else {
		body = strings.NewReader(values.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apiclient.NewStatusCodeError(resp.StatusCode,
			fmt.Errorf("nacos %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
	return respBody, nil
}

// accessToken logs in when credentials are configured and caches the token until
// shortly before it expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if c.cfg.Username == "" {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.token != "" && now.Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerAddr+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("nacos login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", apiclient.NewStatusCodeError(resp.StatusCode,
			fmt.Errorf("nacos login returned %d", resp.StatusCode))
	}

	var login struct {
		AccessToken string `json:"accessToken"`
		TokenTTL    int64  `json:"tokenTtl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil || login.AccessToken == "" {
		return "", fmt.Errorf("%w: nacos login response", apiclient.ErrMalformedResponse)
	}

	ttl := time.Duration(login.TokenTTL) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c.token = login.AccessToken
	// Refresh at 90% of the token lifetime.
	c.tokenExpiry = now.Add(ttl * 9 / 10)
	return c.token, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
