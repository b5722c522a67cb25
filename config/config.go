// Package config loads application configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
	"github.com/JohnPlummer/jp-go-apiclient/llm"
	"github.com/JohnPlummer/jp-go-apiclient/redisstore"
	"github.com/JohnPlummer/jp-go-apiclient/registry"
	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// API configures the backend client.
type API struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Transport selects direct or proxied backend access.
type Transport struct {
	Mode     string `yaml:"mode"`
	ProxyURL string `yaml:"proxy_url"`
}

// Cache configures the response cache and its optional Redis mirror.
type Cache struct {
	TTL   time.Duration     `yaml:"ttl"`
	Redis redisstore.Config `yaml:"redis"`
}

// Registry configures Nacos registration.
type Registry struct {
	Enabled         bool `yaml:"enabled"`
	registry.Config `yaml:",inline"`
}

// Gateway configures the HTTP server.
type Gateway struct {
	Addr string `yaml:"addr"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full application configuration.
type Config struct {
	Env             string     `yaml:"env"`
	API             API        `yaml:"api"`
	Transport       Transport  `yaml:"transport"`
	Cache           Cache      `yaml:"cache"`
	FallbackEnabled bool       `yaml:"fallback_enabled"`
	LLM             llm.Config `yaml:"llm"`
	Registry        Registry   `yaml:"registry"`
	Gateway         Gateway    `yaml:"gateway"`
	Log             Log        `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env: EnvDevelopment,
		API: API{
			BaseURL:    "http://localhost:8080/webapi",
			MaxRetries: 3,
			RetryDelay: time.Second,
			Timeout:    10 * time.Second,
		},
		Transport: Transport{Mode: string(transport.ModeDirect)},
		Cache: Cache{
			TTL:   apiclient.DefaultCacheTTL,
			Redis: redisstore.Config{KeyPrefix: redisstore.DefaultConfig().KeyPrefix},
		},
		LLM: llm.Config{
			BaseURL:        "https://api.openai.com/v1",
			Model:          llm.DefaultModel,
			MaxTokens:      llm.DefaultMaxTokens,
			MaxPromptChars: llm.DefaultMaxPromptChars,
		},
		Registry: Registry{
			Config: registry.Config{
				Namespace:         "public",
				Group:             "DEFAULT_GROUP",
				ServiceName:       "consult-gateway",
				HeartbeatInterval: registry.DefaultHeartbeatInterval,
			},
		},
		Gateway: Gateway{Addr: ":8080"},
		Log:     Log{Level: "info", Format: "json"},
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads path (when non-empty) over the defaults, applies the process
// environment, and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Delays and timeouts are in
// milliseconds; CACHE_TTL also accepts a Go duration such as "5m".
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	millis := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := parseMillis(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("APP_ENV", &c.Env)
	str("API_BASE_URL", &c.API.BaseURL)
	str("API_KEY", &c.API.APIKey)
	integer("MAX_RETRIES", &c.API.MaxRetries)
	millis("RETRY_DELAY", &c.API.RetryDelay)
	millis("TIMEOUT", &c.API.Timeout)

	str("TRANSPORT_MODE", &c.Transport.Mode)
	str("PROXY_URL", &c.Transport.ProxyURL)

	millis("CACHE_TTL", &c.Cache.TTL)
	str("REDIS_ADDR", &c.Cache.Redis.Address)
	str("REDIS_PASSWORD", &c.Cache.Redis.Password)
	boolean("FALLBACK_ENABLED", &c.FallbackEnabled)

	str("LLM_API_KEY", &c.LLM.APIKey)
	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("LLM_MODEL", &c.LLM.Model)
	integer("LLM_MAX_TOKENS", &c.LLM.MaxTokens)

	boolean("NACOS_ENABLED", &c.Registry.Enabled)
	str("NACOS_SERVER_ADDR", &c.Registry.ServerAddr)
	str("NACOS_NAMESPACE", &c.Registry.Namespace)
	str("NACOS_GROUP", &c.Registry.Group)
	str("NACOS_SERVICE_NAME", &c.Registry.ServiceName)
	str("NACOS_IP", &c.Registry.IP)
	integer("NACOS_PORT", &c.Registry.Port)
	str("NACOS_USERNAME", &c.Registry.Username)
	str("NACOS_PASSWORD", &c.Registry.Password)

	str("GATEWAY_ADDR", &c.Gateway.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func parseMillis(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the configuration for errors. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvDevelopment, EnvProduction:
	default:
		errs = append(errs, fmt.Errorf("unknown env %q (want %s or %s)", c.Env, EnvDevelopment, EnvProduction))
	}

	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	} else if c.Env == EnvProduction && u.Scheme != "https" {
		errs = append(errs, errors.New("api.base_url must use https in production"))
	}

	if c.API.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("api.max_retries must not be negative, got %d", c.API.MaxRetries))
	}
	if c.API.RetryDelay < 0 {
		errs = append(errs, errors.New("api.retry_delay must not be negative"))
	}
	if c.API.Timeout < 0 {
		errs = append(errs, errors.New("api.timeout must not be negative"))
	}

	mode, err := transport.ParseMode(c.Transport.Mode)
	if err != nil {
		errs = append(errs, err)
	} else if mode == transport.ModeProxy && c.Transport.ProxyURL == "" {
		errs = append(errs, errors.New("transport.proxy_url is required in proxy mode"))
	}

	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}

	if c.LLM.APIKey != "" && !strings.HasPrefix(c.LLM.APIKey, "sk-") {
		errs = append(errs, errors.New("llm.api_key must start with sk-"))
	}

	if c.Registry.Enabled {
		if c.Registry.ServerAddr == "" {
			errs = append(errs, errors.New("registry.server_addr is required when the registry is enabled"))
		}
		if c.Registry.IP == "" {
			errs = append(errs, errors.New("registry.ip is required when the registry is enabled"))
		}
		if c.Registry.Port <= 0 {
			errs = append(errs, errors.New("registry.port is required when the registry is enabled"))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// TransportMode returns the parsed transport mode. Call Validate first.
func (c *Config) TransportMode() transport.Mode {
	mode, _ := transport.ParseMode(c.Transport.Mode)
	return mode
}

// RetryOptions converts the API settings into retry wrapper options.
func (c *Config) RetryOptions() []apiclient.RetryOption {
	return []apiclient.RetryOption{
		apiclient.WithMaxRetries(c.API.MaxRetries),
		apiclient.WithBaseDelay(c.API.RetryDelay),
		apiclient.WithAttemptTimeout(c.API.Timeout),
	}
}
