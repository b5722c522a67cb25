package cli

import (
	"context"
	"encoding/json"
	"log/slog"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
	"github.com/JohnPlummer/jp-go-apiclient/config"
	"github.com/JohnPlummer/jp-go-apiclient/redisstore"
	"github.com/JohnPlummer/jp-go-apiclient/transport"
)

// backend bundles the service built from configuration with what has to be closed.
type backend struct {
	service *apiclient.Service
	store   *redisstore.Store
}

func (b *backend) Close() {
	if b.store != nil {
		_ = b.store.Close()
	}
}

// newBackend builds transport, cache, optional Redis mirror, breaker and retry wrapper.
// An unreachable Redis is logged and the cache runs memory-only.
func newBackend(ctx context.Context, cfg *config.Config, mode transport.Mode, logger *slog.Logger) (*backend, error) {
	t, err := transport.New(mode, cfg.API.BaseURL, cfg.Transport.ProxyURL,
		transport.WithAPIKey(cfg.API.APIKey),
		transport.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	b := &backend{}
	cacheOpts := []apiclient.CacheOption{
		apiclient.WithDefaultTTL(cfg.Cache.TTL),
		apiclient.WithCacheLogger(logger),
	}
	if cfg.Cache.Redis.Address != "" {
		store, err := redisstore.Open(ctx, cfg.Cache.Redis)
		if err != nil {
			logger.Warn("redis mirror unavailable, caching in memory only",
				"address", cfg.Cache.Redis.Address,
				"error", err)
		} else {
			b.store = store
			cacheOpts = append(cacheOpts, apiclient.WithStore(store))
		}
	}

	b.service = apiclient.NewService(t,
		apiclient.WithServiceLogger(logger),
		apiclient.WithResponseCache(apiclient.NewCache[json.RawMessage](cacheOpts...)),
		apiclient.WithRetryOptions(cfg.RetryOptions()...),
		apiclient.WithCircuitBreaker(apiclient.WithCircuitBreakerName("backend")),
		apiclient.WithDegradedMode(cfg.FallbackEnabled),
	)
	return b, nil
}
