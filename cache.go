package apiclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/JohnPlummer/jp-go-apiclient/internal/metrics"
)

// DefaultCacheTTL is used when Set is called with a non-positive ttl.
const DefaultCacheTTL = 5 * time.Minute

// CacheEntry is one cached response.
type CacheEntry[V any] struct {
	Key       string    `json:"key"`
	Value     V         `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the entry is still fresh at now.
func (e CacheEntry[V]) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// CacheStats is a snapshot of cache activity.
type CacheStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Expirations   int64 `json:"expirations"`
	Invalidations int64 `json:"invalidations"`
	Size          int   `json:"size"`
}

type cacheConfig struct {
	clock        clock.Clock
	logger       *slog.Logger
	store        Store
	defaultTTL   time.Duration
	storeTimeout time.Duration
}

// CacheOption configures a Cache.
type CacheOption func(*cacheConfig)

// WithClock sets the time source. Tests pass a *testclock.Clock.
func WithClock(c clock.Clock) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.clock = c
	}
}

// WithDefaultTTL sets the TTL used when Set gets a non-positive ttl.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.defaultTTL = ttl
	}
}

// WithStore mirrors entries to a persistent store. Store failures are logged, never returned.
func WithStore(store Store) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.store = store
	}
}

// WithStoreTimeout bounds each mirror operation.
// Default: 2 seconds
func WithStoreTimeout(timeout time.Duration) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.storeTimeout = timeout
	}
}

// WithCacheLogger sets the cache's logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(cfg *cacheConfig) {
		cfg.logger = logger
	}
}

// Cache is a TTL cache of API responses keyed by endpoint and parameters.
// Expired entries are dropped when they are next looked up; there is no sweeper
// and no capacity bound. A Cache is safe for concurrent use.
type Cache[V any] struct {
	mu          sync.Mutex
	entries     map[string]CacheEntry[V]
	generations map[string]uint64
	epoch       uint64
	stats       CacheStats
	cfg         cacheConfig
	logger      *slog.Logger
}

// Generation identifies the invalidation state of one key. It changes whenever the key
// is invalidated, individually or through InvalidateAll.
type Generation struct {
	epoch uint64
	key   uint64
}

// NewCache creates an empty cache.
//
// Example:
//
//	cache := apiclient.NewCache[json.RawMessage](
//	    apiclient.WithDefaultTTL(5*time.Minute),
//	    apiclient.WithStore(redisstore.New(rdb, "consult:")),
//	)
func NewCache[V any](opts ...CacheOption) *Cache[V] {
	cfg := cacheConfig{
		clock:        clock.WallClock,
		logger:       slog.Default(),
		defaultTTL:   DefaultCacheTTL,
		storeTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clock.WallClock
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.defaultTTL <= 0 {
		cfg.defaultTTL = DefaultCacheTTL
	}
	if cfg.storeTimeout <= 0 {
		cfg.storeTimeout = 2 * time.Second
	}

	return &Cache[V]{
		entries:     make(map[string]CacheEntry[V]),
		generations: make(map[string]uint64),
		cfg:         cfg,
		logger:      cfg.logger.With("component", "cache"),
	}
}

// Get returns the cached value for endpoint and params if present and unexpired.
// An expired entry is removed as a side effect.
func (c *Cache[V]) Get(endpoint string, params Params) (V, bool) {
	key := GenerateKey(endpoint, params)
	now := c.cfg.clock.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		if entry.Valid(now) {
			c.stats.Hits++
			c.mu.Unlock()
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return entry.Value, true
		}
		delete(c.entries, key)
		c.stats.Expirations++
		metrics.CacheLookups.WithLabelValues("expired").Inc()
	}
	c.mu.Unlock()

	if value, found := c.hydrate(key, now); found {
		return value, true
	}

	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	var zero V
	return zero, false
}

// hydrate consults the mirror after a memory miss and repopulates memory on a hit.
func (c *Cache[V]) hydrate(key string, now time.Time) (V, bool) {
	var zero V
	if c.cfg.store == nil {
		return zero, false
	}

	ctx, cancel := c.storeContext()
	defer cancel()

	raw, found, err := c.cfg.store.Get(ctx, key)
	if err != nil {
		c.mirrorFailed("get", key, err)
		return zero, false
	}
	if !found {
		return zero, false
	}

	var entry CacheEntry[V]
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.mirrorFailed("decode", key, err)
		return zero, false
	}
	if !entry.Valid(now) {
		if err := c.cfg.store.Delete(ctx, key); err != nil {
			c.mirrorFailed("delete", key, err)
		}
		return zero, false
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.stats.Hits++
	c.mu.Unlock()
	metrics.CacheLookups.WithLabelValues("hit").Inc()

	c.logger.Debug("cache entry restored from store", "key", key)
	return entry.Value, true
}

// Set stores value for endpoint and params, replacing any existing entry.
// A non-positive ttl uses the default TTL.
func (c *Cache[V]) Set(endpoint string, params Params, value V, ttl time.Duration) {
	c.set(GenerateKey(endpoint, params), value, ttl, nil)
}

// Generation returns the current invalidation state of the key for endpoint and params.
// Take it before fetching a value and pass it to SetIfCurrent.
func (c *Cache[V]) Generation(endpoint string, params Params) Generation {
	key := GenerateKey(endpoint, params)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generationLocked(key)
}

// SetIfCurrent is Set, unless the key was invalidated since gen was taken. It reports
// whether the value was stored.
func (c *Cache[V]) SetIfCurrent(endpoint string, params Params, value V, ttl time.Duration, gen Generation) bool {
	return c.set(GenerateKey(endpoint, params), value, ttl, &gen)
}

func (c *Cache[V]) generationLocked(key string) Generation {
	return Generation{epoch: c.epoch, key: c.generations[key]}
}

func (c *Cache[V]) set(key string, value V, ttl time.Duration, gen *Generation) bool {
	if ttl <= 0 {
		ttl = c.cfg.defaultTTL
	}

	now := c.cfg.clock.Now()
	entry := CacheEntry[V]{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	if gen != nil && *gen != c.generationLocked(key) {
		c.mu.Unlock()
		return false
	}
	c.entries[key] = entry
	c.mu.Unlock()

	if c.cfg.store == nil {
		return true
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		c.mirrorFailed("encode", key, err)
		return true
	}

	ctx, cancel := c.storeContext()
	defer cancel()
	if err := c.cfg.store.Set(ctx, key, raw, ttl); err != nil {
		c.mirrorFailed("set", key, err)
	}
	return true
}

// Invalidate removes the entry for endpoint and params, if any.
func (c *Cache[V]) Invalidate(endpoint string, params Params) {
	key := GenerateKey(endpoint, params)

	c.mu.Lock()
	delete(c.entries, key)
	c.generations[key]++
	c.stats.Invalidations++
	c.mu.Unlock()
	metrics.CacheInvalidations.WithLabelValues("key").Inc()

	c.logger.Debug("cache entry invalidated", "key", key)

	if c.cfg.store == nil {
		return
	}
	ctx, cancel := c.storeContext()
	defer cancel()
	if err := c.cfg.store.Delete(ctx, key); err != nil {
		c.mirrorFailed("delete", key, err)
	}
}

// InvalidateAll removes every entry.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]CacheEntry[V])
	c.generations = make(map[string]uint64)
	c.epoch++
	c.stats.Invalidations++
	c.mu.Unlock()
	metrics.CacheInvalidations.WithLabelValues("all").Inc()

	c.logger.Debug("cache cleared")

	if c.cfg.store == nil {
		return
	}
	ctx, cancel := c.storeContext()
	defer cancel()
	if err := c.cfg.store.Clear(ctx); err != nil {
		c.mirrorFailed("clear", "", err)
	}
}

// Len returns the number of entries held in memory, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache activity.
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Size = len(c.entries)
	return stats
}

func (c *Cache[V]) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.storeTimeout)
}

func (c *Cache[V]) mirrorFailed(op, key string, err error) {
	metrics.CacheMirrorErrors.WithLabelValues(op).Inc()
	c.logger.Warn("cache mirror operation failed",
		"op", op,
		"key", key,
		"error", err)
}
