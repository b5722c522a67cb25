// Package redisstore mirrors the response cache to Redis so cached reads survive restarts
// and are shared between gateway instances.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrConnectionFailed is returned by Open when Redis does not answer a ping.
var ErrConnectionFailed = errors.New("redis connection failed")

// Config holds Redis connection configuration.
type Config struct {
	// Address is the Redis server address (host:port).
	Address string `yaml:"address"`

	// Password for authentication (optional).
	Password string `yaml:"password"`

	// DB selects the Redis database index.
	DB int `yaml:"db"`

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// KeyPrefix namespaces every key this store writes.
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:     "localhost:6379",
		DialTimeout: 5 * time.Second,
		KeyPrefix:   "consult:",
	}
}

// Store implements apiclient.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Open connects to Redis and checks the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	return New(client, cfg.KeyPrefix), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *Store) prefixKey(key string) string {
	return s.keyPrefix + key
}

// Get retrieves a value. A missing key is not an error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	result, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return result, true, nil
}

// Set stores a value with ttl. A non-positive ttl stores without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefixKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Clear removes every key under the store's prefix.
func (s *Store) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}

	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
