package apiclient

import (
	"context"
	"time"
)

// Store is a persistent mirror for the response cache, such as redisstore.Store.
// Keys are full cache keys (see GenerateKey); values are JSON-encoded entries.
type Store interface {
	// Get returns the stored bytes. A missing key is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes every key the store holds for this cache.
	Clear(ctx context.Context) error
}
