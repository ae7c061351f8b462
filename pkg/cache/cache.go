// Package cache provides the read-through caches repositories use.
// Two implementations exist: an in-process LRU for single-node hot paths
// and a Redis cache shared across nodes. Both are per-tenant keyed by the
// caller and invalidated on every mutation.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent from the cache
var ErrNotFound = errors.New("cache: key not found")

// Cache is the interface all cache implementations satisfy
type Cache interface {
	// Get retrieves a value into target; ErrNotFound when absent
	Get(ctx context.Context, key string, target interface{}) error

	// Set stores a value with a TTL; ttl <= 0 means no expiry
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a single key
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key under the prefix. Mutating callers
	// use this to drop id:{...} and list:* entries together.
	DeletePrefix(ctx context.Context, prefix string) error

	// Close releases resources
	Close() error
}
