package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process LRU cache. Values are stored as JSON so the
// Get/Set contract matches the Redis implementation exactly.
type MemoryCache struct {
	store *lru.Cache[string, memoryEntry]
	mu    sync.Mutex
}

// NewMemoryCache creates a memory cache bounded to size entries
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = 1024
	}
	store, err := lru.New[string, memoryEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{store: store}, nil
}

// Get implements Cache.Get
func (c *MemoryCache) Get(ctx context.Context, key string, target interface{}) error {
	c.mu.Lock()
	entry, ok := c.store.Get(key)
	if ok && !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.store.Remove(key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(entry.data, target)
}

// Set implements Cache.Set
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.store.Add(key, entry)
	c.mu.Unlock()
	return nil
}

// Delete implements Cache.Delete
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	c.store.Remove(key)
	c.mu.Unlock()
	return nil
}

// DeletePrefix implements Cache.DeletePrefix
func (c *MemoryCache) DeletePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	for _, key := range c.store.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.store.Remove(key)
		}
	}
	c.mu.Unlock()
	return nil
}

// Close implements Cache.Close
func (c *MemoryCache) Close() error {
	c.store.Purge()
	return nil
}
