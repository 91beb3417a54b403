// Package cache provides the in-process caching and matching helpers used
// outside the request/response hot path — the 60s `/v1/models` listing
// cache and the preprocessor's content-exclusion matcher. Chat completion
// responses themselves are never cached: every request can be retried
// against a different key mid-flight, and streaming responses have no
// single cacheable body, so a response cache would either serve stale
// retried content or have nothing to store.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
)

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a simple in-process cache with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically
// removes expired entries to prevent unbounded memory growth.
//
// Used for the `/v1/models` listing cache (see spec.md §6): a 60s TTL
// single-key cache, not shared across replicas since each replica's
// model listing is static and identical anyway.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	met *metrics.Registry

	done chan struct{}
}

// Option configures a MemoryCache at construction time.
type Option func(*MemoryCache)

// WithMetrics records hit/miss counters on m from Get. Set records nothing;
// bypass and set counters are left to the caller.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *MemoryCache) { c.met = m }
}

// NewMemoryCache creates a MemoryCache and starts the background cleanup loop.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, opts ...Option) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		if c.met != nil {
			c.met.CacheGetMiss()
		}
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		// Lazy expiry — remove the stale entry without blocking reads.
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		if c.met != nil {
			c.met.CacheGetMiss()
		}
		return nil, false
	}

	if c.met != nil {
		c.met.CacheGetHit()
	}
	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	c.items[key] = memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
