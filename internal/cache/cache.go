package cache

import (
	"sync"
	"time"
)

// Entry is a cached value and the moment it stops being served.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// Cache is a thread-safe in-memory map whose entries expire after a TTL.
type Cache[V any] struct {
	mu   sync.RWMutex
	data map[string]Entry[V]
	ttl  time.Duration
	now  func() time.Time
}

// New creates a cache with the given TTL.
func New[V any](ttl time.Duration) *Cache[V] {
	return NewWithClock[V](ttl, time.Now)
}

// NewWithClock creates a cache reading time from now.
func NewWithClock[V any](ttl time.Duration, now func() time.Time) *Cache[V] {
	return &Cache[V]{
		data: make(map[string]Entry[V]),
		ttl:  ttl,
		now:  now,
	}
}

// Get returns the value stored under key unless it expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists || c.now().After(entry.ExpiresAt) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Set stores value under key for one TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = Entry[V]{
		Value:     value,
		ExpiresAt: c.now().Add(c.ttl),
	}
}

// GetOrLoad returns the cached value for key, calling load and caching its
// result on a miss. Errors are not cached.
func (c *Cache[V]) GetOrLoad(key string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Invalidate removes key.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]Entry[V])
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Cleanup removes expired entries. Call it periodically.
func (c *Cache[V]) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.data {
		if now.After(entry.ExpiresAt) {
			delete(c.data, key)
		}
	}
}
