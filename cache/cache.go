// Package cache provides a small in-memory object cache for auxiliary
// assets, e.g. resolved sign-language clip URLs keyed by gloss.
package cache

import "sync"

// Cache is a concurrency-safe string-keyed object cache with explicit
// eviction. It intentionally has no ambient global instance; the owner
// decides its lifetime.
type Cache[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{m: make(map[string]V)}
}

// Get returns the cached value for key, if present.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

// Put stores a value under key, replacing any previous value.
func (c *Cache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = v
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
	c.Put(key, v)
	return v, nil
}

// Delete removes one key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}

// Clear evicts everything.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = make(map[string]V)
}

// Len returns the number of cached values.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
