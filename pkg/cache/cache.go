package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Item is one cached value with its expiry.
type Item struct {
	Value     interface{}
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the item is past its TTL.
func (item *Item) Expired() bool {
	return time.Now().After(item.ExpiresAt)
}

// Cache is a thread-safe in-memory cache with per-key TTL.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*Item
	defaultTTL time.Duration

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

// NewCache creates a cache and starts its background cleanup loop.
func NewCache(defaultTTL time.Duration) *Cache {
	interval := defaultTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}

	c := &Cache{
		items:           make(map[string]*Item),
		defaultTTL:      defaultTTL,
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a value. Expired entries read as missing and are left for
// the cleanup loop to collect.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.items[key]
	if !exists || item.Expired() {
		return nil, false
	}
	return item.Value, true
}

// Set stores a value with the default TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with a custom TTL.
func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &Item{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// Delete removes one key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item)
}

// Invalidate removes keys with the given prefix. An empty prefix removes
// only expired entries.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		for key, item := range c.items {
			if item.Expired() {
				delete(c.items, key)
			}
		}
		return
	}

	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop ends the cleanup loop.
func (c *Cache) Stop() {
	close(c.stopCleanup)
}

// Size returns the number of stored items, expired ones included.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats holds cache counters.
type Stats struct {
	Size      int
	Expired   int
	TotalKeys int
}

// GetStats returns cache statistics.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{TotalKeys: len(c.items)}
	for _, item := range c.items {
		if item.Expired() {
			stats.Expired++
		}
	}
	stats.Size = stats.TotalKeys - stats.Expired
	return stats
}

// FallbackCache fills misses from a loader function.
type FallbackCache struct {
	cache *Cache
}

// NewFallbackCache creates a fallback cache.
func NewFallbackCache(defaultTTL time.Duration) *FallbackCache {
	return &FallbackCache{cache: NewCache(defaultTTL)}
}

// GetOrSet returns the cached value or loads and stores it. Concurrent
// misses on one key may each call fallback; the last result wins.
func (c *FallbackCache) GetOrSet(ctx context.Context, key string, fallback func(context.Context) (interface{}, error), ttl time.Duration) (interface{}, error) {
	if value, found := c.cache.Get(key); found {
		return value, nil
	}

	value, err := fallback(ctx)
	if err != nil {
		return nil, err
	}

	if ttl > 0 {
		c.cache.SetWithTTL(key, value, ttl)
	} else {
		c.cache.Set(key, value)
	}

	return value, nil
}

// Invalidate removes cached entries with the given prefix.
func (c *FallbackCache) Invalidate(prefix string) {
	c.cache.Invalidate(prefix)
}

// Stop ends the cache cleanup loop.
func (c *FallbackCache) Stop() {
	c.cache.Stop()
}
