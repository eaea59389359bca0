package cache

import (
	"context"
	"sync"
	"time"
)

// Package cache provides a small in-memory TTL cache.
//
// Responsibilities:
//   - Cache complaint embeddings (identical complaint text rates identically)
//   - Manage entry lifetime and expiration
//   - Monitor hit/miss rates
//
// The rating API is the only per-request external call in the intake path, so
// a short-lived cache in front of it removes duplicate spend when the same
// complaint text is submitted repeatedly (retries, double clicks, batch
// replays). Entries expire on TTL; there is no cross-process tier.

// Cache defines the interface for caching operations.
type Cache interface {
	// Get retrieves a cached value by key.
	Get(ctx context.Context, key string) (interface{}, bool)

	// Set stores a value with given key and TTL. Zero ttl means never expire.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration)

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string)

	// Clear removes all entries from cache.
	Clear(ctx context.Context)

	// Stats returns hit/miss counts and the live entry count.
	Stats(ctx context.Context) Statistics

	// Close stops the background expiration sweep.
	Close()
}

// Statistics reports cache effectiveness.
type Statistics struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	hits    int64
	misses  int64

	sweepTicker *time.Ticker
	stopCh      chan struct{}
}

// NewCache creates an in-memory cache with a background expiration sweep.
func NewCache() Cache {
	c := &memoryCache{
		entries:     make(map[string]entry),
		sweepTicker: time.NewTicker(time.Minute),
		stopCh:      make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *memoryCache) Get(ctx context.Context, key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || (!e.expiresAt.IsZero() && time.Now().After(e.expiresAt)) {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}

	c.hits++
	return e.value, true
}

func (c *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *memoryCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *memoryCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

func (c *memoryCache) Stats(ctx context.Context) Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Statistics{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.entries),
	}
}

func (c *memoryCache) Close() {
	close(c.stopCh)
	c.sweepTicker.Stop()
}

// sweep drops expired entries so the map does not grow with dead keys.
func (c *memoryCache) sweep() {
	for {
		select {
		case <-c.sweepTicker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
