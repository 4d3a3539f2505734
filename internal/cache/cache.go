// Package cache provides the shared key/value cache: string keys to opaque
// bytes with TTL, atomic counters for rate limiting, and a single-flight
// get-or-set helper.
//
// Cache entries are advisory. A nil *Cache (cache disabled or unreachable)
// is fully usable: every read misses and every write is dropped silently, so
// callers stay correct, only slower.
package cache

import (
	"sync"
	"time"

	"codewarden/internal/logging"
	"codewarden/internal/types"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

type counter struct {
	n         int64
	expiresAt time.Time
}

// Cache is an in-process TTL cache shared by all workers of a process.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]entry
	counters map[string]*counter
	clock    types.Clock
	group    singleflight.Group
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its sweep loop.
func New(clock types.Clock) *Cache {
	if clock == nil {
		clock = types.SystemClock()
	}
	c := &Cache{
		entries:  make(map[string]entry),
		counters: make(map[string]*counter),
		clock:    clock,
		stop:     make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Close stops the sweep loop.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := c.clock.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			for k, ct := range c.counters {
				if now.After(ct.expiresAt) {
					delete(c.counters, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Get returns the value for key, or ok=false on miss or expiry.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores a value with a TTL. Dropped silently when the cache is disabled.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// GetOrSet returns the cached value for key, or runs compute and caches its
// result. Under contention compute runs at most once per key at a time
// (single-flight); concurrent callers share the first result.
func (c *Cache) GetOrSet(key string, ttl time.Duration, compute func() ([]byte, error)) ([]byte, error) {
	if c == nil {
		return compute()
	}
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Double-check after winning the flight; a previous winner may have
		// filled the entry already.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		value, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(key, value, ttl)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Incr atomically increments a named counter, creating it with the TTL on
// first use, and returns the new value. Used for rate-limit windows. A
// disabled cache always returns 1: rate limits degrade to "always allowed",
// never to "always blocked".
func (c *Cache) Incr(key string, ttl time.Duration) int64 {
	if c == nil {
		return 1
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.counters[key]
	if !ok || now.After(ct.expiresAt) {
		ct = &counter{expiresAt: now.Add(ttl)}
		c.counters[key] = ct
	}
	ct.n++
	return ct.n
}

// Len returns the live entry count, for stats reporting.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// FromURL constructs the cache for a configured URL. An empty URL disables
// the cache and returns nil, which every method accepts.
func FromURL(url string, clock types.Clock) *Cache {
	if url == "" {
		logging.Get(logging.CategoryCache).Info("cache disabled; all reads will miss")
		return nil
	}
	return New(clock)
}
