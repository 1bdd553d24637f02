package clients

import (
	"sync"
	"time"

	"vault-backend/internal/metrics"
)

// ReadCache is an explicit (value, expiry) cache keyed by request signature,
// owned by the chain gateway and injected into whatever needs it. Entries
// expire after the configured TTL; expired entries are dropped lazily on read.
type ReadCache struct {
	ttl     time.Duration
	mutex   sync.RWMutex
	entries map[string]cacheEntry

	// now is swappable for tests.
	now func() time.Time
}

type cacheEntry struct {
	value  interface{}
	expiry time.Time
}

// NewReadCache creates a cache with the given TTL. A zero or negative TTL
// disables caching entirely: Get always misses.
func NewReadCache(ttl time.Duration) *ReadCache {
	return &ReadCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *ReadCache) Get(key string) (interface{}, bool) {
	if c.ttl <= 0 {
		metrics.CacheMisses.Inc()
		return nil, false
	}

	c.mutex.RLock()
	entry, ok := c.entries[key]
	c.mutex.RUnlock()

	if !ok || c.now().After(entry.expiry) {
		if ok {
			c.mutex.Lock()
			delete(c.entries, key)
			c.mutex.Unlock()
		}
		metrics.CacheMisses.Inc()
		return nil, false
	}

	metrics.CacheHits.Inc()
	return entry.value, true
}

// Set stores value under key with the cache's TTL.
func (c *ReadCache) Set(key string, value interface{}) {
	if c.ttl <= 0 {
		return
	}
	c.mutex.Lock()
	c.entries[key] = cacheEntry{value: value, expiry: c.now().Add(c.ttl)}
	c.mutex.Unlock()
}

// Invalidate drops a single key, used after writes that change the value.
func (c *ReadCache) Invalidate(key string) {
	c.mutex.Lock()
	delete(c.entries, key)
	c.mutex.Unlock()
}

// Len reports the number of stored entries, expired or not.
func (c *ReadCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}
