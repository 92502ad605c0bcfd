package billing

import (
	"sync"
	"time"
)

// Clock supplies the current time to time-dependent components.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Capacity is the maximum number of entries (default: 1000)
	Capacity int

	// TTL is how long an entry stays valid (default: 30 seconds)
	TTL time.Duration

	// Clock is used for expiry and LRU ordering (default: SystemClock)
	Clock Clock
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with expiration time and access time for LRU
type cacheEntry[V any] struct {
	value      V
	expiration time.Time
	accessTime time.Time
	sequence   int64 // For tiebreaking when access times are equal
}

// Cache is an in-memory LRU cache with per-entry TTL and an explicit capacity.
// It is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	entries   map[K]*cacheEntry[V]
	capacity  int
	ttl       time.Duration
	clock     Clock
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewCache creates a cache from config.
func NewCache[K comparable, V any](config CacheConfig) *Cache[K, V] {
	if config.Capacity <= 0 {
		config.Capacity = 1000
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}

	return &Cache[K, V]{
		entries:  make(map[K]*cacheEntry[V], config.Capacity),
		capacity: config.Capacity,
		ttl:      config.TTL,
		clock:    config.Clock,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, exists := c.entries[key]
	if !exists || !now.Before(entry.expiration) {
		if exists {
			delete(c.entries, key)
		}
		c.misses++
		var zero V
		return zero, false
	}

	entry.accessTime = now
	entry.sequence = c.nextSequence()
	c.hits++
	return entry.value, true
}

// Set stores value under key, evicting the least recently used entry when full.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked(now)
	}

	c.entries[key] = &cacheEntry[V]{
		value:      value,
		expiration: now.Add(c.ttl),
		accessTime: now,
		sequence:   c.nextSequence(),
	}
}

// Invalidate removes key from the cache.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes all entries from the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*cacheEntry[V], c.capacity)
}

// Stats returns cache statistics.
func (c *Cache[K, V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// evictLocked drops expired entries, or the least recently used one if none expired.
func (c *Cache[K, V]) evictLocked(now time.Time) {
	expired := false
	for key, entry := range c.entries {
		if !now.Before(entry.expiration) {
			delete(c.entries, key)
			c.evictions++
			expired = true
		}
	}
	if expired {
		return
	}

	var oldestKey K
	var oldestTime time.Time
	var oldestSeq int64
	first := true
	for key, entry := range c.entries {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestKey = key
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *Cache[K, V]) nextSequence() int64 {
	seq := c.sequence
	c.sequence++
	return seq
}
