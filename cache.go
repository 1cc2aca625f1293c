package attestgate

import (
	"sync"
	"time"
)

// ResultCache stores validation results keyed by token fingerprint.
// Implementations must be safe for concurrent use. Raw tokens never enter
// the cache; keys are SHA-256 fingerprints.
type ResultCache interface {
	// Get returns the cached result for a fingerprint. An expired entry
	// behaves as a miss.
	Get(fingerprint string) (*AttestationResult, bool)

	// Set stores a result under a fingerprint with the cache's TTL.
	Set(fingerprint string, result *AttestationResult)

	// Delete removes an entry, reporting whether it existed.
	Delete(fingerprint string) bool

	// Clear removes all entries.
	Clear()

	// Stats returns a snapshot of cache counters.
	Stats() CacheStats

	// Close stops background maintenance.
	Close()
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Size           int     `json:"size"`
	Capacity       int     `json:"capacity"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	Sets           int64   `json:"sets"`
	Evictions      int64   `json:"evictions"`
	HitRatePercent float64 `json:"hit_rate_percent"`
}

// MemoryCacheConfig holds configuration for the in-memory cache.
type MemoryCacheConfig struct {
	// Capacity bounds the number of entries (default: 10000).
	Capacity int

	// TTL is the per-entry lifetime, fixed at insertion (default: 1 hour).
	TTL time.Duration

	// CleanupInterval is how often expired entries are swept
	// (default: 1 minute).
	CleanupInterval time.Duration
}

type cacheEntry struct {
	result    *AttestationResult
	expiresAt time.Time
}

// MemoryCache is a bounded, time-expiring, in-memory ResultCache. A single
// mutex guards all operations; they are O(1) map lookups with no I/O, so
// holding the lock for their duration never blocks on external work. When
// the cache is full and a new key arrives, the oldest-inserted entry is
// evicted (an approximate bound, not a strict LRU).
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]cacheEntry
	order     []string
	capacity  int
	ttl       time.Duration
	hits      int64
	misses    int64
	sets      int64
	evictions int64
	closeCh   chan struct{}
	closed    bool
}

// NewMemoryCache creates an in-memory result cache and starts its cleanup
// goroutine. Call Close to stop it.
func NewMemoryCache(cfg MemoryCacheConfig) *MemoryCache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 10000
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}

	c := &MemoryCache{
		entries:  make(map[string]cacheEntry),
		capacity: capacity,
		ttl:      ttl,
		closeCh:  make(chan struct{}),
	}

	go c.cleanupLoop(interval)

	return c
}

// Get returns a clone of the cached result, treating expired entries as
// misses and removing them.
func (c *MemoryCache) Get(fingerprint string) (*AttestationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(fingerprint)
		c.misses++
		return nil, false
	}

	c.hits++
	return entry.result.Clone(), true
}

// Set stores a clone of the result, evicting the oldest entry when at
// capacity and the key is new.
func (c *MemoryCache) Set(fingerprint string, result *AttestationResult) {
	if result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fingerprint]; !exists {
		for len(c.entries) >= c.capacity && len(c.order) > 0 {
			oldest := c.order[0]
			c.removeLocked(oldest)
			c.evictions++
		}
		c.order = append(c.order, fingerprint)
	}

	c.entries[fingerprint] = cacheEntry{
		result:    result.Clone(),
		expiresAt: time.Now().Add(c.ttl),
	}
	c.sets++
}

// Delete removes an entry, reporting whether it existed.
func (c *MemoryCache) Delete(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[fingerprint]; !ok {
		return false
	}
	c.removeLocked(fingerprint)
	return true
}

// Clear removes all entries. Counters are preserved.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.order = c.order[:0]
}

// Stats returns a snapshot of cache counters.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:      len(c.entries),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Sets:      c.sets,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRatePercent = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.closeCh)
}

func (c *MemoryCache) removeLocked(fingerprint string) {
	delete(c.entries, fingerprint)
	for i, key := range c.order {
		if key == fingerprint {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *MemoryCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.closeCh:
			return
		}
	}
}

func (c *MemoryCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for fingerprint, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(fingerprint)
		}
	}
}
