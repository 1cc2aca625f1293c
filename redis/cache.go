package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	attestgate "github.com/kacy/attestation-gate"
)

// CacheConfig holds configuration for the Redis result cache.
type CacheConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys
	// (default: "attest:result:").
	KeyPrefix string

	// TTL is how long results are cached (default: 1 hour).
	TTL time.Duration
}

// Cache is a Redis-backed attestgate.ResultCache. Capacity is bounded by
// the per-entry TTL and Redis's own memory policy rather than an entry
// count, so the size and eviction counters in Stats stay zero.
type Cache struct {
	client    Cmdable
	keyPrefix string
	ttl       time.Duration

	mu         sync.Mutex
	generation int64
	hits       int64
	misses     int64
	sets       int64
}

// NewCache creates a Redis-backed result cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "attest:result:"
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = time.Hour
	}

	return &Cache{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}, nil
}

// Get returns the cached result for a fingerprint. Transport failures
// behave as misses; the gate re-validates rather than failing the request.
func (c *Cache) Get(fingerprint string) (*attestgate.AttestationResult, bool) {
	raw, err := c.client.Get(context.Background(), c.key(fingerprint)).Result()
	if err != nil {
		c.count(&c.misses)
		return nil, false
	}

	var result attestgate.AttestationResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.count(&c.misses)
		return nil, false
	}

	c.count(&c.hits)
	return &result, true
}

// Set stores a result under a fingerprint with the configured TTL. Failures
// are dropped: a missed cache write only costs a re-validation later.
func (c *Cache) Set(fingerprint string, result *attestgate.AttestationResult) {
	if result == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(context.Background(), c.key(fingerprint), string(raw), c.ttl).Err(); err != nil {
		return
	}
	c.count(&c.sets)
}

// Delete removes an entry, reporting whether it existed.
func (c *Cache) Delete(fingerprint string) bool {
	n, err := c.client.Del(context.Background(), c.key(fingerprint)).Result()
	return err == nil && n > 0
}

// Clear invalidates all entries by bumping the key generation; superseded
// entries age out through their TTL.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// Stats returns this instance's local hit and miss counters. Counters are
// per-process even though the cached data is shared.
func (c *Cache) Stats() attestgate.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := attestgate.CacheStats{
		Hits:   c.hits,
		Misses: c.misses,
		Sets:   c.sets,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRatePercent = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// Healthy reports whether Redis answers a ping. The gate's IsHealthy probe
// picks this up.
func (c *Cache) Healthy() bool {
	return c.client.Ping(context.Background()).Err() == nil
}

// Close is a no-op; the Redis client lifecycle is managed by the caller.
func (c *Cache) Close() {}

func (c *Cache) key(fingerprint string) string {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	return fmt.Sprintf("%s%d:%s", c.keyPrefix, gen, fingerprint)
}

func (c *Cache) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}
