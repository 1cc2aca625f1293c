package attestgate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, cfg MemoryCacheConfig) *MemoryCache {
	t.Helper()
	cache := NewMemoryCache(cfg)
	t.Cleanup(cache.Close)
	return cache
}

func TestMemoryCache_SetAndGet(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{})

	result := NewValidResult("device-1", map[string]any{"k": "v"})
	cache.Set("fp-1", result)

	got, ok := cache.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, StatusValid, got.Status)
	assert.Equal(t, "device-1", got.DeviceID)
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestMemoryCache_Miss(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{})

	_, ok := cache.Get("nonexistent")
	assert.False(t, ok)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Zero(t, stats.Hits)
}

func TestMemoryCache_Expiry(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{TTL: time.Millisecond})

	cache.Set("fp-1", NewValidResult("device-1", nil))
	time.Sleep(5 * time.Millisecond)

	_, ok := cache.Get("fp-1")
	assert.False(t, ok, "expired entry must behave as a miss")
	assert.Zero(t, cache.Stats().Size, "expired entry must be removed on read")
}

func TestMemoryCache_EvictionAtCapacity(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{Capacity: 3})

	for i := 0; i < 3; i++ {
		cache.Set(fmt.Sprintf("fp-%d", i), NewValidResult("device", nil))
	}
	cache.Set("fp-new", NewValidResult("device", nil))

	stats := cache.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)

	// The oldest-inserted entry was evicted.
	_, ok := cache.Get("fp-0")
	assert.False(t, ok)
	_, ok = cache.Get("fp-new")
	assert.True(t, ok)
}

func TestMemoryCache_OverwriteDoesNotEvict(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{Capacity: 2})

	cache.Set("fp-1", NewValidResult("device-1", nil))
	cache.Set("fp-2", NewValidResult("device-2", nil))
	cache.Set("fp-1", NewValidResult("device-1b", nil))

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Zero(t, stats.Evictions)

	got, ok := cache.Get("fp-1")
	require.True(t, ok)
	assert.Equal(t, "device-1b", got.DeviceID)
}

func TestMemoryCache_CopyOnReadWrite(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{})

	original := NewValidResult("device-1", map[string]any{"k": "v"})
	cache.Set("fp-1", original)

	// Mutating the stored original must not affect the cached copy.
	original.Metadata["k"] = "mutated"
	got, _ := cache.Get("fp-1")
	assert.Equal(t, "v", got.Metadata["k"])

	// Mutating a returned copy must not affect later reads.
	got.Metadata["k"] = "mutated-again"
	again, _ := cache.Get("fp-1")
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestMemoryCache_DeleteAndClear(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{})

	cache.Set("fp-1", NewValidResult("device-1", nil))
	cache.Set("fp-2", NewValidResult("device-2", nil))

	assert.True(t, cache.Delete("fp-1"))
	assert.False(t, cache.Delete("fp-1"))

	cache.Clear()
	assert.Zero(t, cache.Stats().Size)
	_, ok := cache.Get("fp-2")
	assert.False(t, ok)
}

func TestMemoryCache_Stats(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{})

	cache.Set("fp-1", NewValidResult("device-1", nil))
	cache.Get("fp-1")
	cache.Get("fp-1")
	cache.Get("missing")

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.InDelta(t, 66.66, stats.HitRatePercent, 0.1)
}

func TestMemoryCache_BackgroundCleanup(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{
		TTL:             time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
	})

	cache.Set("fp-1", NewValidResult("device-1", nil))
	assert.Eventually(t, func() bool {
		return cache.Stats().Size == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryCache_Concurrency(t *testing.T) {
	cache := newTestCache(t, MemoryCacheConfig{Capacity: 100})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("fp-%d-%d", n, j)
				cache.Set(key, NewValidResult("device", nil))
				cache.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Stats().Size, 100)
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	cache := NewMemoryCache(MemoryCacheConfig{})
	cache.Close()
	cache.Close()
}
