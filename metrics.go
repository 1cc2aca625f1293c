package attestgate

import (
	"sync"
	"time"
)

// metricsRegistry accumulates gate counters. All updates happen under one
// mutex; snapshot reads copy values rather than exposing live maps.
type metricsRegistry struct {
	mu          sync.Mutex
	total       int64
	valid       int64
	invalid     int64
	errors      int64
	cacheHits   int64
	byPlatform  map[Platform]int64
	byValidator map[ValidatorType]int64
}

// MetricsSnapshot is a copy of the gate's counters at one instant.
type MetricsSnapshot struct {
	GeneratedAt   time.Time               `json:"generated_at"`
	TotalRequests int64                   `json:"total_requests"`
	Valid         int64                   `json:"valid"`
	Invalid       int64                   `json:"invalid"`
	Errors        int64                   `json:"errors"`
	CacheHits     int64                   `json:"cache_hits"`
	ByPlatform    map[Platform]int64      `json:"by_platform"`
	ByValidator   map[ValidatorType]int64 `json:"by_validator"`
	SuccessRate   float64                 `json:"success_rate"`
	CacheHitRate  float64                 `json:"cache_hit_rate"`
	Cache         CacheStats              `json:"cache"`
}

func newMetricsRegistry() *metricsRegistry {
	return &metricsRegistry{
		byPlatform:  make(map[Platform]int64),
		byValidator: make(map[ValidatorType]int64),
	}
}

// observe records one completed validation.
func (m *metricsRegistry) observe(result *AttestationResult, cacheHit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	switch result.Status {
	case StatusValid:
		m.valid++
	case StatusInvalid:
		m.invalid++
	default:
		m.errors++
	}
	if cacheHit {
		m.cacheHits++
	}
	if result.Platform != "" {
		m.byPlatform[result.Platform]++
	}
	if result.ValidatorType != "" {
		m.byValidator[result.ValidatorType]++
	}
}

// snapshot copies the counters. Success rate is valid over decided outcomes
// (valid + invalid); Error results are excluded because they carry no
// security verdict.
func (m *metricsRegistry) snapshot(cache CacheStats) MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		GeneratedAt:   time.Now(),
		TotalRequests: m.total,
		Valid:         m.valid,
		Invalid:       m.invalid,
		Errors:        m.errors,
		CacheHits:     m.cacheHits,
		ByPlatform:    make(map[Platform]int64, len(m.byPlatform)),
		ByValidator:   make(map[ValidatorType]int64, len(m.byValidator)),
		Cache:         cache,
	}
	for k, v := range m.byPlatform {
		snap.ByPlatform[k] = v
	}
	for k, v := range m.byValidator {
		snap.ByValidator[k] = v
	}
	if decided := m.valid + m.invalid; decided > 0 {
		snap.SuccessRate = float64(m.valid) / float64(decided) * 100
	}
	if m.total > 0 {
		snap.CacheHitRate = float64(m.cacheHits) / float64(m.total) * 100
	}
	return snap
}

// reset zeroes every counter.
func (m *metricsRegistry) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total, m.valid, m.invalid, m.errors, m.cacheHits = 0, 0, 0, 0, 0
	m.byPlatform = make(map[Platform]int64)
	m.byValidator = make(map[ValidatorType]int64)
}
