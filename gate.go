package attestgate

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kacy/attestation-gate/ratelimit"
)

// Short-circuit messages. Each gate layer that rejects a request produces an
// Error result with one of these, so operators can tell the layers apart in
// logs and alerts.
const (
	msgDisabled           = "device attestation is disabled"
	msgRolloutClosed      = "feature flag disabled"
	msgRateLimited        = "rate limit exceeded for device"
	msgPlatformUndetected = "could not detect device platform"
)

// derivedDeviceIDLength bounds derived device IDs for storage economy.
const derivedDeviceIDLength = 16

// Gate is the attestation orchestrator. It layers the enable flag, the
// rollout percentage, per-device rate limiting, the fingerprint cache, and
// platform detection in front of the four validators. A Gate is safe for
// concurrent use; construct one at process start and share it.
type Gate struct {
	cfg        Config
	logger     *zap.Logger
	validators map[ValidatorType]Validator
	cache      ResultCache
	limiter    ratelimit.Limiter
	metrics    *metricsRegistry

	rolloutMu sync.Mutex
	rollout   func() int
}

// NewGate creates a gate from configuration, building the cache, limiter,
// and validators it was not handed explicitly.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}
	cfg = cfg.withDefaults()

	cache := cfg.Cache
	if cache == nil {
		cache = NewMemoryCache(MemoryCacheConfig{
			Capacity: cfg.CacheSize,
			TTL:      cfg.CacheTTL,
		})
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewSlidingWindow(cfg.RateLimitMax, cfg.RateLimitWindow)
	}

	rollout := cfg.RolloutSource
	if rollout == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		rollout = func() int { return rng.Intn(100) }
	}

	g := &Gate{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("component", "attestation_gate")),
		cache:   cache,
		limiter: limiter,
		metrics: newMetricsRegistry(),
		rollout: rollout,
	}

	g.validators = newValidatorSet(&g.cfg)
	for vt, override := range cfg.Validators {
		g.validators[vt] = override
	}

	for vt, v := range g.validators {
		if !v.IsConfigured() {
			// Unconfigured validators are an operational note, not a
			// startup failure.
			g.logger.Warn("validator is not configured for live verification",
				zap.String("validator", string(vt)))
		}
	}

	return g, nil
}

// Validate runs the full gating pipeline for one request and returns the
// result. It never panics and never returns nil; every failure mode is a
// typed result. deviceID may be empty, in which case a stable ID is derived
// from the token and the User-Agent header. Caller-supplied metadata
// round-trips on the result alongside gate-added keys.
func (g *Gate) Validate(ctx context.Context, token string, headers map[string]string, deviceID string, metadata map[string]any) *AttestationResult {
	if !g.cfg.Enabled {
		return g.finish(NewErrorResult(deviceID, msgDisabled, metadata), false)
	}

	if !g.rolloutAdmits() {
		return g.finish(NewErrorResult(deviceID, msgRolloutClosed, metadata), false)
	}

	if deviceID == "" {
		deviceID = deriveDeviceID(token, headerValue(headers, HeaderUserAgent))
	}

	// Rate limiting runs before the cache so identical-token floods still
	// consume quota.
	if !g.limiter.Check(deviceID) {
		result := NewErrorResult(deviceID, msgRateLimited, metadata)
		result.SetMeta("rate_limit_remaining", g.limiter.RemainingRequests(deviceID))
		g.logger.Info("request rate limited", zap.String("device_id", deviceID))
		return g.finish(result, false)
	}

	fp := Fingerprint(token)
	if cached, ok := g.cache.Get(fp); ok {
		// Cached results are returned as-is: the cache key is the
		// token, not the device, so the original deviceID stands.
		g.logger.Debug("cache hit", zap.String("fingerprint", fp))
		return g.finish(cached, true)
	}

	vt, ok := detectValidator(token, headers)
	if !ok {
		g.logger.Info("platform detection failed", zap.String("fingerprint", fp))
		return g.finish(NewErrorResult(deviceID, msgPlatformUndetected, metadata), false)
	}

	requestID := uuid.NewString()
	g.logger.Debug("dispatching validator",
		zap.String("request_id", requestID),
		zap.String("validator", string(vt)),
		zap.String("fingerprint", fp))

	result := g.validators[vt].Validate(ctx, token, deviceID, metadata)
	result.Platform = validatorPlatform(vt)
	result.ValidatorType = vt
	result.SetMeta("request_id", requestID)

	// Only Valid results are cached: a since-fixed device must not be
	// stuck behind a cached rejection, and caching "undecided" is unsafe.
	if result.Status == StatusValid {
		g.cache.Set(fp, result)
	}

	return g.finish(result, false)
}

// Metrics returns a copy of the gate's counters together with cache stats.
// Safe to call concurrently with Validate.
func (g *Gate) Metrics() MetricsSnapshot {
	return g.metrics.snapshot(g.cache.Stats())
}

// ResetMetrics zeroes all gate counters.
func (g *Gate) ResetMetrics() {
	g.metrics.reset()
}

// IsHealthy reports whether the gate can serve requests. It is a liveness
// probe: the cache must be reachable, but unconfigured validators only log.
func (g *Gate) IsHealthy() bool {
	if g.cache == nil {
		return false
	}
	if probe, ok := g.cache.(interface{ Healthy() bool }); ok {
		return probe.Healthy()
	}
	return true
}

// ValidatorStatus returns a configuration snapshot per validator type.
func (g *Gate) ValidatorStatus() map[ValidatorType]ValidatorStatus {
	out := make(map[ValidatorType]ValidatorStatus, len(g.validators))
	for vt, v := range g.validators {
		out[vt] = ValidatorStatus{
			Platform:   v.Platform(),
			Configured: v.IsConfigured(),
			StubMode:   g.cfg.StubMode,
		}
	}
	return out
}

// Cache returns the underlying result cache for advanced use cases.
func (g *Gate) Cache() ResultCache { return g.cache }

// Limiter returns the underlying rate limiter for advanced use cases.
func (g *Gate) Limiter() ratelimit.Limiter { return g.limiter }

// Close releases gate resources.
func (g *Gate) Close() {
	g.cache.Close()
}

// finish records metrics for every outcome, short circuits included.
func (g *Gate) finish(result *AttestationResult, cacheHit bool) *AttestationResult {
	g.metrics.observe(result, cacheHit)
	return result
}

// rolloutAdmits samples the rollout percentage: 100 always admits, 0 always
// rejects.
func (g *Gate) rolloutAdmits() bool {
	pct := g.cfg.RolloutPercentage
	if pct >= 100 {
		return true
	}
	if pct <= 0 {
		return false
	}

	g.rolloutMu.Lock()
	defer g.rolloutMu.Unlock()
	return g.rollout() < pct
}

// deriveDeviceID builds a stable device identifier from a token prefix and
// the User-Agent header, so repeated requests from the same client map to
// the same rate-limit record even without a client-declared ID.
func deriveDeviceID(token, userAgent string) string {
	prefix := token
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	id := Fingerprint(prefix + "|" + userAgent)
	return id[:derivedDeviceIDLength]
}
