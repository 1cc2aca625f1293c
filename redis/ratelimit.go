package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// LimiterConfig holds configuration for the Redis rate limiter.
type LimiterConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys
	// (default: "attest:ratelimit:").
	KeyPrefix string

	// MaxRequests is the per-key budget within the window (default: 100).
	MaxRequests int

	// Window is the sliding-window width (default: 1 hour).
	Window time.Duration
}

// Limiter is a Redis-backed sliding-window rate limiter implementing
// ratelimit.Limiter. Request timestamps live in a sorted set per key, scored
// by nanosecond arrival time, so multiple gate instances share one quota.
type Limiter struct {
	client    Cmdable
	keyPrefix string
	max       int
	window    time.Duration
}

// NewLimiter creates a Redis-backed rate limiter.
func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "attest:ratelimit:"
	}

	max := cfg.MaxRequests
	if max <= 0 {
		max = 100
	}

	window := cfg.Window
	if window <= 0 {
		window = time.Hour
	}

	return &Limiter{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		max:       max,
		window:    window,
	}, nil
}

// Check prunes expired timestamps, then admits iff the remaining count is
// under the limit, recording the request only on admission. A Redis failure
// admits the request: losing rate limiting briefly is preferable to
// rejecting all traffic.
func (l *Limiter) Check(key string) bool {
	ctx := context.Background()
	redisKey := l.keyPrefix + key
	now := time.Now()

	count, err := l.pruneAndCount(ctx, redisKey, now)
	if err != nil {
		return true
	}
	if count >= int64(l.max) {
		return false
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	if err := errFromInt(l.client.ZAdd(ctx, redisKey, float64(now.UnixNano()), member)); err != nil {
		return true
	}
	// Let idle keys expire once the window has fully passed.
	l.client.Expire(ctx, redisKey, l.window+time.Minute)
	return true
}

// RemainingRequests returns the unconsumed capacity for a key.
func (l *Limiter) RemainingRequests(key string) int {
	count, err := l.pruneAndCount(context.Background(), l.keyPrefix+key, time.Now())
	if err != nil {
		return l.max
	}
	remaining := l.max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset discards the recorded history for a key.
func (l *Limiter) Reset(key string) {
	l.client.Del(context.Background(), l.keyPrefix+key)
}

func (l *Limiter) pruneAndCount(ctx context.Context, redisKey string, now time.Time) (int64, error) {
	cutoff := now.Add(-l.window).UnixNano()
	if err := errFromInt(l.client.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%d", cutoff))); err != nil {
		return 0, err
	}
	return l.client.ZCard(ctx, redisKey).Result()
}

func errFromInt(cmd IntCmd) error {
	_, err := cmd.Result()
	return err
}
