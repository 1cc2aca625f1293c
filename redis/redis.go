// Package redis provides Redis-backed implementations of the result cache
// and rate limiter for distributed deployments, where multiple gate
// instances need to share validation and quota state.
//
// The package requires a Redis client to be passed in, giving the caller
// full control over connection pooling, timeouts, and clustering.
//
// Supported Redis clients:
//   - github.com/redis/go-redis/v9
//   - Any client implementing the Cmdable interface
package redis

import (
	"context"
	"time"
)

// Cmdable is the interface for the Redis commands this package uses.
// This is compatible with github.com/redis/go-redis/v9.Client and
// ClusterClient.
type Cmdable interface {
	Get(ctx context.Context, key string) StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd
	Del(ctx context.Context, keys ...string) IntCmd
	Incr(ctx context.Context, key string) IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) BoolCmd
	Ping(ctx context.Context) StatusCmd

	ZAdd(ctx context.Context, key string, score float64, member string) IntCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) IntCmd
	ZCard(ctx context.Context, key string) IntCmd
}

// StringCmd is the interface for string command results.
type StringCmd interface {
	Result() (string, error)
}

// StatusCmd is the interface for status command results.
type StatusCmd interface {
	Err() error
}

// BoolCmd is the interface for bool command results.
type BoolCmd interface {
	Result() (bool, error)
}

// IntCmd is the interface for int command results.
type IntCmd interface {
	Result() (int64, error)
}
