package domain

import (
	"context"
	"time"
)

// CacheTier is one tier of the result cache. A nil value with a nil
// error is a miss; entries are never returned past their TTL.
type CacheTier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ResultCacheConfig holds configuration for the two-tier result cache.
type ResultCacheConfig struct {
	// DistributedTTL is the TTL for entries in the Redis tier.
	DistributedTTL time.Duration

	// LocalTTL is the TTL for entries in the in-process tier.
	LocalTTL time.Duration

	// LocalMaxSize bounds the in-process tier's entry count.
	LocalMaxSize int

	// DownProbeInterval is how long the distributed tier is considered
	// down after a failed operation before it is probed again.
	DownProbeInterval time.Duration
}

// RedisConfig holds connection settings for the distributed tier and
// trending counters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Enabled gates all Redis usage; when false the service runs with
	// the in-process tier and DB-fallback trending only.
	Enabled bool
}
