package resultcache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier is the distributed cache tier. Every operation is a single
// bounded attempt; a failure marks the tier down for the probe interval
// so callers can switch to the in-process tier without hammering a dead
// Redis.
type RedisTier struct {
	client        *redis.Client
	probeInterval time.Duration
	downUntil     atomic.Int64 // unix nanos; 0 when up
	keyPrefix     string
}

// NewRedisTier creates the distributed tier around an existing client.
func NewRedisTier(client *redis.Client, probeInterval time.Duration) *RedisTier {
	if probeInterval <= 0 {
		probeInterval = 5 * time.Second
	}
	return &RedisTier{
		client:        client,
		probeInterval: probeInterval,
		keyPrefix:     "kestrel:rec:",
	}
}

// Available reports whether the tier is currently believed up. After a
// failure it stays false until the probe interval elapses.
func (t *RedisTier) Available() bool {
	return time.Now().UnixNano() >= t.downUntil.Load()
}

// Get retrieves a value. A nil value with nil error is a plain miss; an
// error means the tier failed and is now marked down.
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := t.client.Get(ctx, t.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		t.markDown()
		return nil, fmt.Errorf("distributed tier get: %w", err)
	}
	return val, nil
}

// Set stores a value with TTL.
func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.client.Set(ctx, t.keyPrefix+key, value, ttl).Err(); err != nil {
		t.markDown()
		return fmt.Errorf("distributed tier set: %w", err)
	}
	return nil
}

// Delete removes a value.
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, t.keyPrefix+key).Err(); err != nil {
		t.markDown()
		return fmt.Errorf("distributed tier delete: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity and clears the down mark on success.
func (t *RedisTier) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		t.markDown()
		return err
	}
	t.downUntil.Store(0)
	return nil
}

// Close closes the underlying client.
func (t *RedisTier) Close() error {
	return t.client.Close()
}

func (t *RedisTier) markDown() {
	t.downUntil.Store(time.Now().Add(t.probeInterval).UnixNano())
}
