// Package resultcache caches recommendation results across two tiers:
// a distributed Redis tier shared between instances and an in-process
// LRU consulted only while Redis is known to be down.
package resultcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/metrics"
)

// ComputeFunc produces a fresh result on a cache miss.
type ComputeFunc func(ctx context.Context) (*domain.RecommendationResult, error)

// Cache coordinates the distributed and local tiers. Either tier may be
// nil, in which case the other carries the full load.
type Cache struct {
	distributed *RedisTier
	local       *LocalCache
	cfg         domain.ResultCacheConfig
	logger      *slog.Logger
}

func New(distributed *RedisTier, local *LocalCache, cfg domain.ResultCacheConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		distributed: distributed,
		local:       local,
		cfg:         cfg,
		logger:      logger,
	}
}

// Key builds the cache key for a recommendation request. Anonymous
// requests share one entry per product.
func Key(productID, userID string) string {
	if userID == "" {
		userID = "anon"
	}
	return "rec:" + productID + ":" + userID
}

// GetOrCompute returns the cached result for key, or invokes compute and
// stores the outcome. The distributed tier is tried first with a single
// attempt. A plain miss on a healthy distributed tier does not consult
// the local tier: the local tier only serves reads while the distributed
// tier is unavailable. Cache failures are never surfaced to the caller.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*domain.RecommendationResult, domain.CacheStatus, error) {
	if res := c.lookup(ctx, key); res != nil {
		return res, domain.CacheHit, nil
	}

	metrics.CacheMisses.Inc()
	res, err := compute(ctx)
	if err != nil {
		return nil, domain.CacheMiss, err
	}
	c.store(ctx, key, res)
	return res, domain.CacheMiss, nil
}

func (c *Cache) lookup(ctx context.Context, key string) *domain.RecommendationResult {
	distributedUp := false
	if c.distributed != nil && c.distributed.Available() {
		distributedUp = true
		data, err := c.distributed.Get(ctx, key)
		if err != nil {
			c.logger.Warn("distributed cache read failed", "key", key, "error", err)
			distributedUp = false
		} else if data != nil {
			if res := decode(data); res != nil {
				metrics.CacheHits.WithLabelValues("distributed").Inc()
				return res
			}
			// Corrupt entry; drop it and recompute.
			_ = c.distributed.Delete(ctx, key)
		}
	}

	if distributedUp || c.local == nil {
		return nil
	}
	data, err := c.local.Get(ctx, key)
	if err != nil || data == nil {
		return nil
	}
	if res := decode(data); res != nil {
		metrics.CacheHits.WithLabelValues("local").Inc()
		return res
	}
	return nil
}

// store writes through to every tier that is currently reachable.
func (c *Cache) store(ctx context.Context, key string, res *domain.RecommendationResult) {
	data, err := json.Marshal(res)
	if err != nil {
		c.logger.Warn("result cache encode failed", "key", key, "error", err)
		return
	}
	if c.distributed != nil && c.distributed.Available() {
		if err := c.distributed.Set(ctx, key, data, c.cfg.DistributedTTL); err != nil {
			c.logger.Warn("distributed cache write failed", "key", key, "error", err)
		}
	}
	if c.local != nil {
		_ = c.local.Set(ctx, key, data, c.cfg.LocalTTL)
	}
}

// Invalidate removes key from all tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c.distributed != nil && c.distributed.Available() {
		_ = c.distributed.Delete(ctx, key)
	}
	if c.local != nil {
		_ = c.local.Delete(ctx, key)
	}
}

// Ping reports the health of the distributed tier and clears its
// down marker on success.
func (c *Cache) Ping(ctx context.Context) error {
	if c.distributed == nil {
		return nil
	}
	return c.distributed.Ping(ctx)
}

func (c *Cache) Close() error {
	var err error
	if c.distributed != nil {
		err = c.distributed.Close()
	}
	if c.local != nil {
		_ = c.local.Close()
	}
	return err
}

func decode(data []byte) *domain.RecommendationResult {
	var res domain.RecommendationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil
	}
	if res.GeneratedAt.IsZero() {
		res.GeneratedAt = time.Now().UTC()
	}
	return &res
}
