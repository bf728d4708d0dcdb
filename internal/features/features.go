// Package features computes windowed aggregates from the event store for
// both scoring pipelines.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/repository"
)

// TrendingKey is the sorted set of per-product trending counters,
// maintained by the ingest worker and read here.
const TrendingKey = "kestrel:trending"

// Extractor computes features on demand per request. It holds no state
// between calls; every risk query hits the store fresh.
type Extractor struct {
	store domain.EventStore
	rdb   *redis.Client // optional; nil disables the counter path
	risk  domain.RiskConfig
	rec   domain.RecommendConfig
}

// NewExtractor creates a feature extractor. rdb may be nil, in which case
// trending always takes the DB-fallback path.
func NewExtractor(store domain.EventStore, rdb *redis.Client, risk domain.RiskConfig, rec domain.RecommendConfig) *Extractor {
	return &Extractor{
		store: store,
		rdb:   rdb,
		risk:  risk,
		rec:   rec,
	}
}

// RiskFeatures are the event aggregates the risk evaluator consumes.
type RiskFeatures struct {
	HourlyPurchases int64
	RecentPurchases int64
	RecentCarts     int64
	RepeatPurchases int64
	LifetimeViews   int64

	// AccountKnown is false when no user record exists.
	AccountKnown     bool
	AccountCreatedAt time.Time
}

// AccountAge returns the account age at the given instant; zero when the
// account is unknown.
func (f *RiskFeatures) AccountAge(now time.Time) time.Duration {
	if !f.AccountKnown {
		return 0
	}
	return now.Sub(f.AccountCreatedAt)
}

// RiskFeatures queries the event store for the risk evaluator's inputs.
// Any store failure is surfaced: risk scoring is fail-closed and must not
// degrade to zero counts.
func (e *Extractor) RiskFeatures(ctx context.Context, userID, productID string) (*RiskFeatures, error) {
	now := time.Now().UTC()
	f := &RiskFeatures{}

	var err error
	if f.HourlyPurchases, err = e.store.CountEvents(ctx, userID, domain.EventPurchase, now.Add(-e.risk.HourlyPurchaseWindow)); err != nil {
		return nil, fmt.Errorf("%w: hourly purchases: %w", domain.ErrStoreUnavailable, err)
	}
	if f.RecentPurchases, err = e.store.CountEvents(ctx, userID, domain.EventPurchase, now.Add(-e.risk.VelocityWindow)); err != nil {
		return nil, fmt.Errorf("%w: recent purchases: %w", domain.ErrStoreUnavailable, err)
	}
	if f.RecentCarts, err = e.store.CountEvents(ctx, userID, domain.EventCart, now.Add(-e.risk.VelocityWindow)); err != nil {
		return nil, fmt.Errorf("%w: recent carts: %w", domain.ErrStoreUnavailable, err)
	}
	if f.LifetimeViews, err = e.store.CountEvents(ctx, userID, domain.EventView, time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: lifetime views: %w", domain.ErrStoreUnavailable, err)
	}

	repeats, err := e.store.ListEvents(ctx, domain.EventFilter{
		UserID:    userID,
		ProductID: productID,
		Type:      domain.EventPurchase,
		Since:     now.Add(-e.risk.RepeatPurchaseWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: repeat purchases: %w", domain.ErrStoreUnavailable, err)
	}
	f.RepeatPurchases = int64(len(repeats))

	user, err := e.store.GetUser(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// Absent account: treated as unknown/new by the evaluator.
	case err != nil:
		return nil, fmt.Errorf("%w: user lookup: %w", domain.ErrStoreUnavailable, err)
	default:
		f.AccountKnown = true
		f.AccountCreatedAt = user.CreatedAt
	}

	return f, nil
}

// Vectors builds the feature vector for every candidate against the
// context product. Recommendation features degrade to zero values on
// store or counter failures; they never fail the request.
func (e *Extractor) Vectors(ctx context.Context, userID string, contextProduct *domain.Product, candidates []*domain.Product, weights domain.ScoringWeights) []domain.FeatureVector {
	trending := e.trendingScores(ctx, candidates, weights)
	affinity := e.affinitySet(ctx, userID)

	vectors := make([]domain.FeatureVector, len(candidates))
	for i, cand := range candidates {
		var v domain.FeatureVector

		if cand.CategoryID != "" && cand.CategoryID == contextProduct.CategoryID {
			v.CategoryMatch = 1
		}
		v.TrendingScore = trending[i]
		if affinity[cand.ID] {
			v.UserAffinity = 1
		}
		v.PriceBucket = priceBucket(cand.Price, contextProduct.Price)

		vectors[i] = v
	}
	return vectors
}

// trendingScores returns the normalized trending feature per candidate.
// Primary path reads the distributed sorted-set counters in one round
// trip; on miss or error it falls back to weighing the candidate's raw
// events from the store.
func (e *Extractor) trendingScores(ctx context.Context, candidates []*domain.Product, weights domain.ScoringWeights) []float64 {
	scores := make([]float64, len(candidates))

	fromCounters := e.counterScores(ctx, candidates)

	for i, cand := range candidates {
		raw, ok := fromCounters[cand.ID]
		if !ok {
			raw = e.dbTrendingScore(ctx, cand.ID, weights)
		}
		scores[i] = normalizeTrending(raw, e.rec.TrendingCap)
	}
	return scores
}

// counterScores reads the trending sorted set for all candidates at once.
// Returns an empty map when Redis is absent or the read fails.
func (e *Extractor) counterScores(ctx context.Context, candidates []*domain.Product) map[string]float64 {
	out := make(map[string]float64)
	if e.rdb == nil || len(candidates) == 0 {
		return out
	}

	members := make([]string, len(candidates))
	for i, c := range candidates {
		members[i] = c.ID
	}

	scores, err := e.rdb.ZMScore(ctx, TrendingKey, members...).Result()
	if err != nil {
		slog.Debug("trending counter read failed, using store fallback", "error", err)
		return out
	}

	for i, s := range scores {
		if s > 0 {
			out[members[i]] = s
		}
	}
	return out
}

// dbTrendingScore sums per-event-type weights over the trending window
// straight from the event store.
func (e *Extractor) dbTrendingScore(ctx context.Context, productID string, weights domain.ScoringWeights) float64 {
	events, err := e.store.ListEvents(ctx, domain.EventFilter{
		ProductID: productID,
		Since:     time.Now().UTC().Add(-e.rec.TrendingWindow),
	})
	if err != nil {
		slog.Debug("trending fallback query failed, degrading to zero", "product_id", productID, "error", err)
		return 0
	}

	var sum float64
	for _, ev := range events {
		sum += weights.TrendingWeight(ev.Type)
	}
	return sum
}

// affinitySet returns the products the user interacted with inside the
// affinity window. Empty for anonymous users and on store errors.
func (e *Extractor) affinitySet(ctx context.Context, userID string) map[string]bool {
	out := make(map[string]bool)
	if userID == "" {
		return out
	}

	events, err := e.store.ListEvents(ctx, domain.EventFilter{
		UserID: userID,
		Since:  time.Now().UTC().Add(-e.rec.AffinityWindow),
	})
	if err != nil {
		slog.Debug("affinity query failed, degrading to zero", "user_id", userID, "error", err)
		return out
	}

	for _, ev := range events {
		out[ev.ProductID] = true
	}
	return out
}

// normalizeTrending caps the raw weighted sum then maps it linearly to
// [0,1].
func normalizeTrending(raw, limit float64) float64 {
	if limit <= 0 {
		limit = 50
	}
	if raw <= 0 {
		return 0
	}
	if raw > limit {
		raw = limit
	}
	return raw / limit
}

// priceBucket is the candidate/context price ratio clamped to [0,2] and
// normalized to [0,1]. An unpriced context product yields the neutral
// midpoint.
func priceBucket(candidate, context int64) float64 {
	if context <= 0 {
		return 0.5
	}
	ratio := float64(candidate) / float64(context)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 2 {
		ratio = 2
	}
	return ratio / 2
}
