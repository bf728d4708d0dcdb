// Package recommend implements the product recommendation scoring
// pipeline.
package recommend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-retail/kestrel/internal/configcache"
	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/features"
	"github.com/opensource-retail/kestrel/internal/model"
)

// Candidate reason strings, chosen by thresholding feature values.
const (
	ReasonSameCategory = "Same category as viewed product"
	ReasonTrending     = "Trending now"
	ReasonAffinity     = "Based on your recent activity"
	ReasonHighScore    = "Highly relevant"
	ReasonDefault      = "Recommended for you"
)

// Scorer ranks candidate products for a context product. Scoring prefers
// the loaded model; the deterministic weighted fallback covers the
// no-model and inference-failure paths.
type Scorer struct {
	store    domain.EventStore
	features *features.Extractor
	config   *configcache.Cache
	models   *model.Loader
	cfg      domain.RecommendConfig
}

// NewScorer creates a recommendation scorer.
func NewScorer(store domain.EventStore, extractor *features.Extractor, config *configcache.Cache, models *model.Loader, cfg domain.RecommendConfig) *Scorer {
	return &Scorer{
		store:    store,
		features: extractor,
		config:   config,
		models:   models,
		cfg:      cfg,
	}
}

// Recommend ranks all other products against the context product and
// returns the top candidates.
func (s *Scorer) Recommend(ctx context.Context, productID, userID string) (*domain.RecommendationResult, error) {
	contextProduct, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("context product lookup: %w", err)
	}

	candidates, err := s.store.ListProducts(ctx, domain.ProductFilter{
		ExcludeID: productID,
		Limit:     s.cfg.CandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("candidate listing: %w", err)
	}

	snap := s.config.Get()
	vectors := s.features.Vectors(ctx, userID, contextProduct, candidates, snap.Weights)

	scores, source := s.score(vectors, snap.Weights)

	recs := make([]domain.Recommendation, len(candidates))
	for i, cand := range candidates {
		recs[i] = domain.Recommendation{
			ProductID: cand.ID,
			Name:      cand.Name,
			Price:     cand.Price,
			Score:     scores[i],
			Reason:    s.reason(vectors[i], scores[i]),
		}
	}

	// Stable sort: equal scores keep candidate enumeration order. This
	// is defined behavior, not an accident of the sort.
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Score > recs[j].Score
	})

	if len(recs) > s.cfg.TopK {
		recs = recs[:s.cfg.TopK]
	}

	return &domain.RecommendationResult{
		ProductID:       productID,
		Recommendations: recs,
		Source:          source,
		GeneratedAt:     time.Now().UTC(),
	}, nil
}

// score evaluates all vectors through the loaded model in a single batch
// call, falling back to the deterministic scorer when no model is loaded
// or inference fails.
func (s *Scorer) score(vectors []domain.FeatureVector, weights domain.ScoringWeights) ([]float64, domain.ScoringSource) {
	if m := s.models.Active(); m != nil {
		batch := make([][]float64, len(vectors))
		for i, v := range vectors {
			batch[i] = v.Slice()
		}

		preds, err := m.Predict(batch)
		if err == nil {
			scores := make([]float64, len(preds))
			for i, p := range preds {
				scores[i] = p * 100
			}
			return scores, domain.SourceModel
		}

		// A loaded-but-failing model points at a broken deployment.
		slog.Warn("model inference failed, using fallback scorer",
			"artifact", m.Artifact.Key(),
			"error", err,
		)
	}

	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i] = FallbackScore(v, weights)
	}
	return scores, domain.SourceFallback
}

// FallbackScore is the deterministic scoring function: a weighted dot
// product squashed through the logistic function and scaled to [0,100].
// Identical feature vectors always yield identical scores.
func FallbackScore(v domain.FeatureVector, weights domain.ScoringWeights) float64 {
	w := weights.FallbackVector()

	z := domain.DefaultFallbackBias
	z += w[0] * v.CategoryMatch
	z += w[1] * v.TrendingScore
	z += w[2] * v.UserAffinity
	z += w[3] * v.PriceBucket

	return 100 / (1 + math.Exp(-z))
}

// reason picks the candidate's display reason by feature thresholds.
func (s *Scorer) reason(v domain.FeatureVector, score float64) string {
	switch {
	case v.CategoryMatch == 1:
		return ReasonSameCategory
	case v.TrendingScore >= s.cfg.ReasonTrendCut:
		return ReasonTrending
	case v.UserAffinity > 0:
		return ReasonAffinity
	case score >= s.cfg.ReasonScoreCut:
		return ReasonHighScore
	default:
		return ReasonDefault
	}
}
