package domain

import (
	"time"
)

// ScoringWeights drives the deterministic fallback recommendation
// function. Sourced from remote config; zero values fall back to the
// fixed defaults below.
type ScoringWeights struct {
	// CategoryBoost replaces the default weight on the category-match
	// feature when non-zero.
	CategoryBoost float64 `json:"categoryBoost"`

	// TrendingWeights are per-event-type multipliers used when building
	// the trending feature.
	TrendingWeights map[EventType]float64 `json:"trendingWeights"`

	// AffinityBoost replaces the default weight on the user-affinity
	// feature when non-zero.
	AffinityBoost float64 `json:"affinityBoost"`
}

// Fixed default weight vector and bias for the fallback scorer, in
// feature order: categoryMatch, trendingScore, userAffinity, priceBucket.
var (
	DefaultFallbackWeights = [4]float64{0.3, 0.5, 0.2, -0.1}
	DefaultFallbackBias    = 0.05
)

// DefaultTrendingWeights are the per-event-type multipliers used when the
// remote config does not provide any.
var DefaultTrendingWeights = map[EventType]float64{
	EventView:     0.1,
	EventClick:    0.3,
	EventCart:     0.6,
	EventPurchase: 1.0,
}

// FallbackVector returns the dot-product weight vector for the fallback
// scorer: the fixed defaults with configured boosts applied.
func (w ScoringWeights) FallbackVector() [4]float64 {
	v := DefaultFallbackWeights
	if w.CategoryBoost != 0 {
		v[0] = w.CategoryBoost
	}
	if w.AffinityBoost != 0 {
		v[2] = w.AffinityBoost
	}
	return v
}

// TrendingWeight returns the multiplier for a single event type.
func (w ScoringWeights) TrendingWeight(t EventType) float64 {
	if w.TrendingWeights != nil {
		if m, ok := w.TrendingWeights[t]; ok {
			return m
		}
	}
	return DefaultTrendingWeights[t]
}

// FeatureVector is the fixed-order numeric encoding of a candidate's
// relevance signals. All components are in [0,1] except CategoryMatch and
// UserAffinity which are {0,1}.
type FeatureVector struct {
	CategoryMatch float64 `json:"categoryMatch"`
	TrendingScore float64 `json:"trendingScore"`
	UserAffinity  float64 `json:"userAffinity"`
	PriceBucket   float64 `json:"priceBucket"`
}

// Slice returns the vector in canonical feature order.
func (v FeatureVector) Slice() []float64 {
	return []float64{v.CategoryMatch, v.TrendingScore, v.UserAffinity, v.PriceBucket}
}

// ScoringSource identifies which scoring path produced a recommendation.
type ScoringSource string

const (
	SourceModel    ScoringSource = "model"
	SourceFallback ScoringSource = "fallback"
)

// Recommendation is one ranked candidate.
type Recommendation struct {
	ProductID string  `json:"id"`
	Name      string  `json:"name"`
	Price     int64   `json:"price"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// RecommendationResult is the ranked output for a context product.
type RecommendationResult struct {
	ProductID       string           `json:"productId"`
	Recommendations []Recommendation `json:"recommendations"`
	Source          ScoringSource    `json:"scoringSource"`
	GeneratedAt     time.Time        `json:"generatedAt"`
}

// CacheStatus tags a recommendation response with its cache outcome.
type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)
