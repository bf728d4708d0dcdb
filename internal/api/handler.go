package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/opensource-retail/kestrel/internal/configcache"
	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/metrics"
	"github.com/opensource-retail/kestrel/internal/model"
	"github.com/opensource-retail/kestrel/internal/recommend"
	"github.com/opensource-retail/kestrel/internal/repository"
	"github.com/opensource-retail/kestrel/internal/resultcache"
	"github.com/opensource-retail/kestrel/internal/risk"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	store     domain.EventStore
	results   *resultcache.Cache
	bus       domain.EventBus
	evaluator *risk.Evaluator
	scorer    *recommend.Scorer
	models    *model.Loader
	configs   *configcache.Cache
	validate  *validator.Validate
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(store domain.EventStore, results *resultcache.Cache, bus domain.EventBus, evaluator *risk.Evaluator, scorer *recommend.Scorer, models *model.Loader, configs *configcache.Cache, version string) *Handler {
	return &Handler{
		store:     store,
		results:   results,
		bus:       bus,
		evaluator: evaluator,
		scorer:    scorer,
		models:    models,
		configs:   configs,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		version:   version,
	}
}

// RiskScoreRequest is the request body for POST /risk/score.
type RiskScoreRequest struct {
	UserID    string `json:"userId" validate:"required"`
	ProductID string `json:"productId" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
}

// RiskScore handles POST /risk/score. Scoring is fail-closed: if the
// event store cannot answer the velocity queries, the request errors
// rather than defaulting to ALLOW.
func (h *Handler) RiskScore(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req RiskScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if details := h.validationDetails(req); details != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation failed",
			"details": details,
		})
		return
	}

	assessment, err := h.evaluator.Evaluate(ctx, risk.Input{
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Amount:    req.Amount,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			slog.Error("risk scoring unavailable", "user_id", req.UserID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "risk scoring unavailable",
			})
			return
		}
		slog.Error("risk evaluation failed", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "risk evaluation failed",
		})
		return
	}

	metrics.RiskDecisions.WithLabelValues(string(assessment.Decision)).Inc()
	metrics.RequestLatency.WithLabelValues("risk_score").Observe(time.Since(start).Seconds())

	h.publishAssessment(ctx, assessment)

	writeJSON(w, http.StatusOK, assessment)
}

// publishAssessment emits decision events. Publishing is best effort;
// failures never affect the response.
func (h *Handler) publishAssessment(ctx context.Context, assessment *domain.RiskAssessment) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(assessment)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, domain.TopicRiskScored, payload); err != nil {
		slog.Warn("failed to publish risk event", "topic", domain.TopicRiskScored, "error", err)
	}
	if assessment.Decision == domain.DecisionBlock {
		if err := h.bus.Publish(ctx, domain.TopicRiskBlocked, payload); err != nil {
			slog.Warn("failed to publish risk event", "topic", domain.TopicRiskBlocked, "error", err)
		}
	}
}

// recommendationResponse adds the cache annotation to a result.
type recommendationResponse struct {
	*domain.RecommendationResult
	CacheStatus domain.CacheStatus `json:"cacheStatus"`
}

// Recommendations handles GET /recommendations/{productID}. The optional
// userId query parameter personalizes affinity features; anonymous
// requests share a cache entry per product.
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	productID := chi.URLParam(r, "productID")
	userID := r.URL.Query().Get("userId")

	if productID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "product id is required",
		})
		return
	}

	key := resultcache.Key(productID, userID)
	result, status, err := h.results.GetOrCompute(ctx, key, func(ctx context.Context) (*domain.RecommendationResult, error) {
		return h.scorer.Recommend(ctx, productID, userID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "product not found",
			})
			return
		}
		slog.Error("recommendation failed", "product_id", productID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "recommendation failed",
		})
		return
	}

	metrics.ScoringPath.WithLabelValues(string(result.Source)).Inc()
	metrics.RequestLatency.WithLabelValues("recommendations").Observe(time.Since(start).Seconds())

	h.publishServed(ctx, result)

	w.Header().Set(CacheStatusHeader, string(status))
	writeJSON(w, http.StatusOK, recommendationResponse{
		RecommendationResult: result,
		CacheStatus:          status,
	})
}

func (h *Handler) publishServed(ctx context.Context, result *domain.RecommendationResult) {
	if h.bus == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, domain.TopicRecommendationServed, payload); err != nil {
		slog.Warn("failed to publish recommendation event", "error", err)
	}
}

// EventRequest is the request body for POST /events.
type EventRequest struct {
	UserID    string           `json:"userId" validate:"required"`
	ProductID string           `json:"productId" validate:"required"`
	Type      domain.EventType `json:"type" validate:"required"`
	Meta      map[string]any   `json:"meta,omitempty"`
}

// CreateEvent handles POST /events.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if details := h.validationDetails(req); details != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation failed",
			"details": details,
		})
		return
	}
	if !domain.ValidEventType(req.Type) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown event type %q", req.Type),
		})
		return
	}

	event := &domain.Event{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Type:      req.Type,
		Meta:      req.Meta,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.SaveEvent(ctx, event); err != nil {
		slog.Error("failed to save event", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save event",
		})
		return
	}

	// The trending worker consumes this to maintain counters off the
	// request path.
	if h.bus != nil {
		if payload, err := json.Marshal(event); err == nil {
			if err := h.bus.Publish(ctx, domain.TopicEventIngested, payload); err != nil {
				slog.Warn("failed to publish ingested event", "error", err)
			}
		}
	}

	writeJSON(w, http.StatusCreated, event)
}

// ProductRequest is the request body for POST /products.
type ProductRequest struct {
	ID         string `json:"id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	CategoryID string `json:"categoryId" validate:"required"`
	Price      int64  `json:"price" validate:"gte=0"`
}

// CreateProduct handles POST /products.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if details := h.validationDetails(req); details != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation failed",
			"details": details,
		})
		return
	}

	product := &domain.Product{
		ID:         req.ID,
		Name:       req.Name,
		CategoryID: req.CategoryID,
		Price:      req.Price,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.store.SaveProduct(ctx, product); err != nil {
		slog.Error("failed to save product", "id", req.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save product",
		})
		return
	}

	// Catalog changes make cached rankings for this product stale.
	if h.results != nil {
		h.results.Invalidate(ctx, resultcache.Key(product.ID, ""))
	}

	writeJSON(w, http.StatusCreated, product)
}

// GetProduct handles GET /products/{id}.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	productID := chi.URLParam(r, "id")

	if productID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "product id is required",
		})
		return
	}

	product, err := h.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "product not found",
			})
			return
		}
		slog.Error("failed to get product", "id", productID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get product",
		})
		return
	}

	writeJSON(w, http.StatusOK, product)
}

// UserRequest is the request body for POST /users.
type UserRequest struct {
	ID string `json:"id" validate:"required"`
}

// CreateUser handles POST /users.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if details := h.validationDetails(req); details != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation failed",
			"details": details,
		})
		return
	}

	user := &domain.User{
		ID:        req.ID,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.SaveUser(ctx, user); err != nil {
		slog.Error("failed to save user", "id", req.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save user",
		})
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// ModelStatus handles GET /models/status.
func (h *Handler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.models.Status())
}

// ConfigStatus handles GET /config/status.
func (h *Handler) ConfigStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.configs.Status())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.results != nil {
		if err := h.results.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// validationDetails validates req and renders field errors as
// "field: constraint" strings, nil when valid.
func (h *Handler) validationDetails(req any) []string {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if len(field) > 0 {
			field = strings.ToLower(field[:1]) + field[1:]
		}
		switch fe.Tag() {
		case "required":
			details = append(details, field+" is required")
		case "gt":
			details = append(details, field+" must be greater than "+fe.Param())
		case "gte":
			details = append(details, field+" must be at least "+fe.Param())
		default:
			details = append(details, field+" failed "+fe.Tag()+" validation")
		}
	}
	return details
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
