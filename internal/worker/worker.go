// Package worker consumes decision-pipeline events off the bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-retail/kestrel/internal/configcache"
	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/features"
)

// Worker maintains the Redis trending counters from ingested events and
// records blocked decisions. It runs alongside the HTTP server and keeps
// counter maintenance off the request path.
type Worker struct {
	bus     domain.EventBus
	rdb     *redis.Client // optional; nil disables trending updates
	configs *configcache.Cache
	rec     domain.RecommendConfig

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new event consumer.
func NewWorker(bus domain.EventBus, rdb *redis.Client, configs *configcache.Cache, rec domain.RecommendConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		rdb:     rdb,
		configs: configs,
		rec:     rec,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the pipeline topics.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicEventIngested, w.handleEventIngested)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	sub, err = w.bus.Subscribe(w.ctx, domain.TopicRiskBlocked, w.handleRiskBlocked)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topics", []string{domain.TopicEventIngested, domain.TopicRiskBlocked},
		"trending_enabled", w.rdb != nil,
	)
	return nil
}

// handleEventIngested bumps the product's trending counter by the event
// type's weight from the current config snapshot.
func (w *Worker) handleEventIngested(ctx context.Context, msg *domain.Message) error {
	if w.rdb == nil {
		return nil
	}

	var event domain.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse ingested event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	weight := w.configs.Get().Weights.TrendingWeight(event.Type)
	if weight == 0 {
		return nil
	}

	pipe := w.rdb.Pipeline()
	pipe.ZIncrBy(ctx, features.TrendingKey, weight, event.ProductID)
	// The counter set approximates a sliding window: the whole set
	// expires after the trending window and rebuilds from live traffic.
	pipe.Expire(ctx, features.TrendingKey, w.rec.TrendingWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("failed to update trending counter",
			"product_id", event.ProductID,
			"error", err,
		)
	}
	return nil
}

// handleRiskBlocked records blocked checkouts for operator visibility.
func (w *Worker) handleRiskBlocked(ctx context.Context, msg *domain.Message) error {
	var assessment domain.RiskAssessment
	if err := json.Unmarshal(msg.Payload, &assessment); err != nil {
		slog.Error("failed to parse blocked assessment",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	slog.Warn("checkout blocked",
		"assessment_id", assessment.ID,
		"user_id", assessment.UserID,
		"product_id", assessment.ProductID,
		"risk_score", assessment.RiskScore,
		"reasons", assessment.Reasons,
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
