// Package configcache holds remotely configured decision parameters in a
// periodically refreshed in-memory snapshot.
package configcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opensource-retail/kestrel/internal/domain"
)

// Snapshot is an immutable view of the remote configuration. Readers get
// the whole snapshot or none of it; refreshes publish a new one via an
// atomic pointer swap.
type Snapshot struct {
	Rules     []domain.RiskRule
	Weights   domain.ScoringWeights
	Source    string // "default" or "remote"
	FetchedAt time.Time
}

// Cache serves configuration snapshots without blocking. Get always
// returns immediately; a background refresher replaces the snapshot on a
// fixed interval and keeps the stale value on any fetch failure.
type Cache struct {
	settings domain.RemoteConfigSettings
	client   *http.Client

	snap       atomic.Pointer[Snapshot]
	refreshing atomic.Bool
	lastErr    atomic.Pointer[string]

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a config cache seeded with the hardcoded default snapshot:
// no dynamic rules (the evaluator applies its fixed fallback set) and
// default scoring weights.
func New(settings domain.RemoteConfigSettings) *Cache {
	timeout := settings.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	c := &Cache{
		settings: settings,
		client:   &http.Client{Timeout: timeout},
	}
	c.snap.Store(&Snapshot{Source: "default"})
	return c
}

// Get returns the current snapshot. Never nil, never blocks.
func (c *Cache) Get() *Snapshot {
	return c.snap.Load()
}

// Start launches the background refresher. It refreshes once immediately,
// then on the configured interval until Stop is called.
func (c *Cache) Start() {
	interval := c.settings.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		c.Refresh(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Refresh(ctx)
			}
		}
	}()
}

// Stop cancels the background refresher and waits for it to exit.
func (c *Cache) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// Refresh fetches the remote configuration once. Single-flight: a refresh
// already in progress turns concurrent calls into no-ops. Failures leave
// the current snapshot serving.
func (c *Cache) Refresh(ctx context.Context) {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	defer c.refreshing.Store(false)

	if c.settings.BaseURL == "" {
		return
	}

	cur := c.snap.Load()
	next := *cur
	updated := false

	rules, err := c.fetchRules(ctx)
	if err != nil {
		c.recordError(err)
		slog.Warn("risk rule refresh failed, serving stale config", "error", err)
	} else {
		next.Rules = rules
		updated = true
	}

	weights, err := c.fetchWeights(ctx)
	if err != nil {
		c.recordError(err)
		slog.Warn("scoring weight refresh failed, serving stale config", "error", err)
	} else {
		next.Weights = weights
		updated = true
	}

	if !updated {
		return
	}

	next.Source = "remote"
	next.FetchedAt = time.Now().UTC()
	c.snap.Store(&next)

	slog.Debug("configuration refreshed",
		"rules", len(next.Rules),
		"fetched_at", next.FetchedAt,
	)
}

// fetchRules retrieves the dynamic rule set. Rules whose conditions fail
// to decode are skipped individually so one malformed rule cannot take
// down the rest of the set.
func (c *Cache) fetchRules(ctx context.Context) ([]domain.RiskRule, error) {
	body, err := c.fetch(ctx, c.settings.BaseURL+"/risk-rules")
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("malformed rule list: %w", err)
	}

	rules := make([]domain.RiskRule, 0, len(raw))
	for _, msg := range raw {
		var rule domain.RiskRule
		if err := json.Unmarshal(msg, &rule); err != nil {
			slog.Warn("skipping malformed risk rule", "error", err)
			continue
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

func (c *Cache) fetchWeights(ctx context.Context) (domain.ScoringWeights, error) {
	var weights domain.ScoringWeights

	key := c.settings.WeightsKey
	if key == "" {
		key = "scoring-weights"
	}

	body, err := c.fetch(ctx, c.settings.BaseURL+"/configs/"+key)
	if err != nil {
		return weights, err
	}

	if err := json.Unmarshal(body, &weights); err != nil {
		return weights, fmt.Errorf("malformed scoring weights: %w", err)
	}
	return weights, nil
}

// fetch performs one bounded GET. No retry: the next interval is the
// retry.
func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("config fetch returned %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func (c *Cache) recordError(err error) {
	msg := err.Error()
	c.lastErr.Store(&msg)
}

// Status describes the cache for observability endpoints.
type Status struct {
	Source    string    `json:"source"`
	Rules     int       `json:"rules"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Status returns the current snapshot's provenance.
func (c *Cache) Status() Status {
	snap := c.snap.Load()
	st := Status{
		Source:    snap.Source,
		Rules:     len(snap.Rules),
		FetchedAt: snap.FetchedAt,
	}
	if msg := c.lastErr.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}
