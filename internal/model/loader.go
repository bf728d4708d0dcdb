package model

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

// Loader polls the model registry for the active artifact and atomically
// swaps the loaded model when the registry reports a new (name, version).
// A failed load never clears an already-active model.
type Loader struct {
	settings domain.ModelRegistrySettings
	client   *http.Client

	active  atomic.Pointer[Model]
	polling atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoader creates a model loader with no model loaded.
func NewLoader(settings domain.ModelRegistrySettings) *Loader {
	timeout := settings.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Loader{
		settings: settings,
		client:   &http.Client{Timeout: timeout},
	}
}

// Active returns the currently loaded model, or nil when none is loaded.
// The returned model is immutable.
func (l *Loader) Active() *Model {
	return l.active.Load()
}

// Start launches the background poller. It polls once immediately, then
// on the configured interval until Stop is called.
func (l *Loader) Start() {
	interval := l.settings.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		l.Poll(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Poll(ctx)
			}
		}
	}()
}

// Stop cancels the background poller and waits for it to exit.
func (l *Loader) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Poll checks the registry once. Single-flight: a poll in progress turns
// concurrent calls into no-ops. The model pointer is replaced only after
// the new artifact is fully loaded.
func (l *Loader) Poll(ctx context.Context) {
	if !l.polling.CompareAndSwap(false, true) {
		return
	}
	defer l.polling.Store(false)

	if l.settings.BaseURL == "" {
		return
	}

	artifact, err := l.fetchActive(ctx)
	if err != nil {
		slog.Warn("model registry poll failed", "error", err)
		return
	}
	if artifact == nil {
		// Registry has no active artifact. An already-loaded model
		// keeps serving; it is never cleared by a registry outage or
		// deactivation race.
		return
	}

	current := l.active.Load()
	if current != nil && current.Artifact.Key() == artifact.Key() {
		return
	}

	loaded, err := Load(*artifact)
	if err != nil {
		slog.Warn("model load failed, retaining previous model",
			"artifact", artifact.Key(),
			"error", err,
		)
		return
	}

	l.active.Store(loaded)
	slog.Info("model swapped",
		"artifact", artifact.Key(),
		"weights", len(loaded.Weights),
	)
}

// fetchActive asks the registry for the active artifact identity.
// Returns nil with no error when the registry reports none (404).
func (l *Loader) fetchActive(ctx context.Context) (*Artifact, error) {
	url := fmt.Sprintf("%s/model-registry/active?name=%s", l.settings.BaseURL, l.settings.ModelName)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var artifact Artifact
	if err := json.Unmarshal(body, &artifact); err != nil {
		return nil, fmt.Errorf("malformed registry response: %w", err)
	}
	if artifact.Name == "" || artifact.Version == "" {
		return nil, fmt.Errorf("registry response missing name or version")
	}

	return &artifact, nil
}

// Status describes the loader for observability endpoints.
type Status struct {
	ActiveModel  string    `json:"activeModel,omitempty"`
	Loaded       bool      `json:"loaded"`
	LastLoadedAt time.Time `json:"lastLoadedAt,omitempty"`
}

// Status reports the currently active model, if any.
func (l *Loader) Status() Status {
	m := l.active.Load()
	if m == nil {
		return Status{Loaded: false}
	}
	return Status{
		ActiveModel:  m.Artifact.Key(),
		Loaded:       true,
		LastLoadedAt: m.LoadedAt,
	}
}
