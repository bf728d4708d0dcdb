package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-retail/kestrel/internal/bus"
	"github.com/opensource-retail/kestrel/internal/configcache"
	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/features"
	"github.com/opensource-retail/kestrel/internal/model"
	"github.com/opensource-retail/kestrel/internal/recommend"
	"github.com/opensource-retail/kestrel/internal/repository"
	"github.com/opensource-retail/kestrel/internal/resultcache"
	"github.com/opensource-retail/kestrel/internal/risk"
)

// fakeStore is an in-memory EventStore backing the HTTP tests.
type fakeStore struct {
	mu       sync.Mutex
	events   []*domain.Event
	users    map[string]*domain.User
	products []*domain.Product

	failAll bool
}

var errStoreDown = errors.New("connection refused")

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]*domain.User)}
}

func (s *fakeStore) CountEvents(ctx context.Context, userID string, typ domain.EventType, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return 0, errStoreDown
	}
	var n int64
	for _, ev := range s.events {
		if ev.UserID != userID || ev.Type != typ {
			continue
		}
		if !since.IsZero() && ev.CreatedAt.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *fakeStore) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errStoreDown
	}
	var out []*domain.Event
	for _, ev := range s.events {
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		if filter.ProductID != "" && ev.ProductID != filter.ProductID {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && ev.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *fakeStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errStoreDown
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (s *fakeStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.ID == productID {
			return p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Product
	for _, p := range s.products {
		if filter.ExcludeID != "" && p.ID == filter.ExcludeID {
			continue
		}
		if filter.CategoryID != "" && p.CategoryID != filter.CategoryID {
			continue
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) SaveEvent(ctx context.Context, e *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *fakeStore) SaveProduct(ctx context.Context, p *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, p)
	return nil
}

func (s *fakeStore) SaveUser(ctx context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errStoreDown
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func newTestServer(t *testing.T, store *fakeStore) *Server {
	t.Helper()

	cfg := domain.DefaultConfig()

	configs := configcache.New(domain.RemoteConfigSettings{})
	models := model.NewLoader(domain.ModelRegistrySettings{})
	extractor := features.NewExtractor(store, nil, cfg.Risk, cfg.Recommend)

	evaluator, err := risk.NewEvaluator(cfg.Risk, configs, extractor)
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}
	scorer := recommend.NewScorer(store, extractor, configs, models, cfg.Recommend)

	results := resultcache.New(nil, resultcache.NewLocalCache(100), cfg.ResultCache, nil)
	t.Cleanup(func() { results.Close() })

	eventBus := bus.NewChannelBus(16)
	t.Cleanup(func() { eventBus.Close() })

	return NewServer(cfg.Server, store, results, eventBus, evaluator, scorer, models, configs, "test")
}

func doJSON(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func seedCatalog(store *fakeStore) {
	now := time.Now().UTC()
	store.products = []*domain.Product{
		{ID: "ctx", Name: "Context", CategoryID: "electronics", Price: 10000, CreatedAt: now},
		{ID: "match", Name: "Match", CategoryID: "electronics", Price: 9000, CreatedAt: now},
		{ID: "other", Name: "Other", CategoryID: "apparel", Price: 3000, CreatedAt: now},
	}
}

func TestRiskScoreEndpoint(t *testing.T) {
	t.Run("ScoresTransaction", func(t *testing.T) {
		store := newFakeStore()
		store.users["u1"] = &domain.User{ID: "u1", CreatedAt: time.Now().UTC().Add(-30 * 24 * time.Hour)}
		store.events = append(store.events, &domain.Event{
			UserID: "u1", ProductID: "p1", Type: domain.EventView,
			CreatedAt: time.Now().UTC().Add(-time.Hour),
		})
		srv := newTestServer(t, store)

		rec := doJSON(t, srv, http.MethodPost, "/risk/score",
			`{"userId": "u1", "productId": "p1", "amount": 2500}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}

		var a domain.RiskAssessment
		decodeBody(t, rec, &a)
		if a.Decision != domain.DecisionAllow {
			t.Errorf("Decision = %s, want ALLOW", a.Decision)
		}
		if a.UserID != "u1" || a.Amount != 2500 {
			t.Errorf("assessment echo mismatch: %+v", a)
		}
		if a.ID == "" {
			t.Error("assessment should carry an ID")
		}
	})

	t.Run("ValidationDetails", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())

		rec := doJSON(t, srv, http.MethodPost, "/risk/score", `{"amount": -5}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}

		var resp struct {
			Error   string   `json:"error"`
			Details []string `json:"details"`
		}
		decodeBody(t, rec, &resp)
		if resp.Error != "validation failed" {
			t.Errorf("error = %q", resp.Error)
		}
		joined := strings.Join(resp.Details, "; ")
		for _, want := range []string{"userId is required", "productId is required"} {
			if !strings.Contains(joined, want) {
				t.Errorf("details missing %q: %v", want, resp.Details)
			}
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())
		rec := doJSON(t, srv, http.MethodPost, "/risk/score", `{"userId":`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("FailClosedOnStoreOutage", func(t *testing.T) {
		store := newFakeStore()
		store.failAll = true
		srv := newTestServer(t, store)

		rec := doJSON(t, srv, http.MethodPost, "/risk/score",
			`{"userId": "u1", "productId": "p1", "amount": 2500}`)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestRecommendationsEndpoint(t *testing.T) {
	t.Run("RanksAndAnnotatesCacheStatus", func(t *testing.T) {
		store := newFakeStore()
		seedCatalog(store)
		srv := newTestServer(t, store)

		rec := doJSON(t, srv, http.MethodGet, "/recommendations/ctx", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get(CacheStatusHeader); got != string(domain.CacheMiss) {
			t.Errorf("first request %s = %q, want MISS", CacheStatusHeader, got)
		}

		var resp struct {
			ProductID       string                  `json:"productId"`
			Recommendations []domain.Recommendation `json:"recommendations"`
			Source          string                  `json:"scoringSource"`
			CacheStatus     string                  `json:"cacheStatus"`
		}
		decodeBody(t, rec, &resp)
		if resp.ProductID != "ctx" {
			t.Errorf("productId = %q", resp.ProductID)
		}
		if len(resp.Recommendations) != 2 {
			t.Errorf("got %d recommendations, want 2", len(resp.Recommendations))
		}
		if resp.Source != string(domain.SourceFallback) {
			t.Errorf("scoringSource = %q, want fallback", resp.Source)
		}
		if resp.CacheStatus != string(domain.CacheMiss) {
			t.Errorf("cacheStatus = %q, want MISS", resp.CacheStatus)
		}

		// Second identical request is served from cache.
		rec = doJSON(t, srv, http.MethodGet, "/recommendations/ctx", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := rec.Header().Get(CacheStatusHeader); got != string(domain.CacheHit) {
			t.Errorf("second request %s = %q, want HIT", CacheStatusHeader, got)
		}
	})

	t.Run("UnknownProduct", func(t *testing.T) {
		store := newFakeStore()
		seedCatalog(store)
		srv := newTestServer(t, store)

		rec := doJSON(t, srv, http.MethodGet, "/recommendations/ghost", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("PersonalizedKeyIsSeparate", func(t *testing.T) {
		store := newFakeStore()
		seedCatalog(store)
		srv := newTestServer(t, store)

		doJSON(t, srv, http.MethodGet, "/recommendations/ctx", "")

		// A different user misses the anonymous entry.
		rec := doJSON(t, srv, http.MethodGet, "/recommendations/ctx?userId=u1", "")
		if got := rec.Header().Get(CacheStatusHeader); got != string(domain.CacheMiss) {
			t.Errorf("personalized request %s = %q, want MISS", CacheStatusHeader, got)
		}
	})
}

func TestIngestEndpoints(t *testing.T) {
	t.Run("CreateEvent", func(t *testing.T) {
		store := newFakeStore()
		srv := newTestServer(t, store)

		rec := doJSON(t, srv, http.MethodPost, "/events",
			`{"userId": "u1", "productId": "p1", "type": "VIEW"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}

		var ev domain.Event
		decodeBody(t, rec, &ev)
		if ev.ID == "" {
			t.Error("event should be assigned an ID")
		}
		if len(store.events) != 1 {
			t.Errorf("store holds %d events, want 1", len(store.events))
		}
	})

	t.Run("CreateEventUnknownType", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())
		rec := doJSON(t, srv, http.MethodPost, "/events",
			`{"userId": "u1", "productId": "p1", "type": "TELEPORT"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("CreateAndGetProduct", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())

		rec := doJSON(t, srv, http.MethodPost, "/products",
			`{"id": "p1", "name": "Keyboard", "categoryId": "electronics", "price": 7900}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}

		rec = doJSON(t, srv, http.MethodGet, "/products/p1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var p domain.Product
		decodeBody(t, rec, &p)
		if p.Name != "Keyboard" || p.Price != 7900 {
			t.Errorf("unexpected product: %+v", p)
		}

		rec = doJSON(t, srv, http.MethodGet, "/products/ghost", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("CreateProductInvalidatesCache", func(t *testing.T) {
		store := newFakeStore()
		seedCatalog(store)
		srv := newTestServer(t, store)

		doJSON(t, srv, http.MethodGet, "/recommendations/ctx", "")

		rec := doJSON(t, srv, http.MethodPost, "/products",
			`{"id": "ctx", "name": "Context v2", "categoryId": "electronics", "price": 11000}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d", rec.Code)
		}

		rec = doJSON(t, srv, http.MethodGet, "/recommendations/ctx", "")
		if got := rec.Header().Get(CacheStatusHeader); got != string(domain.CacheMiss) {
			t.Errorf("post-invalidation %s = %q, want MISS", CacheStatusHeader, got)
		}
	})

	t.Run("CreateUser", func(t *testing.T) {
		store := newFakeStore()
		srv := newTestServer(t, store)

		rec := doJSON(t, srv, http.MethodPost, "/users", `{"id": "u1"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		if _, ok := store.users["u1"]; !ok {
			t.Error("user not persisted")
		}

		rec = doJSON(t, srv, http.MethodPost, "/users", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestStatusEndpoints(t *testing.T) {
	t.Run("Health", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())
		rec := doJSON(t, srv, http.MethodGet, "/health", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["status"] != "healthy" || resp["version"] != "test" {
			t.Errorf("unexpected health response: %v", resp)
		}
	})

	t.Run("HealthDegradedOnStoreOutage", func(t *testing.T) {
		store := newFakeStore()
		store.failAll = true
		srv := newTestServer(t, store)

		rec := doJSON(t, srv, http.MethodGet, "/health", "")
		var resp map[string]string
		decodeBody(t, rec, &resp)
		if resp["status"] != "degraded" {
			t.Errorf("status = %q, want degraded", resp["status"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())
		rec := doJSON(t, srv, http.MethodGet, "/ready", "")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("ModelStatus", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())
		rec := doJSON(t, srv, http.MethodGet, "/models/status", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var st model.Status
		decodeBody(t, rec, &st)
		if st.Loaded {
			t.Error("no model configured; Loaded should be false")
		}
	})

	t.Run("ConfigStatus", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())
		rec := doJSON(t, srv, http.MethodGet, "/config/status", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var st configcache.Status
		decodeBody(t, rec, &st)
		if st.Source != "default" {
			t.Errorf("source = %q, want default", st.Source)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		srv := newTestServer(t, newFakeStore())
		rec := doJSON(t, srv, http.MethodGet, "/metrics", "")
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})
}
