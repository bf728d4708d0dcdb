package risk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-retail/kestrel/internal/configcache"
	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/features"
	"github.com/opensource-retail/kestrel/internal/repository"
)

// fakeStore provides canned events for evaluator tests.
type fakeStore struct {
	events  []*domain.Event
	users   map[string]*domain.User
	failAll bool
}

var errStoreDown = errors.New("connection refused")

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]*domain.User)}
}

func (s *fakeStore) CountEvents(ctx context.Context, userID string, typ domain.EventType, since time.Time) (int64, error) {
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
	return nil, repository.ErrNotFound
}

func (s *fakeStore) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]*domain.Product, error) {
	return nil, nil
}

func (s *fakeStore) SaveEvent(ctx context.Context, e *domain.Event) error    { return nil }
func (s *fakeStore) SaveProduct(ctx context.Context, p *domain.Product) error { return nil }
func (s *fakeStore) SaveUser(ctx context.Context, u *domain.User) error      { return nil }
func (s *fakeStore) Ping(ctx context.Context) error                          { return nil }
func (s *fakeStore) Close() error                                            { return nil }

func (s *fakeStore) addEvent(userID, productID string, typ domain.EventType, age time.Duration) {
	s.events = append(s.events, &domain.Event{
		UserID:    userID,
		ProductID: productID,
		Type:      typ,
		CreatedAt: time.Now().UTC().Add(-age),
	})
}

func (s *fakeStore) addUser(id string, age time.Duration) {
	s.users[id] = &domain.User{ID: id, CreatedAt: time.Now().UTC().Add(-age)}
}

func testConfig() domain.RiskConfig {
	return domain.RiskConfig{
		Thresholds:            domain.RiskThresholds{Block: 70, Challenge: 40},
		HourlyPurchaseWindow:  time.Hour,
		VelocityWindow:        2 * time.Minute,
		RepeatPurchaseWindow:  3 * time.Minute,
		NewAccountAge:         7 * 24 * time.Hour,
		HighAmount:            200000,
		MediumAmount:          50000,
		VelocityPurchaseLimit: 3,
		HourlyPurchaseLimit:   3,
		VelocityCartLimit:     5,
		RepeatPurchaseLimit:   2,
	}
}

func newTestEvaluator(t *testing.T, store *fakeStore, rules *configcache.Cache) *Evaluator {
	t.Helper()
	if rules == nil {
		rules = configcache.New(domain.RemoteConfigSettings{})
	}
	extractor := features.NewExtractor(store, nil, testConfig(), domain.RecommendConfig{
		TrendingWindow: 24 * time.Hour,
		AffinityWindow: 7 * 24 * time.Hour,
		TrendingCap:    50,
	})
	e, err := NewEvaluator(testConfig(), rules, extractor)
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	return e
}

func hasReason(a *domain.RiskAssessment, reason string) bool {
	for _, r := range a.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func countReason(a *domain.RiskAssessment, reason string) int {
	n := 0
	for _, r := range a.Reasons {
		if r == reason {
			n++
		}
	}
	return n
}

func TestEvaluateFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("CleanTransaction", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", 30*24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, time.Hour)

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 2500})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if a.RiskScore != 0 {
			t.Errorf("RiskScore = %v, want 0", a.RiskScore)
		}
		if a.Decision != domain.DecisionAllow {
			t.Errorf("Decision = %s, want ALLOW", a.Decision)
		}
		if len(a.Reasons) != 0 {
			t.Errorf("Reasons = %v, want none", a.Reasons)
		}
		if a.RuleSet != "fallback" {
			t.Errorf("RuleSet = %q, want fallback", a.RuleSet)
		}
		if a.ID == "" {
			t.Error("assessment should carry an ID")
		}
	})

	t.Run("HighAmountUnknownAccount", func(t *testing.T) {
		store := newFakeStore()

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "ghost", ProductID: "p1", Amount: 250000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		// high amount 25 + unknown account 20 + zero lifetime views 30.
		if a.RiskScore != 75 {
			t.Errorf("RiskScore = %v, want 75", a.RiskScore)
		}
		if a.Decision != domain.DecisionBlock {
			t.Errorf("Decision = %s, want BLOCK", a.Decision)
		}
		for _, want := range []string{ReasonHighAmount, ReasonNewAccount, ReasonPurchaseNoViews} {
			if !hasReason(a, want) {
				t.Errorf("missing reason %q in %v", want, a.Reasons)
			}
		}
	})

	t.Run("MediumAmount", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", 30*24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, time.Hour)

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 60000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if a.RiskScore != 10 {
			t.Errorf("RiskScore = %v, want 10", a.RiskScore)
		}
		if a.Decision != domain.DecisionAllow {
			t.Errorf("Decision = %s, want ALLOW", a.Decision)
		}
		if !hasReason(a, ReasonMediumAmount) {
			t.Errorf("missing medium amount reason in %v", a.Reasons)
		}
	})

	t.Run("YoungAccount", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", 24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, time.Hour)

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 2500})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if a.RiskScore != 15 {
			t.Errorf("RiskScore = %v, want 15", a.RiskScore)
		}
		if !hasReason(a, ReasonNewAccount) {
			t.Errorf("missing new account reason in %v", a.Reasons)
		}
	})

	t.Run("VelocityReasonDeduped", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", 30*24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, 48*time.Hour)
		// Three purchases in the last minute trip both the short-window
		// and the hourly velocity rule; the shared reason appears once.
		for i := 0; i < 3; i++ {
			store.addEvent("u1", "other", domain.EventPurchase, time.Minute)
		}

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 2500})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		// recent velocity 35 + hourly velocity 30.
		if a.RiskScore != 65 {
			t.Errorf("RiskScore = %v, want 65", a.RiskScore)
		}
		if a.Decision != domain.DecisionChallenge {
			t.Errorf("Decision = %s, want CHALLENGE", a.Decision)
		}
		if n := countReason(a, ReasonHighVelocity); n != 1 {
			t.Errorf("velocity reason appears %d times, want 1: %v", n, a.Reasons)
		}
	})

	t.Run("RepeatPurchaseAndCarts", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", 30*24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, 48*time.Hour)
		for i := 0; i < 2; i++ {
			store.addEvent("u1", "p1", domain.EventPurchase, time.Minute)
		}
		for i := 0; i < 5; i++ {
			store.addEvent("u1", "p1", domain.EventCart, time.Minute)
		}

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 2500})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if !hasReason(a, ReasonRepeatPurchase) {
			t.Errorf("missing repeat purchase reason in %v", a.Reasons)
		}
		if !hasReason(a, ReasonCartVelocity) {
			t.Errorf("missing cart velocity reason in %v", a.Reasons)
		}
	})

	t.Run("RepeatableWithoutNewEvents", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", 24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, 48*time.Hour)
		for i := 0; i < 3; i++ {
			store.addEvent("u1", "other", domain.EventPurchase, time.Minute)
		}

		e := newTestEvaluator(t, store, nil)
		input := Input{UserID: "u1", ProductID: "p1", Amount: 60000}

		first, err := e.Evaluate(ctx, input)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		second, err := e.Evaluate(ctx, input)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if first.RiskScore != second.RiskScore {
			t.Errorf("scores diverged with no new events: %v vs %v", first.RiskScore, second.RiskScore)
		}
		if first.Decision != second.Decision {
			t.Errorf("decisions diverged: %s vs %s", first.Decision, second.Decision)
		}
		if len(first.Reasons) != len(second.Reasons) {
			t.Fatalf("reason lists diverged: %v vs %v", first.Reasons, second.Reasons)
		}
		for i := range first.Reasons {
			if first.Reasons[i] != second.Reasons[i] {
				t.Errorf("reason %d diverged: %q vs %q", i, first.Reasons[i], second.Reasons[i])
			}
		}
	})

	t.Run("UnknownAccountNoViews", func(t *testing.T) {
		store := newFakeStore()

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "ghost", ProductID: "p1", Amount: 100})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		// unknown account 20 + zero lifetime views 30.
		if a.RiskScore != 50 {
			t.Errorf("RiskScore = %v, want 50", a.RiskScore)
		}
		if a.Decision != domain.DecisionChallenge {
			t.Errorf("Decision = %s, want CHALLENGE", a.Decision)
		}
		for _, want := range []string{ReasonNewAccount, ReasonPurchaseNoViews} {
			if !hasReason(a, want) {
				t.Errorf("missing reason %q in %v", want, a.Reasons)
			}
		}
	})

	t.Run("HighAmountAloneAllows", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", 30*24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, time.Hour)

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 250000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if a.RiskScore != 25 {
			t.Errorf("RiskScore = %v, want 25", a.RiskScore)
		}
		if a.Decision != domain.DecisionAllow {
			t.Errorf("Decision = %s, want ALLOW", a.Decision)
		}
	})

	t.Run("HourlyVelocityAloneAllows", func(t *testing.T) {
		store := newFakeStore()
		store.addUser("u1", 30*24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, 48*time.Hour)
		// Four purchases inside the hour but outside the short velocity
		// window: only the hourly rule fires.
		for i := 0; i < 4; i++ {
			store.addEvent("u1", "other", domain.EventPurchase, 30*time.Minute)
		}

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 1000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if a.RiskScore != 30 {
			t.Errorf("RiskScore = %v, want 30", a.RiskScore)
		}
		if a.Decision != domain.DecisionAllow {
			t.Errorf("Decision = %s, want ALLOW", a.Decision)
		}
		if !hasReason(a, ReasonHighVelocity) {
			t.Errorf("missing velocity reason in %v", a.Reasons)
		}
	})

	t.Run("ScoreClampedAt100", func(t *testing.T) {
		store := newFakeStore()
		// Unknown user, huge amount, every velocity rule tripped, no
		// views: the raw sum is well past 100.
		for i := 0; i < 3; i++ {
			store.addEvent("ghost", "p1", domain.EventPurchase, time.Minute)
		}
		for i := 0; i < 5; i++ {
			store.addEvent("ghost", "p1", domain.EventCart, time.Minute)
		}

		e := newTestEvaluator(t, store, nil)
		a, err := e.Evaluate(ctx, Input{UserID: "ghost", ProductID: "p1", Amount: 250000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}

		if a.RiskScore != 100 {
			t.Errorf("RiskScore = %v, want clamped 100", a.RiskScore)
		}
		if a.Decision != domain.DecisionBlock {
			t.Errorf("Decision = %s, want BLOCK", a.Decision)
		}
	})
}

func TestEvaluateFailClosed(t *testing.T) {
	store := newFakeStore()
	store.failAll = true

	e := newTestEvaluator(t, store, nil)
	_, err := e.Evaluate(context.Background(), Input{UserID: "u1", ProductID: "p1", Amount: 2500})
	if err == nil {
		t.Fatal("expected error when the event store is down")
	}
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

// rulesCache builds a config cache whose snapshot carries the given rule
// payload, fetched from a local test server.
func rulesCache(t *testing.T, rulesJSON string) *configcache.Cache {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/risk-rules":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(rulesJSON))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(srv.Close)

	cache := configcache.New(domain.RemoteConfigSettings{BaseURL: srv.URL, Timeout: time.Second})
	cache.Refresh(context.Background())
	if cache.Get().Source != "remote" {
		t.Fatal("test rule fetch did not populate the snapshot")
	}
	return cache
}

func TestEvaluateDynamic(t *testing.T) {
	ctx := context.Background()

	t.Run("AllPredicatesMustHold", func(t *testing.T) {
		cache := rulesCache(t, `[
			{"name": "big and fast", "weight": 80,
			 "condition": {"minAmount": 100000, "minVelocity": 2}}
		]`)

		store := newFakeStore()
		store.addUser("u1", 30*24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, time.Hour)

		e := newTestEvaluator(t, store, cache)

		// Amount alone is not enough.
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 150000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if a.RiskScore != 0 {
			t.Errorf("RiskScore = %v, want 0 when only one predicate holds", a.RiskScore)
		}
		if a.RuleSet != "dynamic" {
			t.Errorf("RuleSet = %q, want dynamic", a.RuleSet)
		}

		// Add the velocity and the rule fires.
		store.addEvent("u1", "other", domain.EventPurchase, 30*time.Second)
		store.addEvent("u1", "other", domain.EventPurchase, time.Minute)

		a, err = e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 150000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if a.RiskScore != 80 {
			t.Errorf("RiskScore = %v, want 80", a.RiskScore)
		}
		if a.Decision != domain.DecisionBlock {
			t.Errorf("Decision = %s, want BLOCK", a.Decision)
		}
		if !hasReason(a, "big and fast") {
			t.Errorf("matched rule name missing from reasons: %v", a.Reasons)
		}
	})

	t.Run("EmptyConditionNeverMatches", func(t *testing.T) {
		cache := rulesCache(t, `[
			{"name": "match everything", "weight": 90, "condition": {}}
		]`)

		store := newFakeStore()
		store.addUser("u1", 30*24*time.Hour)
		store.addEvent("u1", "p1", domain.EventView, time.Hour)

		e := newTestEvaluator(t, store, cache)
		a, err := e.Evaluate(ctx, Input{UserID: "u1", ProductID: "p1", Amount: 999999})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if a.RiskScore != 0 {
			t.Errorf("RiskScore = %v, want 0 for empty condition", a.RiskScore)
		}
	})

	t.Run("NewAccountPredicate", func(t *testing.T) {
		cache := rulesCache(t, `[
			{"name": "fresh account", "weight": 45,
			 "condition": {"isNewAccount": true}}
		]`)

		store := newFakeStore()
		e := newTestEvaluator(t, store, cache)

		// No user record at all counts as new.
		a, err := e.Evaluate(ctx, Input{UserID: "ghost", ProductID: "p1", Amount: 2500})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if a.RiskScore != 45 {
			t.Errorf("RiskScore = %v, want 45 for unknown account", a.RiskScore)
		}
		if a.Decision != domain.DecisionChallenge {
			t.Errorf("Decision = %s, want CHALLENGE", a.Decision)
		}

		store.addUser("vet", 365*24*time.Hour)
		a, err = e.Evaluate(ctx, Input{UserID: "vet", ProductID: "p1", Amount: 2500})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if a.RiskScore != 0 {
			t.Errorf("RiskScore = %v, want 0 for established account", a.RiskScore)
		}
	})

	t.Run("ExpressionRule", func(t *testing.T) {
		cache := rulesCache(t, `[
			{"name": "anonymous whale", "weight": 75,
			 "condition": {"expression": "amount > 100000 && !account_known"}}
		]`)

		store := newFakeStore()
		e := newTestEvaluator(t, store, cache)

		a, err := e.Evaluate(ctx, Input{UserID: "ghost", ProductID: "p1", Amount: 150000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if a.RiskScore != 75 {
			t.Errorf("RiskScore = %v, want 75", a.RiskScore)
		}
		if !hasReason(a, "anonymous whale") {
			t.Errorf("matched rule name missing from reasons: %v", a.Reasons)
		}

		a, err = e.Evaluate(ctx, Input{UserID: "ghost", ProductID: "p1", Amount: 500})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if a.RiskScore != 0 {
			t.Errorf("RiskScore = %v, want 0 when the expression is false", a.RiskScore)
		}
	})

	t.Run("BadExpressionDisablesRule", func(t *testing.T) {
		cache := rulesCache(t, `[
			{"name": "broken", "weight": 90,
			 "condition": {"expression": "amount >"}},
			{"name": "not a bool", "weight": 90,
			 "condition": {"expression": "amount + 1"}},
			{"name": "working", "weight": 20,
			 "condition": {"minAmount": 1000}}
		]`)

		store := newFakeStore()
		e := newTestEvaluator(t, store, cache)

		a, err := e.Evaluate(ctx, Input{UserID: "ghost", ProductID: "p1", Amount: 150000})
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		// Only the structurally sound rule contributes.
		if a.RiskScore != 20 {
			t.Errorf("RiskScore = %v, want 20", a.RiskScore)
		}
		if hasReason(a, "broken") || hasReason(a, "not a bool") {
			t.Errorf("disabled rule leaked into reasons: %v", a.Reasons)
		}
	})
}
