// Package risk implements the fraud-risk scoring pipeline.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/opensource-retail/kestrel/internal/configcache"
	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/features"
)

// Fallback rule weights and reasons, applied when no dynamic rules are
// configured.
const (
	ReasonHighAmount      = "High Transaction Value"
	ReasonMediumAmount    = "Medium Transaction Value"
	ReasonNewAccount      = "New/Unknown Account"
	ReasonHighVelocity    = "High Purchase Velocity"
	ReasonCartVelocity    = "High Cart Velocity"
	ReasonRepeatPurchase  = "Repeated Purchase Attempt"
	ReasonPurchaseNoViews = "Purchase without Viewing"
)

const (
	weightHighAmount      = 25
	weightMediumAmount    = 10
	weightUnknownAccount  = 20
	weightNewAccount      = 15
	weightRecentVelocity  = 35
	weightHourlyVelocity  = 30
	weightCartVelocity    = 20
	weightRepeatPurchase  = 30
	weightPurchaseNoViews = 30
)

// Input identifies the transaction being scored.
type Input struct {
	UserID    string
	ProductID string
	Amount    int64 // minor units
}

// Evaluator produces a risk score, decision and reason list per request.
// Results are never cached: every call re-queries fresh event counts.
type Evaluator struct {
	cfg      domain.RiskConfig
	rules    *configcache.Cache
	features *features.Extractor

	env *cel.Env

	// Compiled expression programs, keyed by expression text. A nil
	// entry marks an expression that failed to compile.
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator creates a risk evaluator.
func NewEvaluator(cfg domain.RiskConfig, rules *configcache.Cache, extractor *features.Extractor) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("hourly_purchases", cel.IntType),
		cel.Variable("recent_carts", cel.IntType),
		cel.Variable("repeat_purchases", cel.IntType),
		cel.Variable("lifetime_views", cel.IntType),
		cel.Variable("account_known", cel.BoolType),
		cel.Variable("account_age_hours", cel.DoubleType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("product_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		cfg:      cfg,
		rules:    rules,
		features: extractor,
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate scores one transaction. Event-store failures are surfaced to
// the caller: an inability to compute velocity checks must never produce
// a silent ALLOW.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (*domain.RiskAssessment, error) {
	feats, err := e.features.RiskFeatures(ctx, input.UserID, input.ProductID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rc := domain.RiskContext{
		Amount:        input.Amount,
		VelocityCount: feats.RecentPurchases,
		AccountKnown:  feats.AccountKnown,
		AccountAge:    feats.AccountAge(now),
		NewAccountAge: e.cfg.NewAccountAge,
	}

	snap := e.rules.Get()

	var score float64
	var reasons []string
	ruleSet := "fallback"

	if len(snap.Rules) > 0 {
		ruleSet = "dynamic"
		score, reasons = e.applyDynamic(snap.Rules, rc, input, feats)
	} else {
		score, reasons = e.applyFallback(input.Amount, feats)
	}

	score = clamp(score, 0, 100)

	return &domain.RiskAssessment{
		ID:        uuid.New().String(),
		UserID:    input.UserID,
		ProductID: input.ProductID,
		Amount:    input.Amount,
		RiskScore: score,
		Decision:  e.cfg.Thresholds.DecisionFor(score),
		Reasons:   reasons,
		RuleSet:   ruleSet,
		Timestamp: now,
	}, nil
}

// applyDynamic evaluates the remotely configured rules. Rules are
// independent: each match adds its weight and its name. A rule matches
// only when every predicate it declares holds; a rule declaring none
// never matches.
func (e *Evaluator) applyDynamic(rules []domain.RiskRule, rc domain.RiskContext, input Input, feats *features.RiskFeatures) (float64, []string) {
	var score float64
	var reasons []string

	for _, rule := range rules {
		if rule.Condition.Empty() {
			continue
		}

		matched := true
		for _, pred := range rule.Condition.Predicates() {
			if !pred.Evaluate(rc) {
				matched = false
				break
			}
		}

		if matched && rule.Condition.Expression != "" {
			ok, err := e.evalExpression(rule.Condition.Expression, rc, input, feats)
			if err != nil {
				slog.Warn("rule expression disabled", "rule", rule.Name, "error", err)
				matched = false
			} else {
				matched = ok
			}
		}

		if matched {
			score += rule.Weight
			reasons = appendReason(reasons, rule.Name)
		}
	}

	return score, reasons
}

// applyFallback applies the fixed built-in rule set.
func (e *Evaluator) applyFallback(amount int64, feats *features.RiskFeatures) (float64, []string) {
	var score float64
	var reasons []string

	switch {
	case amount >= e.cfg.HighAmount:
		score += weightHighAmount
		reasons = appendReason(reasons, ReasonHighAmount)
	case amount >= e.cfg.MediumAmount:
		score += weightMediumAmount
		reasons = appendReason(reasons, ReasonMediumAmount)
	}

	if !feats.AccountKnown {
		score += weightUnknownAccount
		reasons = appendReason(reasons, ReasonNewAccount)
	} else if feats.AccountAge(time.Now().UTC()) < e.cfg.NewAccountAge {
		score += weightNewAccount
		reasons = appendReason(reasons, ReasonNewAccount)
	}

	if feats.RecentPurchases >= e.cfg.VelocityPurchaseLimit {
		score += weightRecentVelocity
		reasons = appendReason(reasons, ReasonHighVelocity)
	}
	if feats.HourlyPurchases >= e.cfg.HourlyPurchaseLimit {
		score += weightHourlyVelocity
		reasons = appendReason(reasons, ReasonHighVelocity)
	}
	if feats.RecentCarts >= e.cfg.VelocityCartLimit {
		score += weightCartVelocity
		reasons = appendReason(reasons, ReasonCartVelocity)
	}
	if feats.RepeatPurchases >= e.cfg.RepeatPurchaseLimit {
		score += weightRepeatPurchase
		reasons = appendReason(reasons, ReasonRepeatPurchase)
	}
	if feats.LifetimeViews == 0 {
		score += weightPurchaseNoViews
		reasons = appendReason(reasons, ReasonPurchaseNoViews)
	}

	return score, reasons
}

// evalExpression runs a rule's CEL expression against the risk context.
// Programs are compiled once per expression text and cached.
func (e *Evaluator) evalExpression(expr string, rc domain.RiskContext, input Input, feats *features.RiskFeatures) (bool, error) {
	prog, err := e.program(expr)
	if err != nil {
		return false, err
	}

	activation := map[string]any{
		"amount":            input.Amount,
		"velocity_count":    rc.VelocityCount,
		"hourly_purchases":  feats.HourlyPurchases,
		"recent_carts":      feats.RecentCarts,
		"repeat_purchases":  feats.RepeatPurchases,
		"lifetime_views":    feats.LifetimeViews,
		"account_known":     rc.AccountKnown,
		"account_age_hours": rc.AccountAge.Hours(),
		"user_id":           input.UserID,
		"product_id":        input.ProductID,
	}

	out, _, err := prog.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return bool(b), nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prog, seen := e.programs[expr]
	e.mu.RUnlock()

	if seen {
		if prog == nil {
			return nil, fmt.Errorf("expression previously failed to compile")
		}
		return prog, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prog, seen := e.programs[expr]; seen {
		if prog == nil {
			return nil, fmt.Errorf("expression previously failed to compile")
		}
		return prog, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		e.programs[expr] = nil
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		e.programs[expr] = nil
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		e.programs[expr] = nil
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	e.programs[expr] = prog
	return prog, nil
}

// appendReason adds a reason unless already present; the reason list is a
// set with insertion order.
func appendReason(reasons []string, reason string) []string {
	for _, r := range reasons {
		if r == reason {
			return reasons
		}
	}
	return append(reasons, reason)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
