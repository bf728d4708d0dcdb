package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// RiskRule is a remotely configured fraud rule. Rules are independent:
// each matching rule contributes its weight to the score and its name to
// the reason list.
type RiskRule struct {
	Name      string    `json:"name"`
	Weight    float64   `json:"weight"`
	Condition Condition `json:"condition"`
}

// Condition is the closed set of predicate shapes a rule may declare.
// A rule matches only when every declared predicate holds; a condition
// declaring no predicates never matches. Unknown keys in the wire form
// are rejected at decode time rather than silently matching.
type Condition struct {
	MinAmount    *int64 `json:"minAmount,omitempty"`
	MinVelocity  *int64 `json:"minVelocity,omitempty"`
	IsNewAccount *bool  `json:"isNewAccount,omitempty"`

	// Expression is an optional CEL expression over the risk context,
	// compiled by the evaluator. Compile failures disable the rule.
	Expression string `json:"expression,omitempty"`
}

// UnmarshalJSON rejects condition objects carrying unknown keys.
func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*c = Condition(p)
	return nil
}

// Empty reports whether the condition declares no predicates at all.
func (c Condition) Empty() bool {
	return c.MinAmount == nil && c.MinVelocity == nil && c.IsNewAccount == nil && c.Expression == ""
}

// RiskContext is the per-request input to predicate evaluation.
type RiskContext struct {
	Amount        int64
	VelocityCount int64

	// AccountKnown is false when the user record is absent; absent is
	// treated the same as new for the isNewAccount predicate.
	AccountKnown bool
	AccountAge   time.Duration

	// NewAccountAge is the configured age below which an account counts
	// as new.
	NewAccountAge time.Duration
}

// Predicate is one evaluable clause of a rule condition.
type Predicate interface {
	Evaluate(rc RiskContext) bool
}

// MinAmountPredicate matches when the transaction amount is at least the
// configured minimum.
type MinAmountPredicate int64

func (p MinAmountPredicate) Evaluate(rc RiskContext) bool {
	return rc.Amount >= int64(p)
}

// MinVelocityPredicate matches when the recent velocity count is at least
// the configured minimum.
type MinVelocityPredicate int64

func (p MinVelocityPredicate) Evaluate(rc RiskContext) bool {
	return rc.VelocityCount >= int64(p)
}

// NewAccountPredicate matches on account age. The wire form carries a
// boolean, so the predicate tests either side of the threshold.
type NewAccountPredicate bool

func (p NewAccountPredicate) Evaluate(rc RiskContext) bool {
	isNew := !rc.AccountKnown || rc.AccountAge < rc.NewAccountAge
	return isNew == bool(p)
}

// Predicates returns the structured predicates the condition declares.
// The CEL expression variant is handled separately by the evaluator.
func (c Condition) Predicates() []Predicate {
	var preds []Predicate
	if c.MinAmount != nil {
		preds = append(preds, MinAmountPredicate(*c.MinAmount))
	}
	if c.MinVelocity != nil {
		preds = append(preds, MinVelocityPredicate(*c.MinVelocity))
	}
	if c.IsNewAccount != nil {
		preds = append(preds, NewAccountPredicate(*c.IsNewAccount))
	}
	return preds
}
