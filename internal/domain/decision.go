package domain

import (
	"time"
)

// Decision is the outcome of a risk evaluation.
type Decision string

const (
	DecisionAllow     Decision = "ALLOW"
	DecisionChallenge Decision = "CHALLENGE"
	DecisionBlock     Decision = "BLOCK"
)

// RiskThresholds maps a clamped score to a decision. The mapping is
// monotonic: score >= Block blocks, score >= Challenge challenges,
// anything below allows.
type RiskThresholds struct {
	Block     float64 `json:"block"`
	Challenge float64 `json:"challenge"`
}

// DecisionFor returns the decision for a clamped score.
func (t RiskThresholds) DecisionFor(score float64) Decision {
	switch {
	case score >= t.Block:
		return DecisionBlock
	case score >= t.Challenge:
		return DecisionChallenge
	default:
		return DecisionAllow
	}
}

// RiskAssessment is the output of the risk evaluator. Assessments are
// never cached: every one reflects the event history at evaluation time.
type RiskAssessment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	Amount    int64     `json:"amount"`
	RiskScore float64   `json:"riskScore"`
	Decision  Decision  `json:"decision"`
	Reasons   []string  `json:"reasons"`
	RuleSet   string    `json:"ruleSet"` // "dynamic" or "fallback"
	Timestamp time.Time `json:"timestamp"`
}
