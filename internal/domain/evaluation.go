package domain

import (
	"math"
	"strings"
	"time"
)

// RiskCategory represents the coarse outcome of a fraud evaluation
type RiskCategory string

const (
	CategoryApproved RiskCategory = "APPROVED"
	CategoryMonitor  RiskCategory = "MONITOR"
	CategoryFlagged  RiskCategory = "FLAGGED"
)

// RiskCategories lists every category in reporting order
var RiskCategories = []RiskCategory{CategoryApproved, CategoryMonitor, CategoryFlagged}

// ParseRiskCategory parses a category filter value. Empty or "all" yields
// the zero category, meaning no filter.
func ParseRiskCategory(raw string) (RiskCategory, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	switch raw {
	case "", "ALL":
		return "", nil
	case string(CategoryApproved), string(CategoryMonitor), string(CategoryFlagged):
		return RiskCategory(raw), nil
	}
	return "", InvalidArgument("unknown risk category %q", raw)
}

// Thresholds maps a risk score onto a category.
// score < SoftFlag is APPROVED, score >= HardFlag is FLAGGED, MONITOR in between.
type Thresholds struct {
	SoftFlag float64 `mapstructure:"soft_flag"`
	HardFlag float64 `mapstructure:"hard_flag"`
}

// DefaultThresholds are the evaluator's published cut-offs
var DefaultThresholds = Thresholds{SoftFlag: 50, HardFlag: 80}

// Categorize returns the category for a score
func (t Thresholds) Categorize(score float64) RiskCategory {
	switch {
	case score >= t.HardFlag:
		return CategoryFlagged
	case score >= t.SoftFlag:
		return CategoryMonitor
	default:
		return CategoryApproved
	}
}

// Validate checks that the thresholds partition 0-100
func (t Thresholds) Validate() error {
	if t.SoftFlag <= 0 || t.HardFlag > 100 || t.SoftFlag >= t.HardFlag {
		return InvalidArgument("thresholds must satisfy 0 < soft_flag < hard_flag <= 100, got %v/%v",
			t.SoftFlag, t.HardFlag)
	}
	return nil
}

// TriggeredRule is one scoring factor that fired for a transaction
type TriggeredRule struct {
	RuleName    string  `json:"ruleName"`
	Points      float64 `json:"points"`
	Explanation string  `json:"explanation"`
}

// Evaluation is the evaluator's verdict on a transaction.
// MLScore and ZScore are nil when they were not computed.
type Evaluation struct {
	RiskScore        float64         `json:"riskScore"`
	RuleScore        float64         `json:"ruleScore"`
	StatisticalScore float64         `json:"statisticalScore"`
	MLScore          *float64        `json:"mlScore"`
	ZScore           *float64        `json:"zScore"`
	VelocityCount    int             `json:"velocityCount"`
	TriggeredRules   []TriggeredRule `json:"triggeredRules"`
	Explanation      string          `json:"explanation"`
}

// EvaluationRecord is a persisted, immutable evaluation of one transaction
type EvaluationRecord struct {
	Transaction
	Evaluation

	RiskCategory RiskCategory `json:"riskCategory"`
	AlertCreated bool         `json:"alertCreated"`
	EvaluatedAt  time.Time    `json:"evaluatedAt"`

	// Store-assigned insertion sequence, used to pin pagination snapshots
	Seq int64 `json:"-"`
}

// NewEvaluationRecord derives the stored record from a transaction and its
// evaluation. The category is always recomputed from the score.
func NewEvaluationRecord(tx Transaction, eval Evaluation, thresholds Thresholds, now time.Time) *EvaluationRecord {
	eval.RiskScore = clampScore(eval.RiskScore)
	if eval.TriggeredRules == nil {
		eval.TriggeredRules = []TriggeredRule{}
	}
	tx.Timestamp = tx.Timestamp.UTC().Truncate(time.Microsecond)

	category := thresholds.Categorize(eval.RiskScore)
	return &EvaluationRecord{
		Transaction:  tx,
		Evaluation:   eval,
		RiskCategory: category,
		AlertCreated: category == CategoryFlagged,
		EvaluatedAt:  now.UTC().Truncate(time.Microsecond),
	}
}

// IsFlagged returns true if the record requires an alert
func (r *EvaluationRecord) IsFlagged() bool {
	return r.RiskCategory == CategoryFlagged
}

// Clone returns a deep copy safe to hand out of a store
func (r *EvaluationRecord) Clone() *EvaluationRecord {
	c := *r
	c.TriggeredRules = append([]TriggeredRule(nil), r.TriggeredRules...)
	if r.MLScore != nil {
		v := *r.MLScore
		c.MLScore = &v
	}
	if r.ZScore != nil {
		v := *r.ZScore
		c.ZScore = &v
	}
	return &c
}

// Less reports whether r sorts before o in listing order:
// timestamp descending, then transaction id ascending.
func (r *EvaluationRecord) Less(o *EvaluationRecord) bool {
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.After(o.Timestamp)
	}
	return r.TransactionID < o.TransactionID
}

func clampScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(100, score))
}
