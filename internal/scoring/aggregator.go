package scoring

import (
	"fmt"
	"strings"

	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/domain"
)

// Components are the partial scores of one evaluation. MLScore is on the
// model's 0-1 scale and nil when no model score was available.
type Components struct {
	RuleScore        float64
	StatisticalScore float64
	MLScore          *float64
	ZScore           *float64
	VelocityCount    int
	TriggeredRules   []domain.TriggeredRule
}

// Aggregator combines component scores into the final risk score
type Aggregator struct {
	weights    config.WeightsConfig
	thresholds domain.Thresholds
}

// NewAggregator creates an aggregator
func NewAggregator(weights config.WeightsConfig, thresholds domain.Thresholds) *Aggregator {
	return &Aggregator{weights: weights, thresholds: thresholds}
}

// Aggregate weights the components, renormalising the rule and statistical
// weights when there is no model score
func (a *Aggregator) Aggregate(c Components) domain.Evaluation {
	var ml100 *float64
	if c.MLScore != nil {
		v := *c.MLScore * 100
		ml100 = &v
	}

	var score float64
	if ml100 != nil {
		ml := *ml100
		score = a.weights.Rule*c.RuleScore + a.weights.Statistical*c.StatisticalScore + a.weights.ML*ml
	} else {
		total := a.weights.Rule + a.weights.Statistical
		score = (a.weights.Rule/total)*c.RuleScore + (a.weights.Statistical/total)*c.StatisticalScore
	}
	score = clamp(score)

	rules := c.TriggeredRules
	if rules == nil {
		rules = []domain.TriggeredRule{}
	}

	return domain.Evaluation{
		RiskScore:        score,
		RuleScore:        c.RuleScore,
		StatisticalScore: c.StatisticalScore,
		MLScore:          ml100,
		ZScore:           c.ZScore,
		VelocityCount:    c.VelocityCount,
		TriggeredRules:   rules,
		Explanation:      a.explain(score, c.RuleScore, c.StatisticalScore, ml100, rules),
	}
}

func (a *Aggregator) explain(score, rule, stat float64, ml *float64, rules []domain.TriggeredRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk Score: %.1f/100 (%s)\n", score, a.thresholds.Categorize(score))
	fmt.Fprintf(&b, "Rule-based signals: %.1f points\n", rule)
	fmt.Fprintf(&b, "Statistical deviation: %.1f points\n", stat)
	if ml != nil {
		fmt.Fprintf(&b, "ML anomaly: %.1f points\n", *ml)
	}

	if len(rules) == 0 {
		b.WriteString("\nNo fraud rules triggered")
		return b.String()
	}
	fmt.Fprintf(&b, "\nTriggered Rules (%d):\n", len(rules))
	for _, r := range rules {
		fmt.Fprintf(&b, "  - %s: %s\n", r.RuleName, r.Explanation)
	}
	return b.String()
}
