package scoring

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/domain"
)

// Rule names as they appear in triggered rule lists
const (
	RuleAmountAnomaly         = "amount_anomaly"
	RuleVelocitySpike         = "velocity_spike"
	RuleGeographicAnomaly     = "geographic_anomaly"
	RuleNewDevice             = "new_device"
	RuleNewMerchantHighAmount = "new_merchant_high_amount"
	RuleRiskyCategory         = "risky_category"
	RuleTimeAnomaly           = "time_anomaly"
)

// rulePoints are the fixed contributions of each rule to the rule score
var rulePoints = map[string]float64{
	RuleAmountAnomaly:         25,
	RuleVelocitySpike:         20,
	RuleGeographicAnomaly:     15,
	RuleNewDevice:             10,
	RuleNewMerchantHighAmount: 15,
	RuleRiskyCategory:         10,
	RuleTimeAnomaly:           10,
}

// RuleInput is everything the rule engine looks at for one transaction
type RuleInput struct {
	Transaction   *domain.Transaction
	Baseline      *domain.UserBaseline
	VelocityCount int
}

// RuleEngine evaluates the fixed rule set against a user's baseline
type RuleEngine struct {
	cfg   config.RulesConfig
	risky map[string]bool
}

// NewRuleEngine creates a rule engine
func NewRuleEngine(cfg config.RulesConfig) *RuleEngine {
	risky := make(map[string]bool, len(cfg.RiskyCategories))
	for _, c := range cfg.RiskyCategories {
		risky[strings.ToLower(c)] = true
	}
	if cfg.NewMerchantAmountMul <= 0 {
		cfg.NewMerchantAmountMul = 2
	}
	return &RuleEngine{cfg: cfg, risky: risky}
}

// Evaluate runs every rule in order and returns the clamped score with the
// rules that fired
func (r *RuleEngine) Evaluate(in RuleInput) (float64, []domain.TriggeredRule) {
	tx, bl := in.Transaction, in.Baseline
	amount := tx.AmountFloat()
	triggered := make([]domain.TriggeredRule, 0, 2)

	fire := func(name, explanation string) {
		triggered = append(triggered, domain.TriggeredRule{
			RuleName:    name,
			Points:      rulePoints[name],
			Explanation: explanation,
		})
	}

	if z, ok := bl.ZScore(amount); ok && z > r.cfg.AmountAnomalyStdDev {
		fire(RuleAmountAnomaly, fmt.Sprintf(
			"Transaction amount (%.2f) is %.2f standard deviations above user average (%.2f)",
			amount, z, bl.AvgAmount))
	}

	if r.cfg.VelocityThreshold > 0 && in.VelocityCount >= r.cfg.VelocityThreshold {
		fire(RuleVelocitySpike, fmt.Sprintf(
			"%d transactions in the last %d minutes (threshold: %d)",
			in.VelocityCount, int(r.cfg.VelocityWindow.Minutes()), r.cfg.VelocityThreshold))
	}

	if bl.LastTransactionTime != nil &&
		(tx.LocationState != bl.LastTransactionState || tx.LocationCountry != bl.LastTransactionCountry) {
		gap := tx.Timestamp.Sub(*bl.LastTransactionTime)
		if gap < r.cfg.GeographicWindow {
			fire(RuleGeographicAnomaly, fmt.Sprintf(
				"Transaction from %s, %s within %.1f hours of last transaction from %s, %s",
				tx.LocationState, tx.LocationCountry, math.Trunc(gap.Hours()),
				bl.LastTransactionState, bl.LastTransactionCountry))
		}
	}

	if !bl.KnowsDevice(tx.DeviceID) {
		fire(RuleNewDevice, "Transaction from new device: "+tx.DeviceID)
	}

	if bl.HasHistory() && !bl.KnowsMerchant(tx.MerchantID) && amount > bl.AvgAmount*r.cfg.NewMerchantAmountMul {
		fire(RuleNewMerchantHighAmount, fmt.Sprintf(
			"New merchant (%s) with amount (%.2f) %gx above average (%.2f)",
			tx.MerchantID, amount, r.cfg.NewMerchantAmountMul, bl.AvgAmount))
	}

	if r.risky[strings.ToLower(tx.MerchantCategory)] {
		fire(RuleRiskyCategory, "Transaction in risky category: "+tx.MerchantCategory)
	}

	if bl.MostCommonHour != nil {
		hour := tx.Hour()
		diff := hour - *bl.MostCommonHour
		if diff < 0 {
			diff = -diff
		}
		// the band excludes hours that are close on the wrap-around
		if diff > 6 && diff < 18 {
			fire(RuleTimeAnomaly, fmt.Sprintf(
				"Transaction at %d:00, user typically transacts at %d:00", hour, *bl.MostCommonHour))
		}
	}

	var score float64
	for _, t := range triggered {
		score += t.Points
	}
	return clamp(score), triggered
}

// VelocityWindow returns the lookback used for the velocity rule
func (r *RuleEngine) VelocityWindow() time.Duration {
	return r.cfg.VelocityWindow
}

func clamp(score float64) float64 {
	return math.Max(0, math.Min(100, score))
}
