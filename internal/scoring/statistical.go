package scoring

import (
	"math"

	"github.com/banking/fraud-service/internal/domain"
)

// StatisticalScore maps the amount's deviation from the user's mean onto
// 50-100. It returns 0 and a nil z-score when the baseline has no spread
// to compare against.
func StatisticalScore(tx *domain.Transaction, bl *domain.UserBaseline) (float64, *float64) {
	z, ok := bl.ZScore(tx.AmountFloat())
	if !ok {
		return 0, nil
	}
	score := 50 + 50*(1-math.Exp(-math.Abs(z)/2))
	return clamp(score), &z
}
