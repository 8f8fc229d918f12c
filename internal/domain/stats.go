package domain

import (
	"github.com/shopspring/decimal"
)

// Stats counts evaluations per category. Total always equals the sum of the rest.
type Stats struct {
	Total    int64 `json:"total"`
	Approved int64 `json:"approved"`
	Monitor  int64 `json:"monitor"`
	Flagged  int64 `json:"flagged"`
}

// Add records delta evaluations in category c
func (s *Stats) Add(c RiskCategory, delta int64) {
	switch c {
	case CategoryApproved:
		s.Approved += delta
	case CategoryMonitor:
		s.Monitor += delta
	case CategoryFlagged:
		s.Flagged += delta
	default:
		return
	}
	s.Total += delta
}

// Count returns the counter for category c
func (s Stats) Count(c RiskCategory) int64 {
	switch c {
	case CategoryApproved:
		return s.Approved
	case CategoryMonitor:
		return s.Monitor
	case CategoryFlagged:
		return s.Flagged
	}
	return 0
}

// UserStats scopes Stats to one user and adds the mean amount
type UserStats struct {
	Stats
	AvgAmount decimal.Decimal `json:"avgAmount"`
}

// UserSummary is every evaluation of one user, newest first, with stats
// computed over the same read
type UserSummary struct {
	UserID       string              `json:"userId"`
	Transactions []*EvaluationRecord `json:"transactions"`
	Stats        UserStats           `json:"stats"`
}

// NewUserSummary derives the user's stats from their records
func NewUserSummary(userID string, records []*EvaluationRecord) *UserSummary {
	if records == nil {
		records = []*EvaluationRecord{}
	}
	sum := &UserSummary{UserID: userID, Transactions: records}
	total := decimal.Zero
	for _, r := range records {
		sum.Stats.Add(r.RiskCategory, 1)
		total = total.Add(r.Amount)
	}
	if n := sum.Stats.Total; n > 0 {
		sum.Stats.AvgAmount = total.Div(decimal.NewFromInt(n)).Round(2)
	}
	return sum
}

// DailyStats is one calendar day of the evaluation time series
type DailyStats struct {
	Date     string `json:"date"` // YYYY-MM-DD, UTC
	Approved int64  `json:"approved"`
	Monitor  int64  `json:"monitor"`
	Flagged  int64  `json:"flagged"`
	Total    int64  `json:"total"`
}

// ResetResult reports how many rows a reset removed
type ResetResult struct {
	Transactions  int64 `json:"transactions"`
	Alerts        int64 `json:"alerts"`
	UserBaselines int64 `json:"userBaselines"`
}

// SeedResult reports the outcome of a seed batch. Partial is set when the
// batch stopped before every requested transaction was attempted or any of
// them failed; persisted rows are never rolled back.
type SeedResult struct {
	Requested  int    `json:"requested"`
	Total      int64  `json:"total"`
	Approved   int64  `json:"approved"`
	Monitor    int64  `json:"monitor"`
	Flagged    int64  `json:"flagged"`
	Errors     int64  `json:"errors"`
	Partial    bool   `json:"partial"`
	DurationMs int64  `json:"durationMs"`
	Message    string `json:"message"`
}
