package domain

import (
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// EvaluationFilter narrows an evaluation listing. Zero fields match everything.
// Id filters are case-insensitive prefixes; an exact id is its own prefix.
type EvaluationFilter struct {
	RiskCategory  RiskCategory
	TransactionID string
	UserID        string
	MerchantID    string

	// Inclusive bounds on the UTC calendar date of the event timestamp
	StartDate *time.Time
	EndDate   *time.Time
}

// Validate checks the date range is ordered
func (f EvaluationFilter) Validate() error {
	if f.StartDate != nil && f.EndDate != nil && f.StartDate.After(*f.EndDate) {
		return InvalidArgument("startDate %s is after endDate %s",
			f.StartDate.Format(dateLayout), f.EndDate.Format(dateLayout))
	}
	return nil
}

// Matches reports whether the record satisfies every set field
func (f EvaluationFilter) Matches(r *EvaluationRecord) bool {
	if f.RiskCategory != "" && r.RiskCategory != f.RiskCategory {
		return false
	}
	if !hasFoldPrefix(r.TransactionID, f.TransactionID) ||
		!hasFoldPrefix(r.UserID, f.UserID) ||
		!hasFoldPrefix(r.MerchantID, f.MerchantID) {
		return false
	}
	day := DayOf(r.Timestamp)
	if f.StartDate != nil && day.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && day.After(*f.EndDate) {
		return false
	}
	return true
}

// IsZero returns true when the filter matches every record
func (f EvaluationFilter) IsZero() bool {
	return f == EvaluationFilter{}
}

// hasFoldPrefix lowercases both sides, as the SQL filter does with lower()
func hasFoldPrefix(s, prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}

// DayOf truncates t to midnight of its UTC calendar date
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a date filter. Full timestamps are reduced to their UTC date.
func ParseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if d, err := time.ParseInLocation(dateLayout, raw, time.UTC); err == nil {
		return &d, nil
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return nil, InvalidArgument("date %q must be YYYY-MM-DD", raw)
	}
	d := DayOf(ts)
	return &d, nil
}

// FormatDate renders a calendar date the way filters and time series expect it
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// AlertFilter narrows an alert listing. Empty status matches every alert.
type AlertFilter struct {
	Status AlertStatus
}

// Matches reports whether the alert satisfies the filter
func (f AlertFilter) Matches(a *Alert) bool {
	return f.Status == "" || a.Status == f.Status
}
