package domain

import (
	"strings"
	"time"
)

// AlertStatus represents the triage state of an alert
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "NEW"
	AlertStatusInvestigating AlertStatus = "INVESTIGATING"
	AlertStatusResolved      AlertStatus = "RESOLVED"
	AlertStatusFalsePositive AlertStatus = "FALSE_POSITIVE"
)

// ParseAlertStatus parses a status value, case-insensitively
func ParseAlertStatus(raw string) (AlertStatus, error) {
	s := AlertStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case AlertStatusNew, AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive:
		return s, nil
	}
	return "", InvalidArgument("unknown alert status %q", raw)
}

// IsClosed returns true if an analyst has finished with the alert
func (s AlertStatus) IsClosed() bool {
	return s == AlertStatusResolved || s == AlertStatusFalsePositive
}

// Alert is a triage case opened for a FLAGGED evaluation
type Alert struct {
	ID            int64       `json:"id"`
	TransactionID string      `json:"transactionId"`
	UserID        string      `json:"userId"`
	RiskScore     float64     `json:"riskScore"` // snapshot at creation
	Status        AlertStatus `json:"status"`
	AnalystNotes  *string     `json:"analystNotes"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAlert opens an alert for a flagged record. The id is assigned by the store.
func NewAlert(rec *EvaluationRecord, now time.Time) *Alert {
	now = now.UTC().Truncate(time.Microsecond)
	return &Alert{
		TransactionID: rec.TransactionID,
		UserID:        rec.UserID,
		RiskScore:     rec.RiskScore,
		Status:        AlertStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a copy safe to hand out of a store
func (a *Alert) Clone() *Alert {
	c := *a
	if a.AnalystNotes != nil {
		n := *a.AnalystNotes
		c.AnalystNotes = &n
	}
	return &c
}

// ApplyStatus moves the alert to status. Nil notes keep the existing notes.
// Any status may follow any other.
func (a *Alert) ApplyStatus(status AlertStatus, notes *string, now time.Time) {
	a.Status = status
	if notes != nil {
		n := *notes
		a.AnalystNotes = &n
	}
	a.UpdatedAt = NextUpdatedAt(a.UpdatedAt, now)
}

// NextUpdatedAt returns a modification time strictly after prev
func NextUpdatedAt(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// Less reports whether a sorts before o: newest first, then lowest id
func (a *Alert) Less(o *Alert) bool {
	if !a.CreatedAt.Equal(o.CreatedAt) {
		return a.CreatedAt.After(o.CreatedAt)
	}
	return a.ID < o.ID
}

// StatusUpdate represents an analyst's request to move an alert
type StatusUpdate struct {
	Status       AlertStatus `json:"status"`
	AnalystNotes *string     `json:"analystNotes,omitempty"`
}
