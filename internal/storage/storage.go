// Package storage defines the persistence contracts for evaluations, alerts
// and user baselines. Adapters live in the memory, postgres and redis
// subpackages.
package storage

import (
	"context"
	"time"

	"github.com/banking/fraud-service/internal/domain"
)

// EvaluationStore persists write-once evaluation records
type EvaluationStore interface {
	// PutEvaluation stores rec and, when it is FLAGGED, its alert, in one
	// atomic step. Replays fail with domain.ErrDuplicateKey and change nothing.
	PutEvaluation(ctx context.Context, rec *domain.EvaluationRecord) (*domain.EvaluationRecord, *domain.Alert, error)

	GetEvaluation(ctx context.Context, transactionID string) (*domain.EvaluationRecord, error)

	// QueryEvaluations pages through matching records ordered by timestamp
	// descending then transaction id ascending
	QueryEvaluations(ctx context.Context, filter domain.EvaluationFilter, req domain.PageRequest) (*domain.Page[*domain.EvaluationRecord], error)

	// UserSummary returns all of a user's records with stats from the same read
	UserSummary(ctx context.Context, userID string) (*domain.UserSummary, error)

	// Stats returns category counts as of a single point in time
	Stats(ctx context.Context) (domain.Stats, error)

	// DailyCounts returns one entry per UTC day in [from, to], oldest first
	DailyCounts(ctx context.Context, from, to time.Time) ([]domain.DailyStats, error)

	// CountUserSince counts a user's records with timestamp in [since, until]
	CountUserSince(ctx context.Context, userID string, since, until time.Time) (int, error)
}

// AlertStore persists alerts for flagged evaluations
type AlertStore interface {
	// CreateAlert opens the alert for a stored FLAGGED record. It is idempotent
	// per transaction id: created is false when the alert already existed.
	CreateAlert(ctx context.Context, transactionID string) (alert *domain.Alert, created bool, err error)

	// UpdateAlertStatus moves an alert to any status and reports the status it
	// replaced, read under the same lock as the write. Unknown ids fail with
	// domain.ErrNotFound and mutate nothing.
	UpdateAlertStatus(ctx context.Context, id int64, upd domain.StatusUpdate) (alert *domain.Alert, previous domain.AlertStatus, err error)

	GetAlert(ctx context.Context, id int64) (*domain.Alert, error)

	// QueryAlerts pages through alerts ordered by createdAt descending then id
	QueryAlerts(ctx context.Context, filter domain.AlertFilter, req domain.PageRequest) (*domain.Page[*domain.Alert], error)

	// ListAlerts returns up to limit matching alerts in listing order
	ListAlerts(ctx context.Context, filter domain.AlertFilter, limit int) ([]*domain.Alert, error)
}

// Store is the combined evaluation and alert store
type Store interface {
	EvaluationStore
	AlertStore

	// Reset deletes every evaluation and alert atomically and reports how many
	// of each existed
	Reset(ctx context.Context) (domain.ResetResult, error)

	Ping(ctx context.Context) error
	Close() error
}

// BaselineStore holds per-user behavioural baselines
type BaselineStore interface {
	// Get returns the user's baseline, or an empty one for unknown users
	Get(ctx context.Context, userID string) (*domain.UserBaseline, error)

	// Update applies fn to the user's baseline atomically
	Update(ctx context.Context, userID string, fn func(*domain.UserBaseline) error) error

	// Reset removes every baseline and reports how many existed
	Reset(ctx context.Context) (int64, error)

	Close() error
}

// ZeroFillDays expands sparse per-day counts into one entry per day in
// [from, to], oldest first
func ZeroFillDays(from, to time.Time, counts map[string]*domain.DailyStats) []domain.DailyStats {
	from, to = domain.DayOf(from), domain.DayOf(to)
	var out []domain.DailyStats
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		key := domain.FormatDate(d)
		if c, ok := counts[key]; ok {
			out = append(out, *c)
			continue
		}
		out = append(out, domain.DailyStats{Date: key})
	}
	if out == nil {
		out = []domain.DailyStats{}
	}
	return out
}
