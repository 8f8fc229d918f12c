// Package memory implements the evaluation and alert store in process memory.
//
// A single RWMutex guards both tables so that a put and its alert become
// visible together, reads see one consistent state, and Reset acts as a
// global write barrier.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/storage"
)

// Store is an in-memory storage.Store
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	// Evaluations, kept in listing order
	evals  []*domain.EvaluationRecord
	byID   map[string]*domain.EvaluationRecord
	byUser map[string][]*domain.EvaluationRecord
	seq    int64
	stats  domain.Stats

	// Alerts, kept in id order
	alerts      []*domain.Alert
	alertByID   map[int64]*domain.Alert
	alertByTx   map[string]*domain.Alert
	lastAlertID int64
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for alert timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		byID:      make(map[string]*domain.EvaluationRecord),
		byUser:    make(map[string][]*domain.EvaluationRecord),
		alertByID: make(map[int64]*domain.Alert),
		alertByTx: make(map[string]*domain.Alert),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutEvaluation stores the record and its alert under one write lock
func (s *Store) PutEvaluation(ctx context.Context, rec *domain.EvaluationRecord) (*domain.EvaluationRecord, *domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Abandoned while waiting for the lock: nothing has been written yet
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if _, exists := s.byID[rec.TransactionID]; exists {
		return nil, nil, domain.DuplicateKey("transaction %s already evaluated", rec.TransactionID)
	}

	stored := rec.Clone()
	s.seq++
	stored.Seq = s.seq
	stored.AlertCreated = stored.IsFlagged()

	s.evals = insertSorted(s.evals, stored)
	s.byID[stored.TransactionID] = stored
	s.byUser[stored.UserID] = insertSorted(s.byUser[stored.UserID], stored)
	s.stats.Add(stored.RiskCategory, 1)

	var alert *domain.Alert
	if stored.IsFlagged() {
		alert, _ = s.createAlertLocked(stored)
		alert = alert.Clone()
	}
	return stored.Clone(), alert, nil
}

func insertSorted(list []*domain.EvaluationRecord, rec *domain.EvaluationRecord) []*domain.EvaluationRecord {
	i, _ := slices.BinarySearchFunc(list, rec, func(e, target *domain.EvaluationRecord) int {
		switch {
		case e.Less(target):
			return -1
		case target.Less(e):
			return 1
		}
		return 0
	})
	return slices.Insert(list, i, rec)
}

// GetEvaluation returns one record by transaction id
func (s *Store) GetEvaluation(ctx context.Context, transactionID string) (*domain.EvaluationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[transactionID]
	if !ok {
		return nil, domain.NotFound("transaction %s", transactionID)
	}
	return rec.Clone(), nil
}

// QueryEvaluations filters and pages the listing under one read lock
func (s *Store) QueryEvaluations(ctx context.Context, filter domain.EvaluationFilter, req domain.PageRequest) (*domain.Page[*domain.EvaluationRecord], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := req.Snapshot
	if snapshot == 0 {
		snapshot = s.seq
	}

	start := req.Offset()
	end := start + int64(req.Size)
	content := make([]*domain.EvaluationRecord, 0, req.Size)
	total, counted := s.countedTotalLocked(filter, snapshot)
	var n int64
	for _, rec := range s.evals {
		if counted && n >= end {
			break
		}
		if rec.Seq > snapshot || !filter.Matches(rec) {
			continue
		}
		if n >= start && n < end {
			content = append(content, rec.Clone())
		}
		n++
	}
	if !counted {
		total = n
	}
	return domain.NewPage(content, req, total, snapshot), nil
}

// countedTotalLocked answers the match count from the category counters
// when the filter is category-only and the snapshot is the latest one.
func (s *Store) countedTotalLocked(filter domain.EvaluationFilter, snapshot int64) (int64, bool) {
	if snapshot != s.seq {
		return 0, false
	}
	rest := filter
	rest.RiskCategory = ""
	if !rest.IsZero() {
		return 0, false
	}
	if filter.RiskCategory == "" {
		return s.stats.Total, true
	}
	return s.stats.Count(filter.RiskCategory), true
}

// UserSummary returns every record of the user, newest first
func (s *Store) UserSummary(ctx context.Context, userID string) (*domain.UserSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.byUser[userID]
	out := make([]*domain.EvaluationRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return domain.NewUserSummary(userID, out), nil
}

// Stats returns the incrementally maintained counters
func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	if err := ctx.Err(); err != nil {
		return domain.Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

// DailyCounts buckets records by UTC calendar day
func (s *Store) DailyCounts(ctx context.Context, from, to time.Time) ([]domain.DailyStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, to = domain.DayOf(from), domain.DayOf(to)
	if from.After(to) {
		return nil, domain.InvalidArgument("from %s is after to %s", domain.FormatDate(from), domain.FormatDate(to))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]*domain.DailyStats)
	for _, rec := range s.evals {
		day := domain.DayOf(rec.Timestamp)
		if day.Before(from) || day.After(to) {
			continue
		}
		key := domain.FormatDate(day)
		c, ok := counts[key]
		if !ok {
			c = &domain.DailyStats{Date: key}
			counts[key] = c
		}
		switch rec.RiskCategory {
		case domain.CategoryApproved:
			c.Approved++
		case domain.CategoryMonitor:
			c.Monitor++
		case domain.CategoryFlagged:
			c.Flagged++
		}
		c.Total++
	}
	return storage.ZeroFillDays(from, to, counts), nil
}

// CountUserSince counts the user's records with timestamp in [since, until]
func (s *Store) CountUserSince(ctx context.Context, userID string, since, until time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rec := range s.byUser[userID] {
		// newest first, so stop once we fall behind the window
		if rec.Timestamp.Before(since) {
			break
		}
		if !rec.Timestamp.After(until) {
			n++
		}
	}
	return n, nil
}

// Reset clears both tables under the write lock. Sequences keep counting so
// snapshots taken before the reset never match rows written after it.
func (s *Store) Reset(ctx context.Context) (domain.ResetResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ResetResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res := domain.ResetResult{
		Transactions: int64(len(s.evals)),
		Alerts:       int64(len(s.alerts)),
	}
	s.evals = nil
	s.byID = make(map[string]*domain.EvaluationRecord)
	s.byUser = make(map[string][]*domain.EvaluationRecord)
	s.stats = domain.Stats{}
	s.alerts = nil
	s.alertByID = make(map[int64]*domain.Alert)
	s.alertByTx = make(map[string]*domain.Alert)
	return res, nil
}

// Ping always succeeds
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}
