package memory

import (
	"context"
	"slices"

	"github.com/banking/fraud-service/internal/domain"
)

// createAlertLocked opens the alert for rec unless one already exists.
// Caller holds the write lock.
func (s *Store) createAlertLocked(rec *domain.EvaluationRecord) (*domain.Alert, bool) {
	if existing, ok := s.alertByTx[rec.TransactionID]; ok {
		return existing, false
	}
	alert := domain.NewAlert(rec, s.now())
	s.lastAlertID++
	alert.ID = s.lastAlertID

	s.alerts = append(s.alerts, alert)
	s.alertByID[alert.ID] = alert
	s.alertByTx[alert.TransactionID] = alert
	return alert, true
}

// CreateAlert opens the alert for a stored FLAGGED record
func (s *Store) CreateAlert(ctx context.Context, transactionID string) (*domain.Alert, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[transactionID]
	if !ok {
		return nil, false, domain.NotFound("transaction %s", transactionID)
	}
	if !rec.IsFlagged() {
		return nil, false, domain.InvalidArgument("transaction %s is %s, not FLAGGED", transactionID, rec.RiskCategory)
	}
	alert, created := s.createAlertLocked(rec)
	return alert.Clone(), created, nil
}

// UpdateAlertStatus applies the update in place under the write lock
func (s *Store) UpdateAlertStatus(ctx context.Context, id int64, upd domain.StatusUpdate) (*domain.Alert, domain.AlertStatus, error) {
	if _, err := domain.ParseAlertStatus(string(upd.Status)); err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	alert, ok := s.alertByID[id]
	if !ok {
		return nil, "", domain.NotFound("alert %d", id)
	}
	previous := alert.Status
	alert.ApplyStatus(upd.Status, upd.AnalystNotes, s.now())
	return alert.Clone(), previous, nil
}

// GetAlert returns one alert by id
func (s *Store) GetAlert(ctx context.Context, id int64) (*domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.alertByID[id]
	if !ok {
		return nil, domain.NotFound("alert %d", id)
	}
	return alert.Clone(), nil
}

// QueryAlerts pages alerts newest first. Ids are the snapshot key.
func (s *Store) QueryAlerts(ctx context.Context, filter domain.AlertFilter, req domain.PageRequest) (*domain.Page[*domain.Alert], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := req.Snapshot
	if snapshot == 0 {
		snapshot = s.lastAlertID
	}
	matched := s.matchAlertsLocked(filter, snapshot)
	start, end := req.Window(len(matched))

	content := make([]*domain.Alert, 0, end-start)
	for _, a := range matched[start:end] {
		content = append(content, a.Clone())
	}
	return domain.NewPage(content, req, int64(len(matched)), snapshot), nil
}

// ListAlerts returns up to limit matching alerts, newest first
func (s *Store) ListAlerts(ctx context.Context, filter domain.AlertFilter, limit int) ([]*domain.Alert, error) {
	if limit <= 0 {
		return nil, domain.InvalidArgument("limit must be positive, got %d", limit)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchAlertsLocked(filter, s.lastAlertID)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*domain.Alert, len(matched))
	for i, a := range matched {
		out[i] = a.Clone()
	}
	return out, nil
}

func (s *Store) matchAlertsLocked(filter domain.AlertFilter, snapshot int64) []*domain.Alert {
	var matched []*domain.Alert
	for _, a := range s.alerts {
		if a.ID <= snapshot && filter.Matches(a) {
			matched = append(matched, a)
		}
	}
	slices.SortStableFunc(matched, func(a, b *domain.Alert) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return matched
}
