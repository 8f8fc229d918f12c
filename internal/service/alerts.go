package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/events"
	"github.com/banking/fraud-service/internal/pkg/logger"
	"github.com/banking/fraud-service/internal/pkg/metrics"
	"github.com/banking/fraud-service/internal/storage"
)

const (
	DefaultOpenAlertsLimit = 100
	MaxOpenAlertsLimit     = domain.MaxPageSize
)

// AlertService serves analyst triage of alerts
type AlertService struct {
	store   storage.AlertStore
	events  events.Publisher
	barrier *Barrier
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewAlertService creates an alert service
func NewAlertService(store storage.AlertStore, publisher events.Publisher, barrier *Barrier, log *logger.Logger, m *metrics.Metrics) *AlertService {
	return &AlertService{
		store:   store,
		events:  publisher,
		barrier: barrier,
		log:     log.Named("alerts"),
		metrics: m,
	}
}

// UpdateStatus moves an alert to any status, replacing notes when given.
// Unknown ids fail with ErrNotFound and nothing changes.
func (s *AlertService) UpdateStatus(ctx context.Context, id int64, upd domain.StatusUpdate) (*domain.Alert, error) {
	ctx, span := tracer.Start(ctx, "alerts.UpdateStatus", trace.WithAttributes(
		attribute.Int64("alert.id", id),
		attribute.String("alert.status", string(upd.Status)),
	))
	defer span.End()

	if _, err := domain.ParseAlertStatus(string(upd.Status)); err != nil {
		return nil, err
	}

	s.barrier.mu.RLock()
	defer s.barrier.mu.RUnlock()

	updated, previous, err := s.store.UpdateAlertStatus(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("alert.previous_status", string(previous)),
		attribute.Bool("alert.closed", updated.Status.IsClosed()),
	)

	s.log.WithContext(ctx).AlertStatusChanged(id, string(previous), string(updated.Status))
	s.metrics.AlertTransition(string(previous), string(updated.Status))
	s.events.Publish(events.New(events.AlertStatusChanged, updated.TransactionID, events.StatusChange{
		Alert:          updated,
		PreviousStatus: previous,
	}))
	return updated, nil
}

// Get returns one alert
func (s *AlertService) Get(ctx context.Context, id int64) (*domain.Alert, error) {
	return s.store.GetAlert(ctx, id)
}

// List pages through alerts, optionally filtered by status. Sizes above
// MaxPageSize are capped.
func (s *AlertService) List(ctx context.Context, filter domain.AlertFilter, req domain.PageRequest) (*domain.Page[*domain.Alert], error) {
	req = req.Clamp()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.store.QueryAlerts(ctx, filter, req)
}

// ListOpen returns up to limit alerts with the given status, unpaginated.
// Zero limit means the default.
func (s *AlertService) ListOpen(ctx context.Context, status domain.AlertStatus, limit int) ([]*domain.Alert, error) {
	if limit == 0 {
		limit = DefaultOpenAlertsLimit
	}
	if limit < 0 || limit > MaxOpenAlertsLimit {
		return nil, domain.InvalidArgument("limit must be between 1 and %d, got %d", MaxOpenAlertsLimit, limit)
	}
	return s.store.ListAlerts(ctx, domain.AlertFilter{Status: status}, limit)
}
