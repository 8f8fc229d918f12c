// Package service implements the fraud triage use cases on top of the
// stores, the evaluator and the event bus.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/events"
	"github.com/banking/fraud-service/internal/pkg/logger"
	"github.com/banking/fraud-service/internal/pkg/metrics"
	"github.com/banking/fraud-service/internal/storage"
)

var tracer = otel.Tracer("github.com/banking/fraud-service/internal/service")

const (
	DefaultTimeseriesDays = 7
	MaxTimeseriesDays     = 366
)

// Evaluator scores transactions and learns from the ones that were persisted
type Evaluator interface {
	Evaluate(ctx context.Context, tx *domain.Transaction) (domain.Evaluation, error)
	Observe(ctx context.Context, tx *domain.Transaction) error
}

// Barrier serialises resets against every other write. Writers hold the
// read side, reset holds the write side.
type Barrier struct {
	mu sync.RWMutex
}

// TransactionService evaluates and serves transactions
type TransactionService struct {
	store      storage.Store
	evaluator  Evaluator
	events     events.Publisher
	thresholds domain.Thresholds
	barrier    *Barrier

	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTransactionService creates a transaction service
func NewTransactionService(
	store storage.Store,
	evaluator Evaluator,
	publisher events.Publisher,
	thresholds domain.Thresholds,
	barrier *Barrier,
	log *logger.Logger,
	m *metrics.Metrics,
) *TransactionService {
	return &TransactionService{
		store:      store,
		evaluator:  evaluator,
		events:     publisher,
		thresholds: thresholds,
		barrier:    barrier,
		log:        log.Named("transactions"),
		metrics:    m,
		now:        time.Now,
	}
}

// Submit evaluates a new transaction, persists the result and, when it is
// FLAGGED, its alert. A replayed transaction id fails with ErrDuplicateKey
// and leaves the stores untouched.
func (s *TransactionService) Submit(ctx context.Context, tx *domain.Transaction) (rec *domain.EvaluationRecord, err error) {
	ctx, span := tracer.Start(ctx, "transactions.Submit", trace.WithAttributes(
		attribute.String("transaction.id", tx.TransactionID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	tx.Timestamp = tx.Timestamp.UTC()

	// cheap rejection before spending an evaluation; the put below is authoritative
	if _, err := s.store.GetEvaluation(ctx, tx.TransactionID); err == nil {
		return nil, domain.DuplicateKey("transaction %s already evaluated", tx.TransactionID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	eval, err := s.evaluator.Evaluate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", tx.TransactionID, err)
	}

	rec, alert, err := s.persist(ctx, domain.NewEvaluationRecord(*tx, eval, s.thresholds, s.now()))
	if err != nil {
		return nil, err
	}

	log := s.log.WithContext(ctx)
	log.EvaluationCompleted(rec.TransactionID, string(rec.RiskCategory), rec.RiskScore, time.Since(start).Milliseconds())
	s.metrics.EvaluationStored(string(rec.RiskCategory))
	s.events.Publish(events.New(events.EvaluationCreated, rec.TransactionID, rec))
	if alert != nil {
		log.AlertCreated(alert.ID, alert.TransactionID, alert.UserID, alert.RiskScore)
		s.metrics.AlertCreated()
		s.events.Publish(events.New(events.AlertCreated, alert.TransactionID, alert))
	}

	span.SetAttributes(
		attribute.String("risk.category", string(rec.RiskCategory)),
		attribute.Bool("alert.created", alert != nil),
	)
	return rec, nil
}

// persist writes the record and folds it into the user's baseline while
// holding the read side of the barrier
func (s *TransactionService) persist(ctx context.Context, rec *domain.EvaluationRecord) (*domain.EvaluationRecord, *domain.Alert, error) {
	s.barrier.mu.RLock()
	defer s.barrier.mu.RUnlock()

	stored, alert, err := s.store.PutEvaluation(ctx, rec)
	if err != nil {
		return nil, nil, err
	}

	// the record is durable now, so the baseline follows even if the caller left
	if err := s.evaluator.Observe(context.WithoutCancel(ctx), &stored.Transaction); err != nil {
		s.log.WithTransaction(stored.TransactionID, stored.UserID).Warn("failed to update baseline", logger.ErrorField(err))
	}
	return stored, alert, nil
}

// Get returns one evaluation record
func (s *TransactionService) Get(ctx context.Context, transactionID string) (*domain.EvaluationRecord, error) {
	return s.store.GetEvaluation(ctx, transactionID)
}

// List pages through records matching filter. Sizes above MaxPageSize are
// capped.
func (s *TransactionService) List(ctx context.Context, filter domain.EvaluationFilter, req domain.PageRequest) (*domain.Page[*domain.EvaluationRecord], error) {
	req = req.Clamp()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.store.QueryEvaluations(ctx, filter, req)
}

// Stats returns the global category counts
func (s *TransactionService) Stats(ctx context.Context) (domain.Stats, error) {
	return s.store.Stats(ctx)
}

// UserSummary returns a user's records and stats
func (s *TransactionService) UserSummary(ctx context.Context, userID string) (*domain.UserSummary, error) {
	if userID == "" {
		return nil, domain.InvalidArgument("userId is required")
	}
	return s.store.UserSummary(ctx, userID)
}

// Timeseries returns one entry per UTC day for the last days days, ending
// today, oldest first
func (s *TransactionService) Timeseries(ctx context.Context, days int) ([]domain.DailyStats, error) {
	if days < 1 || days > MaxTimeseriesDays {
		return nil, domain.InvalidArgument("days must be between 1 and %d, got %d", MaxTimeseriesDays, days)
	}
	to := domain.DayOf(s.now())
	from := to.AddDate(0, 0, -(days - 1))
	return s.store.DailyCounts(ctx, from, to)
}
