package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/events"
	"github.com/banking/fraud-service/internal/pkg/logger"
	"github.com/banking/fraud-service/internal/pkg/metrics"
	"github.com/banking/fraud-service/internal/storage"
)

// AdminService performs bulk resets and synthetic seeding
type AdminService struct {
	store        storage.Store
	baselines    storage.BaselineStore
	transactions *TransactionService
	events       events.Publisher
	barrier      *Barrier
	cfg          config.SeedConfig

	log       *logger.Logger
	metrics   *metrics.Metrics
	generator func(now time.Time) *Generator
}

// NewAdminService creates an admin service
func NewAdminService(
	store storage.Store,
	baselines storage.BaselineStore,
	transactions *TransactionService,
	publisher events.Publisher,
	barrier *Barrier,
	cfg config.SeedConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *AdminService {
	return &AdminService{
		store:        store,
		baselines:    baselines,
		transactions: transactions,
		events:       publisher,
		barrier:      barrier,
		cfg:          cfg,
		log:          log.Named("admin"),
		metrics:      m,
		generator: func(now time.Time) *Generator {
			return NewGenerator(now, cfg.SpreadDays)
		},
	}
}

// Reset deletes every evaluation, alert and baseline while holding the
// write side of the barrier, so no submit or status update interleaves.
func (s *AdminService) Reset(ctx context.Context) (domain.ResetResult, error) {
	ctx, span := tracer.Start(ctx, "admin.Reset")
	defer span.End()

	s.barrier.mu.Lock()
	defer s.barrier.mu.Unlock()

	res, err := s.store.Reset(ctx)
	if err != nil {
		return domain.ResetResult{}, err
	}

	res.UserBaselines, err = s.baselines.Reset(ctx)
	if err != nil {
		s.log.WithContext(ctx).Error("store reset but baselines were not cleared",
			logger.ErrorField(err))
		return res, fmt.Errorf("reset baselines: %w", err)
	}

	s.log.WithContext(ctx).StoreReset(res.Transactions, res.Alerts, res.UserBaselines)
	s.events.Publish(events.New(events.StoreReset, "", res))
	return res, nil
}

// Seed generates count synthetic transactions and submits each through the
// normal evaluation path. Persisted records are never rolled back: when
// the batch is cancelled or some submits fail, the result is marked partial
// and counts only what was stored.
func (s *AdminService) Seed(ctx context.Context, count int) (domain.SeedResult, error) {
	if count < 1 || count > s.cfg.MaxCount {
		return domain.SeedResult{}, domain.InvalidArgument("count must be between 1 and %d, got %d", s.cfg.MaxCount, count)
	}

	ctx, span := tracer.Start(ctx, "admin.Seed", trace.WithAttributes(attribute.Int("seed.count", count)))
	defer span.End()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	gen := s.generator(start)
	log := s.log.WithContext(ctx)

	var (
		stats  domain.Stats
		counts [3]atomic.Int64
		failed atomic.Int64
	)

	g := new(errgroup.Group)
	g.SetLimit(max(1, s.cfg.Parallelism))

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		tx := gen.Next(i)
		g.Go(func() error {
			rec, err := s.transactions.Submit(ctx, tx)
			if err != nil {
				failed.Add(1)
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					log.Debug("seed transaction failed", logger.ErrorField(err))
				}
				return nil
			}
			counts[categoryIndex(rec.RiskCategory)].Add(1)
			return nil
		})
	}
	g.Wait()

	for i, c := range domain.RiskCategories {
		stats.Add(c, counts[i].Load())
	}
	durationMs := time.Since(start).Milliseconds()

	res := domain.SeedResult{
		Requested:  count,
		Total:      stats.Total,
		Approved:   stats.Approved,
		Monitor:    stats.Monitor,
		Flagged:    stats.Flagged,
		Errors:     failed.Load(),
		Partial:    stats.Total < int64(count),
		DurationMs: durationMs,
	}
	res.Message = fmt.Sprintf("Generated %d transactions in %d ms", res.Total, durationMs)
	if res.Partial {
		res.Message = fmt.Sprintf("Generated %d of %d transactions in %d ms (%d failed)",
			res.Total, count, durationMs, res.Errors)
	}

	log.SeedCompleted(count, res.Total, res.Errors, res.Partial, durationMs)
	s.metrics.SeedCompleted(res.Total, res.Errors)
	s.events.Publish(events.New(events.SeedCompleted, "", res))
	span.SetAttributes(attribute.Int64("seed.persisted", res.Total), attribute.Bool("seed.partial", res.Partial))
	return res, nil
}

// DefaultSeedCount is used when the caller gives no count
func (s *AdminService) DefaultSeedCount() int {
	return s.cfg.DefaultCount
}

func categoryIndex(c domain.RiskCategory) int {
	for i, rc := range domain.RiskCategories {
		if rc == c {
			return i
		}
	}
	return 0
}
