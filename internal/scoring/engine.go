// Package scoring is the reference evaluator: a rule engine, a statistical
// deviation scorer and an optional anomaly model, combined by a weighted
// aggregator.
package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/pkg/logger"
	"github.com/banking/fraud-service/internal/pkg/metrics"
	"github.com/banking/fraud-service/internal/storage"
)

var tracer = otel.Tracer("github.com/banking/fraud-service/internal/scoring")

// VelocityCounter counts a user's stored evaluations in a time range
type VelocityCounter interface {
	CountUserSince(ctx context.Context, userID string, since, until time.Time) (int, error)
}

// ModelScorer returns an anomaly score in 0-1
type ModelScorer interface {
	Score(ctx context.Context, f Features) (float64, error)
}

// Engine evaluates transactions against the user's history
type Engine struct {
	baselines  storage.BaselineStore
	velocity   VelocityCounter
	model      ModelScorer
	rules      *RuleEngine
	aggregator *Aggregator

	cfg     config.ScoringConfig
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Metrics
	evaluationCount int64
	avgLatencyMs    float64
	latencyMu       sync.RWMutex
}

// NewEngine creates a scoring engine. model may be nil, in which case
// evaluations carry no ML score. m may be nil.
func NewEngine(
	baselines storage.BaselineStore,
	velocity VelocityCounter,
	model ModelScorer,
	cfg config.ScoringConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		baselines:  baselines,
		velocity:   velocity,
		model:      model,
		rules:      NewRuleEngine(cfg.Rules),
		aggregator: NewAggregator(cfg.Weights, cfg.Thresholds),
		cfg:        cfg,
		log:        log.Named("scoring_engine"),
		metrics:    m,
		now:        time.Now,
	}
}

// evaluationContext holds intermediate results while the inputs are fetched
type evaluationContext struct {
	tx        *domain.Transaction
	startTime time.Time

	baseline      *domain.UserBaseline
	velocityCount int
	recentCount   int

	mu sync.Mutex
}

// Evaluate scores a transaction. Input fetches that fail or overrun the
// latency budget degrade to an empty history rather than failing the call.
// A failed fetch does not cancel its siblings. Only cancellation of ctx is
// returned as an error.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction) (domain.Evaluation, error) {
	ctx, span := tracer.Start(ctx, "scoring.Evaluate", trace.WithAttributes(
		attribute.String("transaction.id", tx.TransactionID),
		attribute.String("user.id", tx.UserID),
	))
	defer span.End()

	ectx := &evaluationContext{
		tx:        tx,
		startTime: time.Now(),
		baseline:  domain.NewUserBaseline(tx.UserID),
	}

	fetchCtx, cancel := e.budget(ctx)
	defer cancel()

	var g errgroup.Group

	g.Go(func() error {
		return e.loadBaseline(fetchCtx, ectx)
	})

	g.Go(func() error {
		return e.countVelocity(fetchCtx, ectx)
	})

	if e.model != nil {
		g.Go(func() error {
			return e.countRecent(fetchCtx, ectx)
		})
	}

	fetchErr := g.Wait()
	if err := ctx.Err(); err != nil {
		return domain.Evaluation{}, err
	}
	if fetchErr != nil {
		e.log.Warn("scoring with degraded inputs", logger.ErrorField(fetchErr))
		span.RecordError(fetchErr)
	}

	eval := e.score(ctx, ectx)

	elapsed := time.Since(ectx.startTime)
	durationMs := elapsed.Milliseconds()
	e.recordLatency(durationMs)
	e.metrics.ObserveEvaluation(elapsed)
	if budget := e.cfg.MaxLatency.Milliseconds(); budget > 0 && durationMs > budget {
		e.log.LatencyWarning("evaluation", durationMs, budget)
	}

	span.SetAttributes(attribute.Float64("risk.score", eval.RiskScore))
	return eval, nil
}

func (e *Engine) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.MaxLatency <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.MaxLatency)
}

// loadBaseline fetches the user's behavioural profile. On failure the
// empty baseline stays in place.
func (e *Engine) loadBaseline(ctx context.Context, ectx *evaluationContext) error {
	bl, err := e.baselines.Get(ctx, ectx.tx.UserID)
	if err != nil {
		e.metrics.InputFailed("baseline")
		return fmt.Errorf("get baseline: %w", err)
	}

	ectx.mu.Lock()
	ectx.baseline = bl
	ectx.mu.Unlock()
	return nil
}

// countVelocity counts the user's evaluations inside the velocity window
func (e *Engine) countVelocity(ctx context.Context, ectx *evaluationContext) error {
	ts := ectx.tx.Timestamp
	n, err := e.velocity.CountUserSince(ctx, ectx.tx.UserID, ts.Add(-e.rules.VelocityWindow()), ts)
	if err != nil {
		e.metrics.InputFailed("velocity")
		return fmt.Errorf("count velocity: %w", err)
	}

	ectx.mu.Lock()
	ectx.velocityCount = n
	ectx.mu.Unlock()
	return nil
}

// countRecent counts the evaluations fed to the model as velocity10m
func (e *Engine) countRecent(ctx context.Context, ectx *evaluationContext) error {
	lookback := e.cfg.ML.VelocityLookback
	if lookback <= 0 {
		lookback = 10 * time.Minute
	}
	ts := ectx.tx.Timestamp
	n, err := e.velocity.CountUserSince(ctx, ectx.tx.UserID, ts.Add(-lookback), ts)
	if err != nil {
		e.metrics.InputFailed("recent_velocity")
		return fmt.Errorf("count recent velocity: %w", err)
	}

	ectx.mu.Lock()
	ectx.recentCount = n
	ectx.mu.Unlock()
	return nil
}

// score runs the scorers over the fetched inputs
func (e *Engine) score(ctx context.Context, ectx *evaluationContext) domain.Evaluation {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()

	tx, bl := ectx.tx, ectx.baseline

	ruleScore, triggered := e.rules.Evaluate(RuleInput{
		Transaction:   tx,
		Baseline:      bl,
		VelocityCount: ectx.velocityCount,
	})
	statScore, z := StatisticalScore(tx, bl)

	var mlScore *float64
	if e.model != nil {
		s, err := e.model.Score(ctx, NewFeatures(tx, bl, ectx.recentCount))
		if err != nil {
			e.log.MLFallback(tx.TransactionID, err)
			e.metrics.MLFallback()
			s = FallbackScore(tx, bl)
		}
		mlScore = &s
	}

	return e.aggregator.Aggregate(Components{
		RuleScore:        ruleScore,
		StatisticalScore: statScore,
		MLScore:          mlScore,
		ZScore:           z,
		VelocityCount:    ectx.velocityCount,
		TriggeredRules:   triggered,
	})
}

// Observe folds a persisted transaction into the user's baseline
func (e *Engine) Observe(ctx context.Context, tx *domain.Transaction) error {
	return e.baselines.Update(ctx, tx.UserID, func(bl *domain.UserBaseline) error {
		bl.Observe(tx, e.now())
		return nil
	})
}

// recordLatency records evaluation latency for metrics
func (e *Engine) recordLatency(durationMs int64) {
	e.latencyMu.Lock()
	defer e.latencyMu.Unlock()

	e.evaluationCount++
	// Exponential moving average
	e.avgLatencyMs = e.avgLatencyMs*0.9 + float64(durationMs)*0.1
}

// GetAverageLatency returns the average evaluation latency
func (e *Engine) GetAverageLatency() float64 {
	e.latencyMu.RLock()
	defer e.latencyMu.RUnlock()
	return e.avgLatencyMs
}

// GetEvaluationCount returns total evaluations performed
func (e *Engine) GetEvaluationCount() int64 {
	e.latencyMu.RLock()
	defer e.latencyMu.RUnlock()
	return e.evaluationCount
}
