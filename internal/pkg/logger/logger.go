package logger

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with fraud-triage event helpers
type Logger struct {
	*zap.Logger
	serviceName string
}

// ContextKey for request context values
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	AnalystKey   ContextKey = "analyst"
)

// New creates a new logger instance
func New(serviceName, environment string, debug bool) (*Logger, error) {
	var config zap.Config

	if environment == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	config.InitialFields = map[string]interface{}{
		"service": serviceName,
		"env":     environment,
		"pid":     os.Getpid(),
	}

	zapLogger, err := config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger:      zapLogger,
		serviceName: serviceName,
	}, nil
}

// Wrap adapts an existing zap logger, e.g. one built by zaptest
func Wrap(l *zap.Logger, serviceName string) *Logger {
	return &Logger{Logger: l, serviceName: serviceName}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return Wrap(zap.NewNop(), "nop")
}

// Named returns a named sub-logger
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		Logger:      l.Logger.Named(name),
		serviceName: l.serviceName,
	}
}

// WithContext returns a logger carrying the request id, analyst and active
// trace of ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := []zap.Field{}

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if analyst, ok := ctx.Value(AnalystKey).(string); ok && analyst != "" {
		fields = append(fields, zap.String("analyst", analyst))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return l
	}

	return &Logger{
		Logger:      l.With(fields...),
		serviceName: l.serviceName,
	}
}

// WithTransaction returns a logger with transaction context
func (l *Logger) WithTransaction(txID, userID string) *Logger {
	return &Logger{
		Logger: l.With(
			zap.String("transaction_id", txID),
			zap.String("user_id", userID),
		),
		serviceName: l.serviceName,
	}
}

// EvaluationCompleted logs a persisted evaluation
func (l *Logger) EvaluationCompleted(txID, category string, riskScore float64, durationMs int64) {
	l.Info("evaluation completed",
		zap.String("transaction_id", txID),
		zap.String("risk_category", category),
		zap.Float64("risk_score", riskScore),
		zap.Int64("duration_ms", durationMs),
	)
}

// AlertCreated logs alert creation
func (l *Logger) AlertCreated(alertID int64, txID, userID string, riskScore float64) {
	l.Warn("alert created",
		zap.Int64("alert_id", alertID),
		zap.String("transaction_id", txID),
		zap.String("user_id", userID),
		zap.Float64("risk_score", riskScore),
	)
}

// AlertStatusChanged logs an analyst moving an alert
func (l *Logger) AlertStatusChanged(alertID int64, from, to string) {
	l.Info("alert status changed",
		zap.Int64("alert_id", alertID),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// StoreReset logs a completed reset with the deleted row counts
func (l *Logger) StoreReset(transactions, alerts, baselines int64) {
	l.Warn("store reset",
		zap.Int64("transactions_deleted", transactions),
		zap.Int64("alerts_deleted", alerts),
		zap.Int64("baselines_deleted", baselines),
	)
}

// SeedCompleted logs the outcome of a seed batch
func (l *Logger) SeedCompleted(requested int, persisted, failed int64, partial bool, durationMs int64) {
	fn := l.Info
	if partial {
		fn = l.Warn
	}
	fn("seed completed",
		zap.Int("requested", requested),
		zap.Int64("persisted", persisted),
		zap.Int64("errors", failed),
		zap.Bool("partial", partial),
		zap.Int64("duration_ms", durationMs),
	)
}

// MLFallback logs that the heuristic replaced the model score
func (l *Logger) MLFallback(txID string, err error) {
	l.Warn("ml scoring unavailable, using fallback",
		zap.String("transaction_id", txID),
		zap.Error(err),
	)
}

// LatencyWarning logs when a check exceeds expected latency
func (l *Logger) LatencyWarning(checkType string, durationMs, thresholdMs int64) {
	l.Warn("latency threshold exceeded",
		zap.String("check_type", checkType),
		zap.Int64("duration_ms", durationMs),
		zap.Int64("threshold_ms", thresholdMs),
	)
}

// ErrorField creates an error field
func ErrorField(err error) zap.Field {
	return zap.Error(err)
}

// DurationField creates a duration field
func DurationField(name string, d time.Duration) zap.Field {
	return zap.Duration(name, d)
}
