// Package api exposes the fraud triage services over HTTP with echo.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/pkg/logger"
	"github.com/banking/fraud-service/internal/pkg/metrics"
	"github.com/banking/fraud-service/internal/service"
)

// EngineStats reports evaluator throughput for the health endpoint
type EngineStats interface {
	GetAverageLatency() float64
	GetEvaluationCount() int64
}

// Pinger checks a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the use cases routed by the server
type Services struct {
	Transactions *service.TransactionService
	Alerts       *service.AlertService
	Admin        *service.AdminService

	Engine  EngineStats      // optional
	Store   Pinger           // optional
	Metrics *metrics.Metrics // optional, serves /metrics when set
}

// NewServer builds the echo instance with middleware and every route
func NewServer(cfg *config.Config, svc Services, log *logger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log.Named("http"))

	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	e.Server.IdleTimeout = cfg.Server.IdleTimeout

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(context.WithValue(req.Context(), logger.RequestIDKey, id)))
		},
	}))
	e.Use(requestLogger(log.Named("http"), svc.Metrics))
	e.Use(middleware.Secure())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Security.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
	}))
	if cfg.Server.MaxRequestSize != "" {
		e.Use(middleware.BodyLimit(cfg.Server.MaxRequestSize))
	}
	if cfg.Security.RateLimitPerMinute > 0 {
		e.Use(rateLimiter(cfg.Security.RateLimitPerMinute))
	}

	h := &handler{svc: svc}
	admin := RequireRole(cfg.Security.JWTSecret, cfg.Security.AdminRole)

	e.GET("/health", h.health)
	if svc.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(svc.Metrics.Handler()))
	}

	api := e.Group("/api")

	tx := api.Group("/transactions")
	tx.POST("", h.submitTransaction)
	tx.GET("", h.listTransactions)
	tx.GET("/search", h.searchTransactions)
	tx.GET("/stats", h.stats)
	tx.GET("/timeseries", h.timeseries)
	tx.GET("/user/:userId", h.userSummary)
	tx.POST("/seed", h.seed, admin)
	tx.GET("/:transactionId", h.getTransaction)

	alerts := api.Group("/alerts")
	alerts.GET("", h.listAlerts)
	alerts.GET("/open", h.openAlerts)
	alerts.GET("/:id", h.getAlert)
	alerts.PUT("/:id/status", h.updateAlertStatus)

	api.POST("/admin/reset", h.reset, admin)

	return e
}

type handler struct {
	svc Services
}

func (h *handler) health(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if h.svc.Engine != nil {
		body["evaluations"] = h.svc.Engine.GetEvaluationCount()
		body["avgLatencyMs"] = h.svc.Engine.GetAverageLatency()
	}
	if h.svc.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := h.svc.Store.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
	}
	return c.JSON(http.StatusOK, body)
}

// requestLogger logs every request and records it in m, which may be nil
func requestLogger(log *logger.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			m.ObserveRequest(v.Method, c.Path(), v.Status, v.Latency)
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.String("request_id", v.RequestID),
				zap.String("remote_ip", v.RemoteIP),
				logger.DurationField("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(fields, logger.ErrorField(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	})
}

// rateLimiter allows perMinute requests per client IP with a burst of a
// tenth of that
func rateLimiter(perMinute int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(perMinute) / 60),
		Burst:     max(1, perMinute/10),
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiter(store)
}
