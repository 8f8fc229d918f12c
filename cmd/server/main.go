package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/banking/fraud-service/internal/api"
	"github.com/banking/fraud-service/internal/config"
	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/events"
	"github.com/banking/fraud-service/internal/pkg/logger"
	"github.com/banking/fraud-service/internal/pkg/metrics"
	"github.com/banking/fraud-service/internal/pkg/telemetry"
	"github.com/banking/fraud-service/internal/scoring"
	"github.com/banking/fraud-service/internal/service"
	"github.com/banking/fraud-service/internal/storage"
	"github.com/banking/fraud-service/internal/storage/memory"
	"github.com/banking/fraud-service/internal/storage/postgres"
	redisstore "github.com/banking/fraud-service/internal/storage/redis"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to load configuration", zap.Error(err))
	}

	// 2. Initialize Logger
	log, err := logger.New(cfg.Telemetry.ServiceName, cfg.Telemetry.Environment, cfg.Telemetry.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("service stopped with error", logger.ErrorField(err))
	}
	log.Info("server exited properly")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// 3. Tracing
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("failed to flush traces", logger.ErrorField(err))
		}
	}()

	m := metrics.New(cfg.Telemetry.ServiceName)

	// 4. Stores
	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	baselines, err := openBaselines(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer baselines.Close()

	// 5. Event stream
	bus := events.NewBus(log)
	if err := m.RegisterDropped(bus.Dropped); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	var forwarders sync.WaitGroup
	if cfg.Kafka.Enabled {
		producer, err := events.NewSyncProducer(cfg.Kafka)
		if err != nil {
			return domain.Unavailable("connect kafka", err)
		}
		publisher := events.NewKafkaPublisher(producer, cfg.Kafka, log)
		defer publisher.Close()

		ch, _ := bus.Subscribe(cfg.Kafka.BufferSize)
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			// keeps draining after the signal; the bus closes the channel on shutdown
			publisher.Run(context.WithoutCancel(ctx), ch)
		}()
		log.Info("publishing events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	// 6. Evaluator
	var model scoring.ModelScorer
	if cfg.Scoring.ML.URL != "" {
		model = scoring.NewMLClient(cfg.Scoring.ML, log)
	}
	engine := scoring.NewEngine(baselines, store, model, cfg.Scoring, log, m)

	// 7. Services
	barrier := &service.Barrier{}
	transactions := service.NewTransactionService(store, engine, bus, cfg.Scoring.Thresholds, barrier, log, m)
	alerts := service.NewAlertService(store, bus, barrier, log, m)
	admin := service.NewAdminService(store, baselines, transactions, bus, barrier, cfg.Seed, log, m)

	// 8. HTTP server
	e := api.NewServer(cfg, api.Services{
		Transactions: transactions,
		Alerts:       alerts,
		Admin:        admin,
		Engine:       engine,
		Store:        store,
		Metrics:      m,
	}, log)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	serveErr := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	log.Info("server started",
		zap.String("addr", addr),
		zap.String("store", cfg.Database.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("ml", model != nil),
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// 9. Graceful shutdown
	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown incomplete", logger.ErrorField(err))
	}
	bus.Close()
	forwarders.Wait()
	if n := bus.Dropped(); n > 0 {
		log.Warn("events dropped by slow subscribers", zap.Int64("dropped", n))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (storage.Store, error) {
	if cfg.Driver != config.DriverPostgres {
		log.Info("using in-memory store")
		return memory.New(), nil
	}

	store, err := postgres.Connect(ctx, postgres.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.ConnMaxLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx, log.Logger); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return store, nil
}

func openBaselines(ctx context.Context, cfg config.RedisConfig) (storage.BaselineStore, error) {
	if !cfg.Enabled {
		return memory.NewBaselineStore(), nil
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        []string{cfg.Addr()},
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, domain.Unavailable("ping redis", err)
	}

	opts := []redisstore.Option{redisstore.WithTTL(cfg.BaselineTTL)}
	if cfg.KeyPrefix != "" {
		opts = append(opts, redisstore.WithPrefix(cfg.KeyPrefix))
	}
	return redisstore.NewBaselineStore(client, opts...), nil
}
