package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hibiken/asynq"

	"github.com/spendlens/spendlens/internal/app"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/ledger"
	ledgerhttp "github.com/spendlens/spendlens/internal/ledger/http"
	"github.com/spendlens/spendlens/internal/observability"
	"github.com/spendlens/spendlens/internal/platform/cache"
	"github.com/spendlens/spendlens/internal/platform/db"
	"github.com/spendlens/spendlens/internal/platform/idempotency"
	"github.com/spendlens/spendlens/internal/statement"
	"github.com/spendlens/spendlens/internal/transactions"
	"github.com/spendlens/spendlens/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping api startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{ApplicationName: "spendlens-api"})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	pipelineMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := jobs.NewClient(redisOpts, jobs.Policy{MaxRetry: cfg.AnalysisMaxRetry, Timeout: cfg.AnalysisTimeout})
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	store := transactions.NewRepository(pool)
	pipeline, err := app.NewPipeline(ctx, app.PipelineDeps{
		Config:  cfg,
		Store:   store,
		Redis:   redisClient,
		Queue:   queue,
		Metrics: pipelineMetrics,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("init pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	var source statement.Source
	if cfg.StatementGCSEnabled {
		gcs, err := storage.NewClient(ctx)
		if err != nil {
			logger.Error("init statement storage", slog.Any("error", err))
			os.Exit(1)
		}
		defer gcs.Close()
		source = statement.NewGCSSource(gcs, cfg.StatementMaxBytes)
	}

	service := ledger.NewService(ledger.ServiceConfig{
		Store:      store,
		Dispatcher: pipeline.Dispatcher,
		Corrector:  pipeline.Ledger,
		Source:     source,
		Cache:      cache.NewResponseCache(redisClient, cfg.CacheTTL, logger),
		Metrics:    pipelineMetrics,
		Logger:     logger,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		LedgerHandler: ledgerhttp.NewHandler(logger, service, cfg.StatementMaxBytes).
			WithIdempotency(idempotency.NewStore(redisClient, cfg.IdempotencyTTL)),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
