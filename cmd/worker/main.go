package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spendlens/spendlens/internal/analysis"
	"github.com/spendlens/spendlens/internal/app"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/platform/cache"
	"github.com/spendlens/spendlens/internal/platform/db"
	"github.com/spendlens/spendlens/internal/transactions"
	"github.com/spendlens/spendlens/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{ApplicationName: "spendlens-worker"})
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

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := jobs.NewClient(redisOpts, jobs.Policy{MaxRetry: cfg.AnalysisMaxRetry, Timeout: cfg.AnalysisTimeout})
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	pipeline, err := app.NewPipeline(ctx, app.PipelineDeps{
		Config:  cfg,
		Store:   transactions.NewRepository(pool),
		Redis:   redisClient,
		Queue:   queue,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("init pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	transactionJob := analysis.NewTransactionJob(pipeline.Dispatcher, logger, metrics)
	retrainJob := analysis.NewRetrainJob(pipeline.Ledger, logger, metrics)
	sweepJob := analysis.NewSweepJob(pipeline.Sweeper, logger, metrics)

	retrainTask, err := jobs.NewRetrainCheckJob("")
	if err != nil {
		logger.Error("build retrain task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewSweepStaleJob(cfg.SweepBatch)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAnalyzeTransaction, Handler: transactionJob.Handle},
			{Type: jobs.TaskRetrainCheck, Handler: retrainJob.Handle},
			{Type: jobs.TaskSweepStale, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.RetrainCron, Job: retrainTask},
			{Spec: cfg.SweepCron, Job: sweepTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
