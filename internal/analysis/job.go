package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/spendlens/spendlens/internal/classifier"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/jobs"
)

// TransactionJob runs Dispatcher.Process for analysis:transaction tasks.
type TransactionJob struct {
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewTransactionJob constructs the categorization handler.
func NewTransactionJob(dispatcher *Dispatcher, logger *slog.Logger, metrics *jobmetrics.Metrics) *TransactionJob {
	return &TransactionJob{Dispatcher: dispatcher, Logger: logger, Metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *TransactionJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Dispatcher == nil {
		return errors.New("analysis: transaction handler not configured")
	}
	payload, err := jobs.DecodeAnalyzeTransaction(t.Payload())
	if err != nil {
		j.logger().Warn("discarding analysis task", slog.Any("error", err))
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(jobs.TaskAnalyzeTransaction)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Dispatcher.Process(ctx, payload.TransactionID); err != nil {
		j.logger().Error("analyze transaction",
			slog.String("transaction_id", payload.TransactionID.String()), slog.Any("error", err))
		if errors.Is(err, classifier.ErrNotTrained) {
			return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
		}
		return err
	}
	return nil
}

func (j *TransactionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", jobs.TaskAnalyzeTransaction))
	}
	return slog.Default().With(slog.String("job", jobs.TaskAnalyzeTransaction))
}

// RetrainJob runs CorrectionLedger.RetrainCheck.
type RetrainJob struct {
	Ledger  *CorrectionLedger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRetrainJob constructs the retrain handler.
func NewRetrainJob(ledger *CorrectionLedger, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetrainJob {
	return &RetrainJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *RetrainJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("analysis: retrain handler not configured")
	}
	var payload jobs.RetrainCheckPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(jobs.TaskRetrainCheck)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("trigger", payload.Trigger))
	report, err := j.Ledger.RetrainCheck(ctx)
	if err != nil {
		logger.Error("retrain check", slog.Any("error", err))
		return err
	}
	logger.Info("retrain check completed",
		slog.Int("pending", report.Pending),
		slog.Bool("retrained", report.Retrained),
		slog.Int("purged", report.Purged),
		slog.Int("rescored", report.Rescored))
	return nil
}

func (j *RetrainJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", jobs.TaskRetrainCheck))
	}
	return slog.Default().With(slog.String("job", jobs.TaskRetrainCheck))
}

// SweepJob runs Sweeper.Sweep.
type SweepJob struct {
	Sweeper *Sweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSweepJob constructs the sweep handler.
func NewSweepJob(sweeper *Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *SweepJob {
	return &SweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("analysis: sweep handler not configured")
	}
	var payload jobs.SweepStalePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(jobs.TaskSweepStale)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	count, err := j.Sweeper.Sweep(ctx, payload.Limit)
	if err != nil {
		j.logger().Error("sweep stale transactions", slog.Any("error", err))
		return err
	}
	j.logger().Debug("sweep completed", slog.Int("resubmitted", count))
	return nil
}

func (j *SweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", jobs.TaskSweepStale))
	}
	return slog.Default().With(slog.String("job", jobs.TaskSweepStale))
}
