package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spendlens/spendlens/internal/classifier"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/transactions"
	"github.com/spendlens/spendlens/jobs"
)

// DefaultRetrainThreshold is the number of pending corrections that must be
// exceeded before the classifier is refit.
const DefaultRetrainThreshold = 10

// ErrInvalidCategory rejects an empty correction.
var ErrInvalidCategory = errors.New("analysis: invalid category")

// LedgerConfig groups CorrectionLedger dependencies.
type LedgerConfig struct {
	Store      transactions.Store
	Classifier classifier.Classifier
	Scorer     Scorer
	Queue      jobs.Enqueuer
	Threshold  int
	Metrics    *jobmetrics.Metrics
	Logger     *slog.Logger
}

// CorrectionLedger records user category corrections and periodically folds
// them back into the classifier.
type CorrectionLedger struct {
	store      transactions.Store
	classifier classifier.Classifier
	scorer     Scorer
	queue      jobs.Enqueuer
	threshold  int
	metrics    *jobmetrics.Metrics
	log        *slog.Logger
	clock      func() time.Time
}

// RetrainReport summarises one RetrainCheck run.
type RetrainReport struct {
	Pending   int  `json:"pending"`
	Retrained bool `json:"retrained"`
	Purged    int  `json:"purged"`
	Rescored  int  `json:"rescored"`
}

// Backlog describes corrections awaiting retraining for one owner.
type Backlog struct {
	Pending           int        `json:"pending"`
	OldestCorrectedAt *time.Time `json:"oldest_corrected_at"`
}

// NewCorrectionLedger constructs a ledger.
func NewCorrectionLedger(cfg LedgerConfig) *CorrectionLedger {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultRetrainThreshold
	}
	return &CorrectionLedger{
		store:      cfg.Store,
		classifier: cfg.Classifier,
		scorer:     cfg.Scorer,
		queue:      cfg.Queue,
		threshold:  threshold,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
}

// WithClock overrides the correction timestamp source.
func (l *CorrectionLedger) WithClock(clock func() time.Time) *CorrectionLedger {
	l.clock = clock
	return l
}

func (l *CorrectionLedger) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now().UTC()
}

func (l *CorrectionLedger) logger() *slog.Logger {
	if l.log != nil {
		return l.log
	}
	return slog.Default()
}

// RecordCorrection applies a user-chosen category to a transaction, rescores
// it and queues the correction for the next retrain.
func (l *CorrectionLedger) RecordCorrection(ctx context.Context, id uuid.UUID, category string) (transactions.Transaction, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return transactions.Transaction{}, ErrInvalidCategory
	}
	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return transactions.Transaction{}, err
	}
	expediency, err := l.scorer.Score(ctx, tx.UserID, tx.ID, category, tx.Withdraw)
	if err != nil {
		return transactions.Transaction{}, err
	}
	tx.Category = &category
	tx.Expediency = expediency
	tx.UpdatedAt = l.now()
	if err := l.store.Save(ctx, tx); err != nil {
		return transactions.Transaction{}, err
	}
	if err := l.store.AppendCorrection(ctx, transactions.SnapshotCorrection(tx, category, l.now())); err != nil {
		return transactions.Transaction{}, err
	}
	l.metrics.IncCorrections()

	job, err := jobs.NewRetrainCheckJob("correction")
	if err != nil {
		return tx, err
	}
	if _, err := l.queue.Enqueue(ctx, job); err != nil {
		// The cron check picks the correction up later.
		l.logger().Warn("enqueue retrain check",
			slog.String("transaction_id", id.String()), slog.Any("error", err))
	}
	return tx, nil
}

// RetrainCheck refits the classifier once more than threshold corrections are
// pending, purging exactly the corrections it trained on, and rescores every
// correction it read.
func (l *CorrectionLedger) RetrainCheck(ctx context.Context) (RetrainReport, error) {
	records, err := l.store.ListCorrections(ctx)
	if err != nil {
		l.metrics.ObserveRetrain(jobmetrics.RetrainFailed)
		return RetrainReport{}, err
	}
	report := RetrainReport{Pending: len(records)}
	var errs []error

	if len(records) > l.threshold {
		rows := make([]classifier.TrainingRow, 0, len(records))
		ids := make([]uuid.UUID, 0, len(records))
		for _, rec := range records {
			rows = append(rows, classifier.RowOf(rec))
			ids = append(ids, rec.ID)
		}
		if err := l.classifier.Fit(ctx, rows); err != nil {
			l.metrics.ObserveRetrain(jobmetrics.RetrainFailed)
			l.logger().Error("retrain classifier", slog.Int("corrections", len(rows)), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("analysis: retrain: %w", err))
		} else if err := l.store.PurgeCorrections(ctx, ids); err != nil {
			l.metrics.ObserveRetrain(jobmetrics.RetrainFailed)
			errs = append(errs, fmt.Errorf("analysis: purge corrections: %w", err))
		} else {
			report.Retrained = true
			report.Purged = len(ids)
			l.metrics.ObserveRetrain(jobmetrics.RetrainFitted)
			l.logger().Info("classifier retrained", slog.Int("corrections", len(ids)))
		}
	} else {
		l.metrics.ObserveRetrain(jobmetrics.RetrainSkipped)
	}

	for _, rec := range records {
		expediency, err := l.scorer.Score(ctx, rec.UserID, rec.TransactionID, rec.Category, rec.Withdraw)
		if err != nil {
			errs = append(errs, fmt.Errorf("analysis: rescore %s: %w", rec.TransactionID, err))
			continue
		}
		err = l.store.UpdateAnalysis(ctx, rec.TransactionID, rec.Category, expediency, transactions.StatusCompleted)
		if errors.Is(err, transactions.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("analysis: rescore %s: %w", rec.TransactionID, err))
			continue
		}
		report.Rescored++
	}
	return report, errors.Join(errs...)
}

// Backlog reports the owner's pending corrections.
func (l *CorrectionLedger) Backlog(ctx context.Context, owner uuid.UUID) (Backlog, error) {
	records, err := l.store.ListCorrections(ctx)
	if err != nil {
		return Backlog{}, err
	}
	var out Backlog
	for _, rec := range records {
		if rec.UserID == owner {
			out.Pending++
		}
	}
	oldest, ok, err := l.store.OldestCorrectionTimestamp(ctx, owner)
	if err != nil {
		return Backlog{}, err
	}
	if ok {
		out.OldestCorrectedAt = &oldest
	}
	return out, nil
}
