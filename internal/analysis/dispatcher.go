// Package analysis runs the per-transaction categorization state machine and
// the correction-driven retraining loop.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/spendlens/spendlens/internal/classifier"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/transactions"
	"github.com/spendlens/spendlens/jobs"
)

// submitParallelism bounds concurrent enqueues in SubmitAll.
const submitParallelism = 8

// Scorer assigns an expediency coefficient. *expediency.Scorer satisfies it.
type Scorer interface {
	Score(ctx context.Context, owner, id uuid.UUID, category string, withdraw decimal.Decimal) (transactions.Expediency, error)
}

// DispatcherConfig groups Dispatcher dependencies.
type DispatcherConfig struct {
	Store      transactions.Store
	Classifier classifier.Classifier
	Scorer     Scorer
	Queue      jobs.Enqueuer
	Metrics    *jobmetrics.Metrics
	Logger     *slog.Logger
}

// Dispatcher moves transactions through pending -> processing -> completed|failed.
type Dispatcher struct {
	store      transactions.Store
	classifier classifier.Classifier
	scorer     Scorer
	queue      jobs.Enqueuer
	metrics    *jobmetrics.Metrics
	log        *slog.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		store:      cfg.Store,
		classifier: cfg.Classifier,
		scorer:     cfg.Scorer,
		queue:      cfg.Queue,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.log != nil {
		return d.log
	}
	return slog.Default()
}

// Submit enqueues categorization of tx. It returns once the job is accepted.
func (d *Dispatcher) Submit(ctx context.Context, tx transactions.Transaction) error {
	job, err := jobs.NewAnalyzeTransactionJob(tx.ID)
	if err != nil {
		return err
	}
	if _, err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("analysis: submit %s: %w", tx.ID, err)
	}
	d.metrics.AddDispatched(1)
	return nil
}

// SubmitAll enqueues every transaction, stopping at the first failure.
func (d *Dispatcher) SubmitAll(ctx context.Context, txs []transactions.Transaction) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(submitParallelism)
	for _, tx := range txs {
		g.Go(func() error {
			return d.Submit(gctx, tx)
		})
	}
	return g.Wait()
}

// Process categorizes and scores one transaction. A missing transaction is a
// no-op. Any failure after pickup leaves the transaction failed and is returned
// so the queue can apply its retry policy.
func (d *Dispatcher) Process(ctx context.Context, id uuid.UUID) error {
	tx, err := d.store.Get(ctx, id)
	if errors.Is(err, transactions.ErrNotFound) {
		d.logger().Info("transaction vanished before processing", slog.String("transaction_id", id.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if err := d.store.UpdateStatus(ctx, id, transactions.StatusProcessing); err != nil {
		return err
	}

	category, expediency, err := d.analyze(ctx, tx)
	if err != nil {
		if markErr := d.store.UpdateStatus(ctx, id, transactions.StatusFailed); markErr != nil {
			d.logger().Error("mark transaction failed",
				slog.String("transaction_id", id.String()), slog.Any("error", markErr))
		}
		return err
	}

	if err := d.store.UpdateAnalysis(ctx, id, category, expediency, transactions.StatusCompleted); err != nil {
		if markErr := d.store.UpdateStatus(ctx, id, transactions.StatusFailed); markErr != nil {
			d.logger().Error("mark transaction failed",
				slog.String("transaction_id", id.String()), slog.Any("error", markErr))
		}
		return err
	}
	d.logger().Debug("transaction analyzed",
		slog.String("transaction_id", id.String()),
		slog.String("category", category),
		slog.Int("expediency", int(expediency)))
	return nil
}

func (d *Dispatcher) analyze(ctx context.Context, tx transactions.Transaction) (string, transactions.Expediency, error) {
	category, err := d.classifier.Predict(ctx, classifier.FeaturesOf(tx))
	if err != nil {
		if errors.Is(err, classifier.ErrClassification) {
			return "", 0, err
		}
		return "", 0, fmt.Errorf("%w: %w", classifier.ErrClassification, err)
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return "", 0, fmt.Errorf("%w: empty label", classifier.ErrClassification)
	}
	expediency, err := d.scorer.Score(ctx, tx.UserID, tx.ID, category, tx.Withdraw)
	if err != nil {
		return "", 0, err
	}
	return category, expediency, nil
}
