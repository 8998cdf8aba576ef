package analysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/transactions"
)

const (
	// DefaultLease is how long a transaction may sit in pending or processing
	// before the sweeper resubmits it.
	DefaultLease = 10 * time.Minute
	// DefaultSweepBatch bounds one sweep run.
	DefaultSweepBatch = 200
)

var staleStatuses = []transactions.Status{transactions.StatusPending, transactions.StatusProcessing}

// Sweeper resubmits transactions whose analysis job was lost.
type Sweeper struct {
	store      transactions.Store
	dispatcher *Dispatcher
	lease      time.Duration
	batch      int
	metrics    *jobmetrics.Metrics
	log        *slog.Logger
	clock      func() time.Time
}

// NewSweeper constructs a sweeper. Non-positive lease or batch fall back to
// the defaults.
func NewSweeper(store transactions.Store, dispatcher *Dispatcher, lease time.Duration, batch int, metrics *jobmetrics.Metrics, logger *slog.Logger) *Sweeper {
	if lease <= 0 {
		lease = DefaultLease
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Sweeper{store: store, dispatcher: dispatcher, lease: lease, batch: batch, metrics: metrics, log: logger}
}

// WithClock overrides the lease reference time.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

func (s *Sweeper) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

func (s *Sweeper) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

// Sweep resets up to limit stale transactions to pending and resubmits them.
// A non-positive limit uses the configured batch size.
func (s *Sweeper) Sweep(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.batch
	}
	stale, err := s.store.ListStale(ctx, staleStatuses, s.now().Add(-s.lease), limit)
	if err != nil {
		return 0, err
	}
	reset := make([]transactions.Transaction, 0, len(stale))
	for _, tx := range stale {
		err := s.store.UpdateStatus(ctx, tx.ID, transactions.StatusPending)
		if errors.Is(err, transactions.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		tx.Status = transactions.StatusPending
		reset = append(reset, tx)
	}
	if len(reset) == 0 {
		return 0, nil
	}
	if err := s.dispatcher.SubmitAll(ctx, reset); err != nil {
		return 0, err
	}
	s.metrics.AddSwept(len(reset))
	s.logger().Info("stale transactions resubmitted", slog.Int("count", len(reset)))
	return len(reset), nil
}
