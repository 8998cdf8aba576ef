// Package expediency scores how far a withdrawal departs from the owner's
// recent spending in the same category.
package expediency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/transactions"
)

var (
	thresholdExtreme  = decimal.NewFromInt(20)
	thresholdHigh     = decimal.NewFromInt(10)
	thresholdElevated = decimal.NewFromInt(5)
)

// Averager reports trailing category averages. transactions.Store satisfies it.
type Averager interface {
	AverageWithdrawal(ctx context.Context, userID uuid.UUID, category string, since time.Time, exclude uuid.UUID) (decimal.Decimal, bool, error)
}

// Scorer computes expediency coefficients against a trailing one-month window.
type Scorer struct {
	store   Averager
	metrics *jobmetrics.Metrics
	log     *slog.Logger
	clock   func() time.Time
}

// NewScorer constructs a scorer.
func NewScorer(store Averager, metrics *jobmetrics.Metrics, logger *slog.Logger) *Scorer {
	return &Scorer{store: store, metrics: metrics, log: logger}
}

// WithClock overrides the window reference time.
func (s *Scorer) WithClock(clock func() time.Time) *Scorer {
	s.clock = clock
	return s
}

func (s *Scorer) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

func (s *Scorer) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

// Score returns the coefficient for the withdrawal of transaction id in
// category. The transaction itself is left out of the baseline, so scoring it
// again yields the same coefficient. Salary and categories without history
// score zero.
func (s *Scorer) Score(ctx context.Context, owner, id uuid.UUID, category string, withdraw decimal.Decimal) (transactions.Expediency, error) {
	if category == transactions.CategorySalary {
		return transactions.ExpediencyNone, nil
	}
	since := s.now().AddDate(0, -1, 0)
	avg, ok, err := s.store.AverageWithdrawal(ctx, owner, category, since, id)
	if err != nil {
		return transactions.ExpediencyNone, fmt.Errorf("expediency: average withdrawal: %w", err)
	}
	if !ok {
		return transactions.ExpediencyNone, nil
	}
	coefficient := Coefficient(withdraw, avg)
	s.metrics.ObserveExpediency(int(coefficient))
	if coefficient >= transactions.ExpediencyHigh {
		s.logger().Info("expediency spike",
			slog.String("user_id", owner.String()),
			slog.String("category", category),
			slog.String("withdraw", withdraw.String()),
			slog.String("average", avg.String()),
			slog.Int("coefficient", int(coefficient)))
	}
	return coefficient, nil
}

// Coefficient maps the relative deviation d = (withdraw-average)/average onto
// {1,2,3,5}. A zero average yields ExpediencyNone.
func Coefficient(withdraw, average decimal.Decimal) transactions.Expediency {
	if average.IsZero() {
		return transactions.ExpediencyNone
	}
	d := withdraw.Sub(average).Div(average)
	switch {
	case d.GreaterThan(thresholdExtreme):
		return transactions.ExpediencyExtreme
	case d.GreaterThan(thresholdHigh):
		return transactions.ExpediencyHigh
	case d.GreaterThan(thresholdElevated):
		return transactions.ExpediencyElevated
	default:
		return transactions.ExpediencyBaseline
	}
}
