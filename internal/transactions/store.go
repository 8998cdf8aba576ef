package transactions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the durable record of transactions and pending category corrections.
type Store interface {
	Create(ctx context.Context, tx Transaction) (Transaction, error)
	// CreateBatch persists all transactions or none of them.
	CreateBatch(ctx context.Context, txs []Transaction) error
	Get(ctx context.Context, id uuid.UUID) (Transaction, error)
	ListByOwner(ctx context.Context, filters ListFilters) ([]Transaction, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	UpdateAnalysis(ctx context.Context, id uuid.UUID, category string, expediency Expediency, status Status) error
	Save(ctx context.Context, tx Transaction) error
	// AverageWithdrawal reports the mean withdrawal of the owner's transactions in
	// category with an entry date on or after since, leaving out the transaction
	// exclude so a rescored transaction never joins its own baseline. ok is false
	// without history.
	AverageWithdrawal(ctx context.Context, userID uuid.UUID, category string, since time.Time, exclude uuid.UUID) (avg decimal.Decimal, ok bool, err error)
	OldestCorrectionTimestamp(ctx context.Context, userID uuid.UUID) (time.Time, bool, error)
	AppendCorrection(ctx context.Context, record CorrectionRecord) error
	ListCorrections(ctx context.Context) ([]CorrectionRecord, error)
	PurgeCorrections(ctx context.Context, ids []uuid.UUID) error
	// ListStale returns transactions in one of statuses untouched since before.
	ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]Transaction, error)
}
