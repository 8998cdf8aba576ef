// Package ledger is the application service behind the transactions API: it
// persists user input and statements and hands them to the analysis pipeline.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spendlens/spendlens/internal/analysis"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/platform/cache"
	"github.com/spendlens/spendlens/internal/statement"
	"github.com/spendlens/spendlens/internal/transactions"
)

// ErrSourceDisabled is returned for source URIs when no object store is wired.
var ErrSourceDisabled = errors.New("ledger: statement source disabled")

// Submitter hands transactions to the analysis queue.
type Submitter interface {
	Submit(ctx context.Context, tx transactions.Transaction) error
	SubmitAll(ctx context.Context, txs []transactions.Transaction) error
}

// Corrector records category corrections.
type Corrector interface {
	RecordCorrection(ctx context.Context, id uuid.UUID, category string) (transactions.Transaction, error)
	Backlog(ctx context.Context, owner uuid.UUID) (analysis.Backlog, error)
}

// ServiceConfig groups Service dependencies. Source and Cache are optional.
type ServiceConfig struct {
	Store      transactions.Store
	Dispatcher Submitter
	Corrector  Corrector
	Source     statement.Source
	Cache      *cache.ResponseCache
	Metrics    *jobmetrics.Metrics
	Logger     *slog.Logger
}

// Service implements the transactions use cases.
type Service struct {
	store      transactions.Store
	dispatcher Submitter
	corrector  Corrector
	source     statement.Source
	cache      *cache.ResponseCache
	metrics    *jobmetrics.Metrics
	log        *slog.Logger
	clock      func() time.Time
}

// NewService constructs the service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		corrector:  cfg.Corrector,
		source:     cfg.Source,
		cache:      cfg.Cache,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
}

// WithClock overrides the timestamp source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.log != nil {
		return s.log
	}
	return slog.Default()
}

// CreateInput describes a manually entered transaction.
type CreateInput struct {
	Owner       uuid.UUID
	EntryDate   time.Time
	ReceiptDate time.Time
	Withdraw    decimal.Decimal
	Deposit     decimal.Decimal
	Balance     decimal.Decimal
}

// CreateTransaction persists one transaction and submits it for analysis. A
// failed submit leaves the transaction pending for the sweeper.
func (s *Service) CreateTransaction(ctx context.Context, in CreateInput) (transactions.Transaction, error) {
	receipt := in.ReceiptDate
	if receipt.IsZero() {
		receipt = in.EntryDate
	}
	draft := transactions.NewDraft(in.Owner, in.EntryDate, receipt, in.Withdraw, in.Deposit, in.Balance, s.now())
	if err := draft.Validate(); err != nil {
		return transactions.Transaction{}, err
	}
	tx, err := s.store.Create(ctx, draft)
	if err != nil {
		return transactions.Transaction{}, err
	}
	if err := s.dispatcher.Submit(ctx, tx); err != nil {
		s.logger().Warn("submit transaction", slog.String("transaction_id", tx.ID.String()), slog.Any("error", err))
	}
	return tx, nil
}

// ImportInput carries a statement either inline or by object-store URI.
type ImportInput struct {
	Owner     uuid.UUID
	Bank      string
	Data      []byte
	SourceURI string
}

// Reconciliation reports how the parsed balances compare to the closing anchor.
type Reconciliation struct {
	Bank        string          `json:"bank"`
	Opening     decimal.Decimal `json:"opening_balance"`
	Closing     decimal.Decimal `json:"closing_balance"`
	Final       decimal.Decimal `json:"final_balance"`
	Reconciled  bool            `json:"reconciled"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
}

// ImportResult is the outcome of a statement import.
type ImportResult struct {
	Total          int                        `json:"total"`
	Results        []transactions.Transaction `json:"results"`
	Reconciliation Reconciliation             `json:"reconciliation"`
}

// ImportStatement parses a statement, stores every transaction atomically and
// submits them for analysis. A parse error stores nothing.
func (s *Service) ImportStatement(ctx context.Context, in ImportInput) (ImportResult, error) {
	if in.Owner == uuid.Nil {
		return ImportResult{}, fmt.Errorf("%w: user id required", transactions.ErrInvalid)
	}
	data := in.Data
	if in.SourceURI != "" {
		if s.source == nil {
			return ImportResult{}, ErrSourceDisabled
		}
		fetched, err := s.source.Fetch(ctx, in.SourceURI)
		if err != nil {
			return ImportResult{}, err
		}
		data = fetched
	}
	text, err := statement.Text(data)
	if err != nil {
		return ImportResult{}, err
	}
	parsed, err := statement.Parse(text, in.Owner, statement.Options{Bank: in.Bank, Now: s.now})
	if err != nil {
		return ImportResult{}, err
	}

	rec := Reconciliation{
		Bank:        parsed.Bank,
		Opening:     parsed.Opening,
		Closing:     parsed.Closing,
		Final:       parsed.Final(),
		Reconciled:  parsed.Reconciled(),
		Discrepancy: parsed.Discrepancy(),
	}
	if !rec.Reconciled {
		s.metrics.IncUnreconciled(parsed.Bank)
		s.logger().Warn("statement does not reconcile",
			slog.String("user_id", in.Owner.String()),
			slog.String("bank", parsed.Bank),
			slog.String("closing", rec.Closing.String()),
			slog.String("final", rec.Final.String()))
	}

	if len(parsed.Transactions) > 0 {
		if err := s.store.CreateBatch(ctx, parsed.Transactions); err != nil {
			return ImportResult{}, err
		}
		if err := s.dispatcher.SubmitAll(ctx, parsed.Transactions); err != nil {
			s.logger().Warn("submit statement transactions",
				slog.Int("count", len(parsed.Transactions)), slog.Any("error", err))
		}
	}
	return ImportResult{
		Total:          len(parsed.Transactions),
		Results:        parsed.Transactions,
		Reconciliation: rec,
	}, nil
}

// Page is one page of an owner's transactions.
type Page struct {
	Total   int                        `json:"total"`
	Results []transactions.Transaction `json:"results"`
}

// ListTransactions returns the owner's transactions, newest receipt first.
func (s *Service) ListTransactions(ctx context.Context, filters transactions.ListFilters) (Page, error) {
	filters = filters.Normalize()
	if filters.UserID == uuid.Nil {
		return Page{}, fmt.Errorf("%w: user id required", transactions.ErrInvalid)
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return Page{}, fmt.Errorf("%w: unknown status %q", transactions.ErrInvalid, filters.Status)
	}
	items, total, err := s.store.ListByOwner(ctx, filters)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []transactions.Transaction{}
	}
	return Page{Total: total, Results: items}, nil
}

func transactionKey(owner, id uuid.UUID) string {
	return cache.Key("transaction", owner.String(), id.String())
}

// GetTransaction loads one of the owner's transactions through the response
// cache. Transactions of other owners are reported as not found.
func (s *Service) GetTransaction(ctx context.Context, owner, id uuid.UUID) (transactions.Transaction, error) {
	var tx transactions.Transaction
	err := s.cache.Fetch(ctx, transactionKey(owner, id), &tx, func(ctx context.Context) (any, error) {
		found, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if found.UserID != owner {
			return nil, transactions.ErrNotFound
		}
		return found, nil
	})
	if err != nil {
		return transactions.Transaction{}, err
	}
	return tx, nil
}

// CorrectCategory records the owner's category for a transaction.
func (s *Service) CorrectCategory(ctx context.Context, owner, id uuid.UUID, category string) (transactions.Transaction, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return transactions.Transaction{}, err
	}
	if current.UserID != owner {
		return transactions.Transaction{}, transactions.ErrNotFound
	}
	updated, err := s.corrector.RecordCorrection(ctx, id, category)
	if err != nil {
		return transactions.Transaction{}, err
	}
	if err := s.cache.Invalidate(ctx, transactionKey(owner, id)); err != nil {
		s.logger().Warn("invalidate transaction cache", slog.String("transaction_id", id.String()), slog.Any("error", err))
	}
	return updated, nil
}

// Backlog reports the owner's corrections awaiting retraining.
func (s *Service) Backlog(ctx context.Context, owner uuid.UUID) (analysis.Backlog, error) {
	if owner == uuid.Nil {
		return analysis.Backlog{}, fmt.Errorf("%w: user id required", transactions.ErrInvalid)
	}
	return s.corrector.Backlog(ctx, owner)
}
