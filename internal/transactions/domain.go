package transactions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates the analysis lifecycle of a transaction.
type Status string

const (
	// StatusPending indicates the transaction waits for categorization.
	StatusPending Status = "pending"
	// StatusProcessing indicates a worker picked the transaction up.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates category and expediency are populated.
	StatusCompleted Status = "completed"
	// StatusFailed indicates categorization failed.
	StatusFailed Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Expediency is the discrete anomaly coefficient attached to a transaction.
type Expediency int

const (
	ExpediencyNone     Expediency = 0
	ExpediencyBaseline Expediency = 1
	ExpediencyElevated Expediency = 2
	ExpediencyHigh     Expediency = 3
	ExpediencyExtreme  Expediency = 5
)

// Valid reports whether e is one of the allowed coefficients.
func (e Expediency) Valid() bool {
	switch e {
	case ExpediencyNone, ExpediencyBaseline, ExpediencyElevated, ExpediencyHigh, ExpediencyExtreme:
		return true
	}
	return false
}

// CategorySalary is exempt from expediency scoring.
const CategorySalary = "Salary"

// Transaction is a single ledger entry.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	EntryDate   time.Time       `json:"entry_date"`
	ReceiptDate time.Time       `json:"receipt_date"`
	Withdraw    decimal.Decimal `json:"withdraw"`
	Deposit     decimal.Decimal `json:"deposit"`
	Balance     decimal.Decimal `json:"balance"`
	Status      Status          `json:"processing_status"`
	Category    *string         `json:"category"`
	Expediency  Expediency      `json:"expediency"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CategoryValue returns the category or an empty string.
func (t Transaction) CategoryValue() string {
	if t.Category == nil {
		return ""
	}
	return *t.Category
}

// IsDeposit reports whether the transaction moves money in.
func (t Transaction) IsDeposit() bool {
	return t.Deposit.IsPositive()
}

// Validate checks the amount invariants: both amounts non-negative and
// exactly one of them nonzero.
func (t Transaction) Validate() error {
	if t.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id required", ErrInvalid)
	}
	if t.Withdraw.IsNegative() || t.Deposit.IsNegative() {
		return fmt.Errorf("%w: amounts must be non-negative", ErrInvalid)
	}
	if t.Withdraw.IsZero() == t.Deposit.IsZero() {
		return fmt.Errorf("%w: exactly one of withdraw or deposit must be nonzero", ErrInvalid)
	}
	if !t.ReceiptDate.IsZero() && t.ReceiptDate.Before(t.EntryDate) {
		return fmt.Errorf("%w: receipt date precedes entry date", ErrInvalid)
	}
	return nil
}

// NewDraft builds a pending transaction with a fresh id.
func NewDraft(userID uuid.UUID, entry, receipt time.Time, withdraw, deposit, balance decimal.Decimal, now time.Time) Transaction {
	return Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		EntryDate:   entry,
		ReceiptDate: receipt,
		Withdraw:    withdraw,
		Deposit:     deposit,
		Balance:     balance,
		Status:      StatusPending,
		Expediency:  ExpediencyNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CorrectionRecord snapshots a user's category correction for retraining.
type CorrectionRecord struct {
	ID            uuid.UUID       `json:"id"`
	TransactionID uuid.UUID       `json:"transaction_id"`
	UserID        uuid.UUID       `json:"user_id"`
	EntryDate     time.Time       `json:"entry_date"`
	ReceiptDate   time.Time       `json:"receipt_date"`
	Withdraw      decimal.Decimal `json:"withdraw"`
	Deposit       decimal.Decimal `json:"deposit"`
	Balance       decimal.Decimal `json:"balance"`
	Category      string          `json:"category"`
	CorrectedAt   time.Time       `json:"corrected_at"`
}

// SnapshotCorrection captures tx as corrected to category at the given time.
func SnapshotCorrection(tx Transaction, category string, at time.Time) CorrectionRecord {
	return CorrectionRecord{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		EntryDate:     tx.EntryDate,
		ReceiptDate:   tx.ReceiptDate,
		Withdraw:      tx.Withdraw,
		Deposit:       tx.Deposit,
		Balance:       tx.Balance,
		Category:      category,
		CorrectedAt:   at,
	}
}

// ListFilters narrows ListByOwner results.
type ListFilters struct {
	UserID    uuid.UUID
	StartDate *time.Time
	EndDate   *time.Time
	Status    Status
	Offset    int
	Limit     int
}

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// Normalize applies pagination defaults.
func (f ListFilters) Normalize() ListFilters {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Status = Status(strings.ToLower(string(f.Status)))
	return f
}

var (
	// ErrNotFound occurs when a transaction does not exist.
	ErrNotFound = errors.New("transactions: not found")
	// ErrPersistence wraps failures of the underlying store.
	ErrPersistence = errors.New("transactions: persistence failure")
	// ErrInvalid flags a transaction violating the data model.
	ErrInvalid = errors.New("transactions: invalid transaction")
)
