// Package classifier assigns spending categories to transactions and learns
// from user corrections.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spendlens/spendlens/internal/transactions"
)

var (
	// ErrClassification wraps any failure to produce a category.
	ErrClassification = errors.New("classifier: classification failed")
	// ErrNotTrained is returned by Predict before the first successful Fit.
	ErrNotTrained = errors.New("classifier: model not trained")
	// ErrTooFewClasses is returned when training data spans fewer than two categories.
	ErrTooFewClasses = errors.New("classifier: too few classes")
)

// Classifier predicts a category from transaction features and can be refit
// from labelled rows.
type Classifier interface {
	Predict(ctx context.Context, features Features) (string, error)
	Fit(ctx context.Context, rows []TrainingRow) error
}

// Features is the input vector shared by every backend.
type Features struct {
	EntryDate   time.Time       `json:"entry_date"`
	ReceiptDate time.Time       `json:"receipt_date"`
	Withdraw    decimal.Decimal `json:"withdraw"`
	Deposit     decimal.Decimal `json:"deposit"`
	Balance     decimal.Decimal `json:"balance"`
}

// TrainingRow is a labelled feature vector. Source identifies where the row
// came from; a non-empty Source enters the corpus at most once.
type TrainingRow struct {
	Features
	Category string `json:"category"`
	Source   string `json:"source,omitempty"`
}

// FeaturesOf extracts the feature vector of a transaction.
func FeaturesOf(tx transactions.Transaction) Features {
	return Features{
		EntryDate:   tx.EntryDate,
		ReceiptDate: tx.ReceiptDate,
		Withdraw:    tx.Withdraw,
		Deposit:     tx.Deposit,
		Balance:     tx.Balance,
	}
}

// RowOf turns a correction snapshot into a training row.
func RowOf(rec transactions.CorrectionRecord) TrainingRow {
	return TrainingRow{
		Features: Features{
			EntryDate:   rec.EntryDate,
			ReceiptDate: rec.ReceiptDate,
			Withdraw:    rec.Withdraw,
			Deposit:     rec.Deposit,
			Balance:     rec.Balance,
		},
		Category: rec.Category,
		Source:   "correction:" + rec.ID.String(),
	}
}

func validateRows(rows []TrainingRow) error {
	if len(rows) == 0 {
		return fmt.Errorf("classifier: fit: no rows")
	}
	for i, row := range rows {
		if strings.TrimSpace(row.Category) == "" {
			return fmt.Errorf("classifier: fit: row %d has no category", i)
		}
	}
	return nil
}

func distinctCategories(rows []TrainingRow) []string {
	seen := make(map[string]struct{}, len(rows))
	out := make([]string, 0)
	for _, row := range rows {
		if _, ok := seen[row.Category]; ok {
			continue
		}
		seen[row.Category] = struct{}{}
		out = append(out, row.Category)
	}
	return out
}
