// Package statement turns extracted bank statement text into ordered,
// balance-consistent draft transactions.
package statement

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/spendlens/spendlens/internal/transactions"
)

var (
	// ErrParse is returned when the statement structure is not recognised.
	ErrParse = errors.New("statement: parse failure")
	// ErrDateFormat is returned for dates outside the calendar.
	ErrDateFormat = errors.New("statement: invalid date")
	// ErrUnsupportedBank is returned for unknown bank codes.
	ErrUnsupportedBank = errors.New("statement: unsupported bank")
)

// Options tunes a Parse call.
type Options struct {
	Bank string
	Now  func() time.Time
}

// Result is a parsed statement.
type Result struct {
	Bank         string
	Opening      decimal.Decimal
	Closing      decimal.Decimal
	Transactions []transactions.Transaction
}

// Final returns the accumulated balance after the last transaction.
func (r Result) Final() decimal.Decimal {
	if len(r.Transactions) == 0 {
		return r.Opening
	}
	return r.Transactions[len(r.Transactions)-1].Balance
}

// Reconciled reports whether the closing anchor matches the accumulated balance.
func (r Result) Reconciled() bool {
	return r.Closing.Equal(r.Final())
}

// Discrepancy is closing minus accumulated balance.
func (r Result) Discrepancy() decimal.Decimal {
	return r.Closing.Sub(r.Final())
}

// Parse reads statement text for owner. The whole statement fails on the first
// malformed element; no partial result is returned.
func Parse(text string, owner uuid.UUID, opts Options) (Result, error) {
	layout, err := LayoutFor(opts.Bank)
	if err != nil {
		return Result{}, err
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	text = normalize(text)

	anchors := layout.Anchor.FindAllStringSubmatch(text, -1)
	if len(anchors) != 2 {
		return Result{}, fmt.Errorf("%w: expected 2 balance anchors, found %d", ErrParse, len(anchors))
	}
	opening, err := parseSigned(anchors[0][2])
	if err != nil {
		return Result{}, fmt.Errorf("%w: opening balance: %v", ErrParse, err)
	}
	closing, err := parseSigned(anchors[1][2])
	if err != nil {
		return Result{}, fmt.Errorf("%w: closing balance: %v", ErrParse, err)
	}

	result := Result{Bank: layout.Bank, Opening: opening, Closing: closing}
	balance := opening
	created := now()
	for i, m := range layout.Line.FindAllStringSubmatch(text, -1) {
		entry, err := parseDate(m[1])
		if err != nil {
			return Result{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		receipt, err := parseDate(m[2])
		if err != nil {
			return Result{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		if receipt.Before(entry) {
			return Result{}, fmt.Errorf("%w: line %d: receipt date precedes entry date", ErrParse, i+1)
		}
		withdraw, deposit, err := splitAmount(m[3])
		if err != nil {
			return Result{}, fmt.Errorf("%w: line %d: %v", ErrParse, i+1, err)
		}
		balance = balance.Add(deposit).Sub(withdraw)
		result.Transactions = append(result.Transactions,
			transactions.NewDraft(owner, entry, receipt, withdraw, deposit, balance, created))
	}
	return result, nil
}

func normalize(text string) string {
	text = norm.NFKC.String(text)
	return strings.NewReplacer("\u2212", "-", "\u2013", "-", "\r\n", "\n").Replace(text)
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ".")
	if len(parts) == 3 && len(parts[2]) == 2 {
		raw = parts[0] + "." + parts[1] + ".20" + parts[2]
	}
	t, err := time.Parse("02.01.2006", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrDateFormat, raw)
	}
	return t, nil
}

func cleanAmount(raw string) string {
	return strings.NewReplacer(" ", "", ",", "", "\u00a0", "").Replace(strings.TrimSpace(raw))
}

func parseSigned(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimPrefix(cleanAmount(raw), "+"))
}

// splitAmount maps a signed amount onto (withdraw, deposit). A leading plus
// marks a deposit; everything else is a withdrawal.
func splitAmount(raw string) (withdraw, deposit decimal.Decimal, err error) {
	cleaned := cleanAmount(raw)
	isDeposit := strings.HasPrefix(cleaned, "+")
	value, err := decimal.NewFromString(strings.TrimLeft(cleaned, "+-"))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if value.IsZero() {
		return decimal.Zero, decimal.Zero, errors.New("zero amount")
	}
	if isDeposit {
		return decimal.Zero, value, nil
	}
	return value, decimal.Zero, nil
}
