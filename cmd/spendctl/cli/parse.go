package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spendlens/spendlens/internal/statement"
	"github.com/spendlens/spendlens/internal/transactions"
)

// ExitUnreconciled is returned when a statement parses but its closing
// balance disagrees with the accumulated balance.
const ExitUnreconciled = 10

// ParseOptions defines the flags of the parse command.
type ParseOptions struct {
	Path       string
	Bank       string
	Owner      string
	JSONOutput bool
	MaxBytes   int64
	Stdout     io.Writer
	Stderr     io.Writer
}

// ParseSummary is the JSON rendering of an offline parse.
type ParseSummary struct {
	Bank         string                     `json:"bank"`
	Opening      decimal.Decimal            `json:"opening_balance"`
	Closing      decimal.Decimal            `json:"closing_balance"`
	Final        decimal.Decimal            `json:"final_balance"`
	Reconciled   bool                       `json:"reconciled"`
	Discrepancy  decimal.Decimal            `json:"discrepancy"`
	Transactions []transactions.Transaction `json:"transactions"`
}

// ParseCommand parses a statement file without touching any store and prints
// the result.
func ParseCommand(opts ParseOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Path == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "parse: statement file is required")
		return 1
	}
	owner := uuid.Nil
	if opts.Owner != "" {
		parsed, err := uuid.Parse(opts.Owner)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "parse: invalid --user %q\n", opts.Owner)
			return 1
		}
		owner = parsed
	}
	data, err := readLimited(opts.Path, opts.MaxBytes)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "parse: %v\n", err)
		return 1
	}
	text, err := statement.Text(data)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "parse: %v\n", err)
		return 1
	}
	res, err := statement.Parse(text, owner, statement.Options{Bank: opts.Bank})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "parse: %v\n", err)
		return 1
	}

	summary := ParseSummary{
		Bank:         res.Bank,
		Opening:      res.Opening,
		Closing:      res.Closing,
		Final:        res.Final(),
		Reconciled:   res.Reconciled(),
		Discrepancy:  res.Discrepancy(),
		Transactions: res.Transactions,
	}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "parse: encode json: %v\n", err)
			return 1
		}
	} else {
		renderParseHuman(opts.Stdout, summary)
	}
	if !summary.Reconciled {
		return ExitUnreconciled
	}
	return 0
}

func readLimited(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if maxBytes <= 0 {
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, statement.ErrTooLarge
	}
	return data, nil
}

func renderParseHuman(w io.Writer, s ParseSummary) {
	_, _ = fmt.Fprintf(w, "bank %s: opening %s, closing %s\n", s.Bank, s.Opening.StringFixed(2), s.Closing.StringFixed(2))
	for _, tx := range s.Transactions {
		amount := "-" + tx.Withdraw.StringFixed(2)
		if tx.IsDeposit() {
			amount = "+" + tx.Deposit.StringFixed(2)
		}
		_, _ = fmt.Fprintf(w, "%s  %s  %12s  %12s\n",
			tx.EntryDate.Format(time.DateOnly), tx.ReceiptDate.Format(time.DateOnly), amount, tx.Balance.StringFixed(2))
	}
	if s.Reconciled {
		_, _ = fmt.Fprintln(w, "reconciled")
		return
	}
	_, _ = fmt.Fprintf(w, "NOT reconciled: final %s, discrepancy %s\n",
		s.Final.StringFixed(2), s.Discrepancy.StringFixed(2))
}
