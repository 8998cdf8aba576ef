package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"github.com/spendlens/spendlens/internal/classifier"
)

var trainDateLayouts = []string{time.DateOnly, "02/01/2006", "02.01.2006"}

// TrainOptions defines the flags of the train command.
type TrainOptions struct {
	Path       string
	JSONOutput bool
	MaxBytes   int64
	Stdout     io.Writer
	Stderr     io.Writer
}

// TrainSummary reports what a seed file contributed to the classifier.
type TrainSummary struct {
	Rows       int            `json:"rows"`
	Categories map[string]int `json:"categories"`
}

// TrainCommand fits the classifier from a labelled seed file. Rows carry a
// source derived from the file contents, so training the same file twice
// leaves the corpus unchanged.
func TrainCommand(ctx context.Context, cls classifier.Classifier, opts TrainOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Path == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "train: seed file is required")
		return 1
	}
	if cls == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "train: classifier not configured")
		return 1
	}
	data, err := readLimited(opts.Path, opts.MaxBytes)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "train: %v\n", err)
		return 1
	}
	var rows []classifier.TrainingRow
	if strings.EqualFold(filepath.Ext(opts.Path), ".json") {
		rows, err = readTrainingJSON(data)
	} else {
		rows, err = readTrainingCSV(data)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "train: %v\n", err)
		return 1
	}
	stampSeedSources(rows, data)

	if err := cls.Fit(ctx, rows); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "train: %v\n", err)
		return 1
	}

	summary := TrainSummary{Rows: len(rows), Categories: make(map[string]int)}
	for _, row := range rows {
		summary.Categories[row.Category]++
	}
	if opts.JSONOutput {
		enc := json.NewEncoder(opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "train: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	names := make([]string, 0, len(summary.Categories))
	for name := range summary.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	_, _ = fmt.Fprintf(opts.Stdout, "trained on %d rows\n", summary.Rows)
	for _, name := range names {
		_, _ = fmt.Fprintf(opts.Stdout, "  %-24s %d\n", name, summary.Categories[name])
	}
	return 0
}

// stampSeedSources keys every row by file digest and position. Sources
// already present in the file are kept.
func stampSeedSources(rows []classifier.TrainingRow, data []byte) {
	sum := blake2b.Sum256(data)
	digest := hex.EncodeToString(sum[:])[:16]
	for i := range rows {
		if rows[i].Source == "" {
			rows[i].Source = fmt.Sprintf("seed:%s:%d", digest, i)
		}
	}
}

func readTrainingJSON(data []byte) ([]classifier.TrainingRow, error) {
	var rows []classifier.TrainingRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("seed file has no rows")
	}
	return rows, nil
}

func readTrainingCSV(data []byte) ([]classifier.TrainingRow, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := nextNonEmptyRecord(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("seed file is empty")
		}
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		switch key {
		case "date":
			key = "entry_date"
		case "date.1":
			key = "receipt_date"
		}
		index[key] = i
	}
	for _, col := range []string{"entry_date", "receipt_date", "balance", "withdraw", "deposit", "category"} {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing %s column", col)
		}
	}

	var rows []classifier.TrainingRow
	line := 1
	for {
		record, err := nextNonEmptyRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		row, err := trainingRowOf(record, index)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errors.New("seed file has no rows")
	}
	return rows, nil
}

func trainingRowOf(record []string, index map[string]int) (classifier.TrainingRow, error) {
	field := func(name string) string {
		i := index[name]
		if i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}
	var row classifier.TrainingRow
	var err error
	if row.EntryDate, err = parseTrainDate(field("entry_date")); err != nil {
		return row, err
	}
	if row.ReceiptDate, err = parseTrainDate(field("receipt_date")); err != nil {
		return row, err
	}
	if row.Balance, err = parseTrainAmount(field("balance")); err != nil {
		return row, err
	}
	if row.Withdraw, err = parseTrainAmount(field("withdraw")); err != nil {
		return row, err
	}
	if row.Deposit, err = parseTrainAmount(field("deposit")); err != nil {
		return row, err
	}
	row.Category = field("category")
	if row.Category == "" {
		return row, errors.New("category is required")
	}
	return row, nil
}

func parseTrainDate(value string) (time.Time, error) {
	for _, layout := range trainDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", value)
}

func parseTrainAmount(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	if !strings.Contains(value, ".") {
		value = strings.ReplaceAll(value, ",", ".")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", value)
	}
	return d, nil
}

func nextNonEmptyRecord(r *csv.Reader) ([]string, error) {
	for {
		record, err := r.Read()
		if err != nil {
			return nil, err
		}
		skip := true
		for _, field := range record {
			trimmed := strings.TrimSpace(field)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			skip = false
		}
		if !skip {
			return record, nil
		}
	}
}
