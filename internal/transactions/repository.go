package transactions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/spendlens/spendlens/internal/platform/db"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a repository over pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

var _ Store = (*Repository)(nil)

// Amounts travel as text so shopspring/decimal keeps full precision.
const selectColumns = `id, user_id, entry_date, receipt_date, withdraw::text, deposit::text, balance::text,
	processing_status, category, expediency, created_at, updated_at`

const insertTransaction = `INSERT INTO transactions (id, user_id, entry_date, receipt_date, withdraw, deposit, balance,
	processing_status, category, expediency, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12)`

func insertArgs(tx Transaction) []any {
	return []any{
		tx.ID, tx.UserID, tx.EntryDate, tx.ReceiptDate,
		tx.Withdraw.String(), tx.Deposit.String(), tx.Balance.String(),
		string(tx.Status), tx.Category, int16(tx.Expediency), tx.CreatedAt, tx.UpdatedAt,
	}
}

func (r *Repository) prepare(tx Transaction) Transaction {
	now := r.now()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = StatusPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	return tx
}

// Create inserts a single transaction.
func (r *Repository) Create(ctx context.Context, tx Transaction) (Transaction, error) {
	if err := tx.Validate(); err != nil {
		return Transaction{}, err
	}
	tx = r.prepare(tx)
	if _, err := r.pool.Exec(ctx, insertTransaction, insertArgs(tx)...); err != nil {
		return Transaction{}, persistence("create transaction", err)
	}
	return tx, nil
}

// CreateBatch inserts a parsed statement inside one database transaction.
func (r *Repository) CreateBatch(ctx context.Context, txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	for i := range txs {
		if err := txs[i].Validate(); err != nil {
			return err
		}
		txs[i] = r.prepare(txs[i])
	}
	err := db.WithTx(ctx, r.pool, func(dbtx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, tx := range txs {
			batch.Queue(insertTransaction, insertArgs(tx)...)
		}
		return dbtx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return persistence("create batch", err)
	}
	return nil
}

// Get loads a transaction by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, persistence("get transaction", err)
	}
	return tx, nil
}

// ListByOwner returns a page of the owner's transactions, newest receipt first,
// together with the total number of matches.
func (r *Repository) ListByOwner(ctx context.Context, filters ListFilters) ([]Transaction, int, error) {
	filters = filters.Normalize()
	where := []string{"user_id = $1"}
	args := []any{filters.UserID}
	if filters.StartDate != nil {
		args = append(args, *filters.StartDate)
		where = append(where, fmt.Sprintf("receipt_date >= $%d", len(args)))
	}
	if filters.EndDate != nil {
		args = append(args, *filters.EndDate)
		where = append(where, fmt.Sprintf("receipt_date <= $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where = append(where, fmt.Sprintf("processing_status = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, persistence("count transactions", err)
	}

	args = append(args, filters.Limit, filters.Offset)
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY receipt_date DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		selectColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, persistence("list transactions", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, filters.Limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, persistence("scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, persistence("list transactions", err)
	}
	return out, total, nil
}

// UpdateStatus transitions the processing status.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.pool.Exec(ctx, `UPDATE transactions SET processing_status = $2, updated_at = $3 WHERE id = $1`,
		id, string(status), r.now())
	if err != nil {
		return persistence("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAnalysis stores category, expediency and status in one statement.
func (r *Repository) UpdateAnalysis(ctx context.Context, id uuid.UUID, category string, expediency Expediency, status Status) error {
	tag, err := r.pool.Exec(ctx, `UPDATE transactions
		SET category = $2, expediency = $3, processing_status = $4, updated_at = $5
		WHERE id = $1`, id, category, int16(expediency), string(status), r.now())
	if err != nil {
		return persistence("update analysis", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Save overwrites the mutable fields of an existing transaction.
func (r *Repository) Save(ctx context.Context, tx Transaction) error {
	tag, err := r.pool.Exec(ctx, `UPDATE transactions
		SET entry_date = $2, receipt_date = $3, withdraw = $4::numeric, deposit = $5::numeric, balance = $6::numeric,
			processing_status = $7, category = $8, expediency = $9, updated_at = $10
		WHERE id = $1`,
		tx.ID, tx.EntryDate, tx.ReceiptDate, tx.Withdraw.String(), tx.Deposit.String(), tx.Balance.String(),
		string(tx.Status), tx.Category, int16(tx.Expediency), r.now())
	if err != nil {
		return persistence("save transaction", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AverageWithdrawal computes the trailing mean withdrawal for a category,
// excluding one transaction.
func (r *Repository) AverageWithdrawal(ctx context.Context, userID uuid.UUID, category string, since time.Time, exclude uuid.UUID) (decimal.Decimal, bool, error) {
	var avg *string
	err := r.pool.QueryRow(ctx, `SELECT AVG(withdraw)::text FROM transactions
		WHERE user_id = $1 AND category = $2 AND entry_date >= $3 AND withdraw > 0 AND id <> $4`,
		userID, category, since, exclude).Scan(&avg)
	if err != nil {
		return decimal.Zero, false, persistence("average withdrawal", err)
	}
	if avg == nil {
		return decimal.Zero, false, nil
	}
	value, err := decimal.NewFromString(*avg)
	if err != nil {
		return decimal.Zero, false, persistence("average withdrawal", err)
	}
	return value, true, nil
}

// OldestCorrectionTimestamp returns when the owner's oldest pending correction was made.
func (r *Repository) OldestCorrectionTimestamp(ctx context.Context, userID uuid.UUID) (time.Time, bool, error) {
	var oldest *time.Time
	if err := r.pool.QueryRow(ctx, `SELECT MIN(corrected_at) FROM corrections WHERE user_id = $1`, userID).Scan(&oldest); err != nil {
		return time.Time{}, false, persistence("oldest correction", err)
	}
	if oldest == nil {
		return time.Time{}, false, nil
	}
	return *oldest, true, nil
}

// AppendCorrection records a correction snapshot.
func (r *Repository) AppendCorrection(ctx context.Context, rec CorrectionRecord) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO corrections (id, transaction_id, user_id, entry_date, receipt_date,
		withdraw, deposit, balance, category, corrected_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9, $10)`,
		rec.ID, rec.TransactionID, rec.UserID, rec.EntryDate, rec.ReceiptDate,
		rec.Withdraw.String(), rec.Deposit.String(), rec.Balance.String(), rec.Category, rec.CorrectedAt)
	if err != nil {
		return persistence("append correction", err)
	}
	return nil
}

// ListCorrections returns every pending correction, oldest first.
func (r *Repository) ListCorrections(ctx context.Context) ([]CorrectionRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, transaction_id, user_id, entry_date, receipt_date,
		withdraw::text, deposit::text, balance::text, category, corrected_at
		FROM corrections ORDER BY corrected_at`)
	if err != nil {
		return nil, persistence("list corrections", err)
	}
	defer rows.Close()

	var out []CorrectionRecord
	for rows.Next() {
		var rec CorrectionRecord
		var withdraw, deposit, balance string
		if err := rows.Scan(&rec.ID, &rec.TransactionID, &rec.UserID, &rec.EntryDate, &rec.ReceiptDate,
			&withdraw, &deposit, &balance, &rec.Category, &rec.CorrectedAt); err != nil {
			return nil, persistence("scan correction", err)
		}
		if rec.Withdraw, rec.Deposit, rec.Balance, err = parseAmounts(withdraw, deposit, balance); err != nil {
			return nil, persistence("scan correction", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list corrections", err)
	}
	return out, nil
}

// PurgeCorrections deletes the given corrections in one statement.
func (r *Repository) PurgeCorrections(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM corrections WHERE id = ANY($1)`, ids); err != nil {
		return persistence("purge corrections", err)
	}
	return nil
}

// ListStale finds transactions stuck in one of statuses.
func (r *Repository) ListStale(ctx context.Context, statuses []Status, before time.Time, limit int) ([]Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = maxListLimit
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+selectColumns+` FROM transactions
		WHERE processing_status = ANY($1) AND updated_at < $2
		ORDER BY updated_at LIMIT $3`, names, before, limit)
	if err != nil {
		return nil, persistence("list stale", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, persistence("scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list stale", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx                         Transaction
		withdraw, deposit, balance string
		status                     string
		expediency                 int16
	)
	if err := row.Scan(&tx.ID, &tx.UserID, &tx.EntryDate, &tx.ReceiptDate, &withdraw, &deposit, &balance,
		&status, &tx.Category, &expediency, &tx.CreatedAt, &tx.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	var err error
	if tx.Withdraw, tx.Deposit, tx.Balance, err = parseAmounts(withdraw, deposit, balance); err != nil {
		return Transaction{}, err
	}
	tx.Status = Status(status)
	tx.Expediency = Expediency(expediency)
	return tx, nil
}

func parseAmounts(withdraw, deposit, balance string) (w, d, b decimal.Decimal, err error) {
	if w, err = decimal.NewFromString(withdraw); err != nil {
		return
	}
	if d, err = decimal.NewFromString(deposit); err != nil {
		return
	}
	b, err = decimal.NewFromString(balance)
	return
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
