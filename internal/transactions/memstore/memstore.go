// Package memstore provides an in-process transactions.Store used by tests and
// the offline CLI.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spendlens/spendlens/internal/transactions"
)

// Store keeps transactions and corrections in maps guarded by a mutex.
type Store struct {
	mu          sync.RWMutex
	txs         map[uuid.UUID]transactions.Transaction
	corrections []transactions.CorrectionRecord
	now         func() time.Time

	// FailOn forces the named method to return ErrPersistence.
	FailOn map[string]error
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		txs:    make(map[uuid.UUID]transactions.Transaction),
		now:    func() time.Time { return time.Now().UTC() },
		FailOn: make(map[string]error),
	}
}

// WithClock overrides the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

var _ transactions.Store = (*Store)(nil)

func (s *Store) fail(op string) error {
	if err, ok := s.FailOn[op]; ok {
		return err
	}
	return nil
}

func (s *Store) prepare(tx transactions.Transaction) transactions.Transaction {
	now := s.now()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = transactions.StatusPending
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	return tx
}

func (s *Store) Create(_ context.Context, tx transactions.Transaction) (transactions.Transaction, error) {
	if err := s.fail("Create"); err != nil {
		return transactions.Transaction{}, err
	}
	if err := tx.Validate(); err != nil {
		return transactions.Transaction{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx = s.prepare(tx)
	s.txs[tx.ID] = tx
	return tx, nil
}

func (s *Store) CreateBatch(_ context.Context, txs []transactions.Transaction) error {
	if err := s.fail("CreateBatch"); err != nil {
		return err
	}
	for _, tx := range txs {
		if err := tx.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range txs {
		txs[i] = s.prepare(txs[i])
		s.txs[txs[i].ID] = txs[i]
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (transactions.Transaction, error) {
	if err := s.fail("Get"); err != nil {
		return transactions.Transaction{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return transactions.Transaction{}, transactions.ErrNotFound
	}
	return tx, nil
}

func (s *Store) ListByOwner(_ context.Context, filters transactions.ListFilters) ([]transactions.Transaction, int, error) {
	if err := s.fail("ListByOwner"); err != nil {
		return nil, 0, err
	}
	filters = filters.Normalize()
	s.mu.RLock()
	var matched []transactions.Transaction
	for _, tx := range s.txs {
		if tx.UserID != filters.UserID {
			continue
		}
		if filters.StartDate != nil && tx.ReceiptDate.Before(*filters.StartDate) {
			continue
		}
		if filters.EndDate != nil && tx.ReceiptDate.After(*filters.EndDate) {
			continue
		}
		if filters.Status != "" && tx.Status != filters.Status {
			continue
		}
		matched = append(matched, tx)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ReceiptDate.Equal(matched[j].ReceiptDate) {
			return matched[i].ReceiptDate.After(matched[j].ReceiptDate)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if filters.Offset >= total {
		return []transactions.Transaction{}, total, nil
	}
	end := filters.Offset + filters.Limit
	if end > total {
		end = total
	}
	return matched[filters.Offset:end], total, nil
}

func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status transactions.Status) error {
	if err := s.fail("UpdateStatus"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return transactions.ErrNotFound
	}
	tx.Status = status
	tx.UpdatedAt = s.now()
	s.txs[id] = tx
	return nil
}

func (s *Store) UpdateAnalysis(_ context.Context, id uuid.UUID, category string, expediency transactions.Expediency, status transactions.Status) error {
	if err := s.fail("UpdateAnalysis"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return transactions.ErrNotFound
	}
	tx.Category = &category
	tx.Expediency = expediency
	tx.Status = status
	tx.UpdatedAt = s.now()
	s.txs[id] = tx
	return nil
}

func (s *Store) Save(_ context.Context, tx transactions.Transaction) error {
	if err := s.fail("Save"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; !ok {
		return transactions.ErrNotFound
	}
	tx.UpdatedAt = s.now()
	s.txs[tx.ID] = tx
	return nil
}

func (s *Store) AverageWithdrawal(_ context.Context, userID uuid.UUID, category string, since time.Time, exclude uuid.UUID) (decimal.Decimal, bool, error) {
	if err := s.fail("AverageWithdrawal"); err != nil {
		return decimal.Zero, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	n := 0
	for _, tx := range s.txs {
		if tx.ID == exclude || tx.UserID != userID || tx.CategoryValue() != category || tx.EntryDate.Before(since) {
			continue
		}
		if !tx.Withdraw.IsPositive() {
			continue
		}
		sum = sum.Add(tx.Withdraw)
		n++
	}
	if n == 0 {
		return decimal.Zero, false, nil
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true, nil
}

func (s *Store) OldestCorrectionTimestamp(_ context.Context, userID uuid.UUID) (time.Time, bool, error) {
	if err := s.fail("OldestCorrectionTimestamp"); err != nil {
		return time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest time.Time
	found := false
	for _, rec := range s.corrections {
		if rec.UserID != userID {
			continue
		}
		if !found || rec.CorrectedAt.Before(oldest) {
			oldest = rec.CorrectedAt
			found = true
		}
	}
	return oldest, found, nil
}

func (s *Store) AppendCorrection(_ context.Context, rec transactions.CorrectionRecord) error {
	if err := s.fail("AppendCorrection"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrections = append(s.corrections, rec)
	return nil
}

func (s *Store) ListCorrections(_ context.Context) ([]transactions.CorrectionRecord, error) {
	if err := s.fail("ListCorrections"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transactions.CorrectionRecord, len(s.corrections))
	copy(out, s.corrections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CorrectedAt.Before(out[j].CorrectedAt) })
	return out, nil
}

func (s *Store) PurgeCorrections(_ context.Context, ids []uuid.UUID) error {
	if err := s.fail("PurgeCorrections"); err != nil {
		return err
	}
	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.corrections[:0]
	for _, rec := range s.corrections {
		if _, ok := drop[rec.ID]; !ok {
			kept = append(kept, rec)
		}
	}
	s.corrections = kept
	return nil
}

func (s *Store) ListStale(_ context.Context, statuses []transactions.Status, before time.Time, limit int) ([]transactions.Transaction, error) {
	if err := s.fail("ListStale"); err != nil {
		return nil, err
	}
	want := make(map[transactions.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	var out []transactions.Transaction
	for _, tx := range s.txs {
		if want[tx.Status] && tx.UpdatedAt.Before(before) {
			out = append(out, tx)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Put stores tx verbatim, bypassing validation and timestamps.
func (s *Store) Put(tx transactions.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = tx
}

// Len reports the number of stored transactions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}
