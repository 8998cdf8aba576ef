package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendlens/spendlens/internal/analysis"
	"github.com/spendlens/spendlens/internal/statement"
	"github.com/spendlens/spendlens/internal/transactions"
	"github.com/spendlens/spendlens/internal/transactions/memstore"
)

const statementText = `Balance on 01.03.24 500.00 RUB
01.03.24 01.03.24 -100.00 RUB Grocery
02.03.24 03.03.24 +1 000.00 RUB Salary
Balance on 31.03.24 1 400.00 RUB
`

type stubSubmitter struct {
	submitted []uuid.UUID
	err       error
}

func (s *stubSubmitter) Submit(_ context.Context, tx transactions.Transaction) error {
	s.submitted = append(s.submitted, tx.ID)
	return s.err
}

func (s *stubSubmitter) SubmitAll(ctx context.Context, txs []transactions.Transaction) error {
	for _, tx := range txs {
		if err := s.Submit(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

type stubCorrector struct{}

func (stubCorrector) RecordCorrection(context.Context, uuid.UUID, string) (transactions.Transaction, error) {
	return transactions.Transaction{}, errors.New("unexpected correction")
}

func (stubCorrector) Backlog(context.Context, uuid.UUID) (analysis.Backlog, error) {
	return analysis.Backlog{}, nil
}

type stubSource struct {
	uri  string
	data []byte
	err  error
}

func (s *stubSource) Fetch(_ context.Context, uri string) ([]byte, error) {
	s.uri = uri
	return s.data, s.err
}

func newService(store transactions.Store, sub Submitter, src statement.Source) *Service {
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	return NewService(ServiceConfig{
		Store:      store,
		Dispatcher: sub,
		Corrector:  stubCorrector{},
		Source:     src,
	}).WithClock(func() time.Time { return now })
}

func TestCreateTransactionKeepsRowWhenSubmitFails(t *testing.T) {
	store := memstore.New()
	sub := &stubSubmitter{err: errors.New("queue down")}
	svc := newService(store, sub, nil)

	tx, err := svc.CreateTransaction(context.Background(), CreateInput{
		Owner:     uuid.New(),
		EntryDate: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		Deposit:   decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, tx.Status)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, []uuid.UUID{tx.ID}, sub.submitted)
}

func TestImportStatementFromSource(t *testing.T) {
	store := memstore.New()
	sub := &stubSubmitter{}
	src := &stubSource{data: []byte(statementText)}
	svc := newService(store, sub, src)
	owner := uuid.New()

	res, err := svc.ImportStatement(context.Background(), ImportInput{Owner: owner, SourceURI: "gs://statements/march.txt"})
	require.NoError(t, err)
	assert.Equal(t, "gs://statements/march.txt", src.uri)
	assert.Equal(t, 2, res.Total)
	assert.True(t, res.Reconciliation.Reconciled)
	assert.True(t, res.Reconciliation.Final.Equal(decimal.NewFromInt(1400)))
	assert.Len(t, sub.submitted, 2)
	assert.Equal(t, 2, store.Len())
}

func TestImportStatementIsAllOrNothing(t *testing.T) {
	store := memstore.New()
	store.FailOn["CreateBatch"] = transactions.ErrPersistence
	sub := &stubSubmitter{}
	svc := newService(store, sub, nil)

	_, err := svc.ImportStatement(context.Background(), ImportInput{Owner: uuid.New(), Data: []byte(statementText)})
	require.ErrorIs(t, err, transactions.ErrPersistence)
	assert.Empty(t, sub.submitted)
	assert.Zero(t, store.Len())
}

func TestImportStatementErrors(t *testing.T) {
	svc := newService(memstore.New(), &stubSubmitter{}, nil)
	ctx := context.Background()

	_, err := svc.ImportStatement(ctx, ImportInput{Data: []byte(statementText)})
	assert.ErrorIs(t, err, transactions.ErrInvalid)

	_, err = svc.ImportStatement(ctx, ImportInput{Owner: uuid.New(), SourceURI: "gs://b/o"})
	assert.ErrorIs(t, err, ErrSourceDisabled)

	_, err = svc.ImportStatement(ctx, ImportInput{Owner: uuid.New(), Bank: "sber", Data: []byte(statementText)})
	assert.ErrorIs(t, err, statement.ErrUnsupportedBank)

	_, err = svc.ImportStatement(ctx, ImportInput{Owner: uuid.New(), Data: []byte{0xff, 0xfe, 0x00}})
	assert.ErrorIs(t, err, statement.ErrUnreadableDocument)

	failing := newService(memstore.New(), &stubSubmitter{}, &stubSource{err: statement.ErrTooLarge})
	_, err = failing.ImportStatement(ctx, ImportInput{Owner: uuid.New(), SourceURI: "gs://b/o"})
	assert.ErrorIs(t, err, statement.ErrTooLarge)
}

func TestGetTransactionWithoutCache(t *testing.T) {
	store := memstore.New()
	svc := newService(store, &stubSubmitter{}, nil)
	owner := uuid.New()
	tx, err := svc.CreateTransaction(context.Background(), CreateInput{
		Owner: owner, EntryDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Withdraw: decimal.NewFromInt(3),
	})
	require.NoError(t, err)

	got, err := svc.GetTransaction(context.Background(), owner, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	_, err = svc.GetTransaction(context.Background(), uuid.New(), tx.ID)
	assert.ErrorIs(t, err, transactions.ErrNotFound)
}
