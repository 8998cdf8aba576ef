package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendlens/spendlens/internal/classifier"
	"github.com/spendlens/spendlens/internal/expediency"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/transactions"
	"github.com/spendlens/spendlens/internal/transactions/memstore"
	"github.com/spendlens/spendlens/jobs"
)

var testNow = time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)

type fakeClassifier struct {
	mu       sync.Mutex
	label    string
	err      error
	fitErr   error
	fitCalls int
	fitRows  []classifier.TrainingRow
}

func (f *fakeClassifier) Predict(context.Context, classifier.Features) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.label, f.err
}

func (f *fakeClassifier) Fit(_ context.Context, rows []classifier.TrainingRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fitCalls++
	f.fitRows = rows
	return f.fitErr
}

type fixture struct {
	store      *memstore.Store
	classifier *fakeClassifier
	queue      *jobs.MemoryQueue
	metrics    *jobmetrics.Metrics
	registry   *prometheus.Registry
	dispatcher *Dispatcher
	ledger     *CorrectionLedger
	owner      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New().WithClock(func() time.Time { return testNow })
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	scorer := expediency.NewScorer(store, metrics, nil).WithClock(func() time.Time { return testNow })
	cls := &fakeClassifier{label: "Food"}
	queue := jobs.NewMemoryQueue()
	f := &fixture{
		store:      store,
		classifier: cls,
		queue:      queue,
		metrics:    metrics,
		registry:   reg,
		owner:      uuid.New(),
	}
	f.dispatcher = NewDispatcher(DispatcherConfig{
		Store: store, Classifier: cls, Scorer: scorer, Queue: queue, Metrics: metrics,
	})
	f.ledger = NewCorrectionLedger(LedgerConfig{
		Store: store, Classifier: cls, Scorer: scorer, Queue: queue, Metrics: metrics,
	}).WithClock(func() time.Time { return testNow })
	return f
}

// history stores a categorized withdrawal inside the scoring window.
func (f *fixture) history(category string, amount int64) transactions.Transaction {
	day := testNow.AddDate(0, 0, -5)
	tx := transactions.NewDraft(f.owner, day, day, decimal.NewFromInt(amount), decimal.Zero, decimal.Zero, testNow)
	tx.Category = &category
	tx.Status = transactions.StatusCompleted
	f.store.Put(tx)
	return tx
}

func (f *fixture) pending(t *testing.T, withdraw int64) transactions.Transaction {
	t.Helper()
	day := testNow.AddDate(0, 0, -1)
	tx := transactions.NewDraft(f.owner, day, day, decimal.NewFromInt(withdraw), decimal.Zero, decimal.NewFromInt(1000), testNow)
	created, err := f.store.Create(context.Background(), tx)
	require.NoError(t, err)
	return created
}

func TestProcessCompletesTransaction(t *testing.T) {
	f := newFixture(t)
	f.history("Food", 100)
	tx := f.pending(t, 150)

	require.NoError(t, f.dispatcher.Process(context.Background(), tx.ID))

	got, err := f.store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusCompleted, got.Status)
	assert.Equal(t, "Food", got.CategoryValue())
	assert.Equal(t, transactions.ExpediencyBaseline, got.Expediency)
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.history("Food", 100)
	tx := f.pending(t, 10_000)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Process(ctx, tx.ID))
	first, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, transactions.ExpediencyExtreme, first.Expediency)

	require.NoError(t, f.dispatcher.Process(ctx, tx.ID))
	second, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)

	assert.Equal(t, first.CategoryValue(), second.CategoryValue())
	assert.Equal(t, first.Expediency, second.Expediency)
	assert.Equal(t, transactions.StatusCompleted, second.Status)
}

func TestProcessMissingTransactionIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.dispatcher.Process(context.Background(), uuid.New()))
}

func TestProcessMarksFailed(t *testing.T) {
	cases := map[string]func(f *fixture){
		"classifier error": func(f *fixture) { f.classifier.err = errors.New("model exploded") },
		"empty label":      func(f *fixture) { f.classifier.label = "  " },
		"not trained":      func(f *fixture) { f.classifier.err = classifier.ErrNotTrained },
	}
	for name, arrange := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			tx := f.pending(t, 10)
			arrange(f)

			err := f.dispatcher.Process(context.Background(), tx.ID)
			require.ErrorIs(t, err, classifier.ErrClassification)

			got, getErr := f.store.Get(context.Background(), tx.ID)
			require.NoError(t, getErr)
			assert.Equal(t, transactions.StatusFailed, got.Status)
			assert.Nil(t, got.Category)
		})
	}
}

func TestProcessScoringFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	tx := f.pending(t, 10)
	f.store.FailOn["AverageWithdrawal"] = transactions.ErrPersistence

	err := f.dispatcher.Process(context.Background(), tx.ID)
	require.ErrorIs(t, err, transactions.ErrPersistence)

	got, getErr := f.store.Get(context.Background(), tx.ID)
	require.NoError(t, getErr)
	assert.Equal(t, transactions.StatusFailed, got.Status)
}

func TestSubmitAllEnqueuesEveryTransaction(t *testing.T) {
	f := newFixture(t)
	txs := []transactions.Transaction{f.pending(t, 1), f.pending(t, 2), f.pending(t, 3)}

	require.NoError(t, f.dispatcher.SubmitAll(context.Background(), txs))

	queued := f.queue.Jobs(jobs.TaskAnalyzeTransaction)
	require.Len(t, queued, 3)
	seen := map[uuid.UUID]bool{}
	for _, job := range queued {
		payload, err := jobs.DecodeAnalyzeTransaction(job.Payload)
		require.NoError(t, err)
		seen[payload.TransactionID] = true
	}
	for _, tx := range txs {
		assert.True(t, seen[tx.ID])
	}
	assert.InDelta(t, 3, counterValue(t, f.registry, "spendlens_analysis_dispatched_total"), 0)
}

func TestSubmitPropagatesQueueErrors(t *testing.T) {
	f := newFixture(t)
	f.queue.Err = errors.New("redis unavailable")
	err := f.dispatcher.Submit(context.Background(), f.pending(t, 1))
	assert.Error(t, err)
}

func TestRecordCorrection(t *testing.T) {
	f := newFixture(t)
	f.history("Travel", 100)
	tx := f.pending(t, 2500)
	ctx := context.Background()

	updated, err := f.ledger.RecordCorrection(ctx, tx.ID, " Travel ")
	require.NoError(t, err)
	assert.Equal(t, "Travel", updated.CategoryValue())
	assert.Equal(t, transactions.ExpediencyExtreme, updated.Expediency)

	stored, err := f.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, "Travel", stored.CategoryValue())

	records, err := f.store.ListCorrections(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, tx.ID, records[0].TransactionID)
	assert.Equal(t, "Travel", records[0].Category)

	assert.Len(t, f.queue.Jobs(jobs.TaskRetrainCheck), 1)

	// a burst of corrections collapses into one retrain check
	_, err = f.ledger.RecordCorrection(ctx, tx.ID, "Food")
	require.NoError(t, err)
	assert.Len(t, f.queue.Jobs(jobs.TaskRetrainCheck), 1)
}

func TestRecordCorrectionRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.RecordCorrection(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, ErrInvalidCategory)

	_, err = f.ledger.RecordCorrection(context.Background(), uuid.New(), "Food")
	assert.ErrorIs(t, err, transactions.ErrNotFound)
}

func TestRecordCorrectionSurvivesQueueOutage(t *testing.T) {
	f := newFixture(t)
	tx := f.pending(t, 10)
	f.queue.Err = errors.New("redis unavailable")

	_, err := f.ledger.RecordCorrection(context.Background(), tx.ID, "Food")
	require.NoError(t, err)
	records, err := f.store.ListCorrections(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func (f *fixture) corrections(t *testing.T, n int) []transactions.Transaction {
	t.Helper()
	out := make([]transactions.Transaction, 0, n)
	categories := []string{"Food", "Travel"}
	for i := 0; i < n; i++ {
		tx := f.pending(t, int64(10+i))
		_, err := f.ledger.RecordCorrection(context.Background(), tx.ID, categories[i%2])
		require.NoError(t, err)
		out = append(out, tx)
	}
	return out
}

func TestRetrainCheckAboveThreshold(t *testing.T) {
	f := newFixture(t)
	txs := f.corrections(t, 11)

	report, err := f.ledger.RetrainCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetrainReport{Pending: 11, Retrained: true, Purged: 11, Rescored: 11}, report)
	assert.Equal(t, 1, f.classifier.fitCalls)
	assert.Len(t, f.classifier.fitRows, 11)

	left, err := f.store.ListCorrections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)

	for _, tx := range txs {
		got, err := f.store.Get(context.Background(), tx.ID)
		require.NoError(t, err)
		assert.Equal(t, transactions.StatusCompleted, got.Status)
	}
}

func TestRetrainCheckAtThreshold(t *testing.T) {
	f := newFixture(t)
	f.corrections(t, 10)

	report, err := f.ledger.RetrainCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RetrainReport{Pending: 10, Rescored: 10}, report)
	assert.Zero(t, f.classifier.fitCalls)

	left, err := f.store.ListCorrections(context.Background())
	require.NoError(t, err)
	assert.Len(t, left, 10)
}

func TestRetrainCheckFitFailureKeepsCorrections(t *testing.T) {
	f := newFixture(t)
	f.corrections(t, 12)
	f.classifier.fitErr = classifier.ErrTooFewClasses

	report, err := f.ledger.RetrainCheck(context.Background())
	require.ErrorIs(t, err, classifier.ErrTooFewClasses)
	assert.False(t, report.Retrained)
	assert.Equal(t, 12, report.Rescored)

	left, err := f.store.ListCorrections(context.Background())
	require.NoError(t, err)
	assert.Len(t, left, 12)

	series, err := testutil.GatherAndCount(f.registry, "spendlens_retrain_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestRetrainCheckPurgeFailureDoesNotDuplicateCorpus(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	models := classifier.NewModelStore(client, "")
	ledger := NewCorrectionLedger(LedgerConfig{
		Store:      f.store,
		Classifier: classifier.NewBayes(models, nil),
		Scorer:     expediency.NewScorer(f.store, f.metrics, nil).WithClock(func() time.Time { return testNow }),
		Queue:      f.queue,
		Metrics:    f.metrics,
	}).WithClock(func() time.Time { return testNow })
	f.corrections(t, 11)
	ctx := context.Background()

	f.store.FailOn["PurgeCorrections"] = transactions.ErrPersistence
	report, err := ledger.RetrainCheck(ctx)
	require.ErrorIs(t, err, transactions.ErrPersistence)
	assert.False(t, report.Retrained)

	delete(f.store.FailOn, "PurgeCorrections")
	report, err = ledger.RetrainCheck(ctx)
	require.NoError(t, err)
	assert.True(t, report.Retrained)
	assert.Equal(t, 11, report.Purged)

	corpus, err := models.Examples(ctx, classifier.BackendBayes, 0)
	require.NoError(t, err)
	assert.Len(t, corpus, 11)
}

func TestRetrainCheckSkipsVanishedTransactions(t *testing.T) {
	f := newFixture(t)
	ghost := transactions.NewDraft(f.owner, testNow, testNow, decimal.NewFromInt(5), decimal.Zero, decimal.Zero, testNow)
	require.NoError(t, f.store.AppendCorrection(context.Background(), transactions.SnapshotCorrection(ghost, "Food", testNow)))

	report, err := f.ledger.RetrainCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	assert.Zero(t, report.Rescored)
}

func TestBacklog(t *testing.T) {
	f := newFixture(t)
	backlog, err := f.ledger.Backlog(context.Background(), f.owner)
	require.NoError(t, err)
	assert.Zero(t, backlog.Pending)
	assert.Nil(t, backlog.OldestCorrectedAt)

	f.corrections(t, 3)
	backlog, err = f.ledger.Backlog(context.Background(), f.owner)
	require.NoError(t, err)
	assert.Equal(t, 3, backlog.Pending)
	require.NotNil(t, backlog.OldestCorrectedAt)
	assert.True(t, backlog.OldestCorrectedAt.Equal(testNow))

	other, err := f.ledger.Backlog(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, other.Pending)
}

func TestSweepResubmitsStaleTransactions(t *testing.T) {
	f := newFixture(t)
	stale := f.pending(t, 10)
	require.NoError(t, f.store.UpdateStatus(context.Background(), stale.ID, transactions.StatusProcessing))
	done := f.history("Food", 10)
	done.UpdatedAt = testNow.Add(-time.Hour)
	f.store.Put(done)

	later := testNow.Add(DefaultLease + time.Minute)
	sweeper := NewSweeper(f.store, f.dispatcher, 0, 0, f.metrics, nil).WithClock(func() time.Time { return later })

	count, err := sweeper.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := f.store.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusPending, got.Status)
	require.Len(t, f.queue.Jobs(jobs.TaskAnalyzeTransaction), 1)

	// within the lease nothing is stale
	fresh := NewSweeper(f.store, f.dispatcher, time.Hour, 10, nil, nil).WithClock(func() time.Time { return testNow })
	count, err = fresh.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTransactionJobHandle(t *testing.T) {
	f := newFixture(t)
	tx := f.pending(t, 10)
	handler := NewTransactionJob(f.dispatcher, nil, f.metrics)

	job, err := jobs.NewAnalyzeTransactionJob(tx.ID)
	require.NoError(t, err)
	require.NoError(t, handler.Handle(context.Background(), asynq.NewTask(job.Type, job.Payload)))

	got, err := f.store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transactions.StatusCompleted, got.Status)

	err = handler.Handle(context.Background(), asynq.NewTask(jobs.TaskAnalyzeTransaction, []byte(`{`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	f.classifier.err = classifier.ErrNotTrained
	err = handler.Handle(context.Background(), asynq.NewTask(job.Type, job.Payload))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	series, err := testutil.GatherAndCount(f.registry, "spendlens_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestRetrainAndSweepJobs(t *testing.T) {
	f := newFixture(t)
	f.corrections(t, 11)

	payload, err := json.Marshal(jobs.RetrainCheckPayload{Trigger: "cron"})
	require.NoError(t, err)
	retrain := NewRetrainJob(f.ledger, nil, f.metrics)
	require.NoError(t, retrain.Handle(context.Background(), asynq.NewTask(jobs.TaskRetrainCheck, payload)))
	assert.Equal(t, 1, f.classifier.fitCalls)

	assert.ErrorIs(t, retrain.Handle(context.Background(), asynq.NewTask(jobs.TaskRetrainCheck, []byte(`[`))), asynq.SkipRetry)

	sweeper := NewSweeper(f.store, f.dispatcher, time.Minute, 5, f.metrics, nil)
	sweep := NewSweepJob(sweeper, nil, f.metrics)
	assert.NoError(t, sweep.Handle(context.Background(), asynq.NewTask(jobs.TaskSweepStale, nil)))

	var nilJob *SweepJob
	assert.Error(t, nilJob.Handle(context.Background(), asynq.NewTask(jobs.TaskSweepStale, nil)))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			total := 0.0
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
