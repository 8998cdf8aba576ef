package ledgerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendlens/spendlens/internal/analysis"
	"github.com/spendlens/spendlens/internal/expediency"
	jobmetrics "github.com/spendlens/spendlens/internal/jobs"
	"github.com/spendlens/spendlens/internal/ledger"
	"github.com/spendlens/spendlens/internal/platform/cache"
	"github.com/spendlens/spendlens/internal/platform/idempotency"
	"github.com/spendlens/spendlens/internal/transactions"
	"github.com/spendlens/spendlens/internal/transactions/memstore"
	"github.com/spendlens/spendlens/jobs"
)

const statementText = `Баланс на 01.01.24 1 000.00 i
01.01.24 12:30 02.01.24 -200.00 i Кафе
03.01.24 03.01.24 + 50.00 i Перевод
Баланс на 31.01.24 850.00 i
`

var testNow = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	router   http.Handler
	store    *memstore.Store
	queue    *jobs.MemoryQueue
	registry *prometheus.Registry
	redis    *miniredis.Miniredis
	owner    uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New().WithClock(func() time.Time { return testNow })
	queue := jobs.NewMemoryQueue()
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	scorer := expediency.NewScorer(store, metrics, nil).WithClock(func() time.Time { return testNow })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dispatcher := analysis.NewDispatcher(analysis.DispatcherConfig{Store: store, Scorer: scorer, Queue: queue, Metrics: metrics})
	corrections := analysis.NewCorrectionLedger(analysis.LedgerConfig{Store: store, Scorer: scorer, Queue: queue, Metrics: metrics})
	service := ledger.NewService(ledger.ServiceConfig{
		Store:      store,
		Dispatcher: dispatcher,
		Corrector:  corrections,
		Cache:      cache.NewResponseCache(client, time.Minute, nil),
		Metrics:    metrics,
	}).WithClock(func() time.Time { return testNow })

	r := chi.NewRouter()
	handler := NewHandler(nil, service, 1024).WithIdempotency(idempotency.NewStore(client, time.Hour))
	r.Route("/api/v1", handler.MountRoutes)
	return &harness{router: r, store: store, queue: queue, registry: reg, redis: mr, owner: uuid.New()}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Id", h.owner.String())
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *harness) upload(t *testing.T, content string) *httptest.ResponseRecorder {
	t.Helper()
	return h.uploadWithKey(t, content, "")
}

func (h *harness) uploadWithKey(t *testing.T, content, key string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "statement.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions/statement?bank=tbank&user_id="+h.owner.String(), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestCreateTransactionSubmitsForAnalysis(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/api/v1/transactions", map[string]any{
		"entry_date": "2024-01-15",
		"withdraw":   "120.50",
		"balance":    "879.50",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	tx := decode[transactions.Transaction](t, rr)
	assert.Equal(t, h.owner, tx.UserID)
	assert.Equal(t, transactions.StatusPending, tx.Status)
	assert.True(t, tx.Withdraw.Equal(decimal.RequireFromString("120.50")))
	assert.Equal(t, tx.EntryDate, tx.ReceiptDate)

	queued := h.queue.Jobs(jobs.TaskAnalyzeTransaction)
	require.Len(t, queued, 1)
	payload, err := jobs.DecodeAnalyzeTransaction(queued[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, payload.TransactionID)
}

func TestCreateTransactionValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]map[string]any{
		"both amounts":    {"entry_date": "2024-01-15", "withdraw": "1", "deposit": "1"},
		"no amount":       {"entry_date": "2024-01-15"},
		"bad date":        {"entry_date": "15.01.2024", "withdraw": "1"},
		"missing date":    {"withdraw": "1"},
		"receipt earlier": {"entry_date": "2024-01-15", "receipt_date": "2024-01-10", "withdraw": "1"},
		"unknown field":   {"entry_date": "2024-01-15", "withdraw": "1", "memo": "x"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := h.do(t, http.MethodPost, "/api/v1/transactions", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
		})
	}
	assert.Zero(t, h.store.Len())
}

func TestOwnerIsRequired(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/transactions?user_id=nope", nil)
	rr = httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestImportStatement(t *testing.T) {
	h := newHarness(t)
	rr := h.upload(t, statementText)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	result := decode[ledger.ImportResult](t, rr)
	assert.Equal(t, 2, result.Total)
	require.Len(t, result.Results, 2)
	assert.True(t, result.Results[0].Balance.Equal(decimal.NewFromInt(800)))
	assert.True(t, result.Results[1].Balance.Equal(decimal.NewFromInt(850)))
	assert.True(t, result.Reconciliation.Reconciled)
	assert.Equal(t, "tbank", result.Reconciliation.Bank)

	assert.Equal(t, 2, h.store.Len())
	assert.Len(t, h.queue.Jobs(jobs.TaskAnalyzeTransaction), 2)

	list := h.do(t, http.MethodGet, "/api/v1/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, list.Code)
	page := decode[ledger.Page](t, list)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Results, 1)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), page.Results[0].ReceiptDate)
}

func TestImportStatementUnreconciled(t *testing.T) {
	h := newHarness(t)
	text := strings.Replace(statementText, "Баланс на 31.01.24 850.00", "Баланс на 31.01.24 900.00", 1)
	rr := h.upload(t, text)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	result := decode[ledger.ImportResult](t, rr)
	assert.False(t, result.Reconciliation.Reconciled)
	assert.True(t, result.Reconciliation.Discrepancy.Equal(decimal.NewFromInt(50)))

	series, err := testutil.GatherAndCount(h.registry, "spendlens_statement_unreconciled_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestImportStatementRejectsMalformedInput(t *testing.T) {
	h := newHarness(t)
	rr := h.upload(t, "Баланс на 01.01.24 1 000.00 i\n01.01.24 31.02.24 -5.00 i\nБаланс на 31.01.24 995.00 i\n")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Zero(t, h.store.Len())
	assert.Empty(t, h.queue.Jobs())

	rr = h.upload(t, strings.Repeat("x", 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	rr = h.do(t, http.MethodPost, "/api/v1/transactions/statement", map[string]string{"source_uri": "gs://bucket/a.pdf"})
	assert.Equal(t, http.StatusNotImplemented, rr.Code)

	rr = h.do(t, http.MethodPost, "/api/v1/transactions/statement", map[string]string{"source_uri": "s3://bucket/a.pdf"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestShowTransactionIsCachedAndScopedToOwner(t *testing.T) {
	h := newHarness(t)
	created := decode[transactions.Transaction](t, h.do(t, http.MethodPost, "/api/v1/transactions", map[string]any{
		"entry_date": "2024-01-15", "deposit": "10",
	}))

	rr := h.do(t, http.MethodGet, "/api/v1/transactions/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, created.ID, decode[transactions.Transaction](t, rr).ID)
	assert.Len(t, h.redis.Keys(), 1)

	other := *h
	other.owner = uuid.New()
	rr = other.do(t, http.MethodGet, "/api/v1/transactions/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/v1/transactions/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/v1/transactions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCorrectCategory(t *testing.T) {
	h := newHarness(t)
	created := decode[transactions.Transaction](t, h.do(t, http.MethodPost, "/api/v1/transactions", map[string]any{
		"entry_date": "2024-01-20", "withdraw": "40",
	}))
	path := "/api/v1/transactions/" + created.ID.String()

	// warm the cache so the correction must invalidate it
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, path, nil).Code)

	rr := h.do(t, http.MethodPatch, path+"/category", map[string]string{"category": "Food"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Food", decode[transactions.Transaction](t, rr).CategoryValue())

	shown := decode[transactions.Transaction](t, h.do(t, http.MethodGet, path, nil))
	assert.Equal(t, "Food", shown.CategoryValue())

	rr = h.do(t, http.MethodPatch, path+"/category", map[string]string{"category": ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	other := *h
	other.owner = uuid.New()
	rr = other.do(t, http.MethodPatch, path+"/category", map[string]string{"category": "Food"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	backlog := h.do(t, http.MethodGet, "/api/v1/corrections/backlog", nil)
	require.Equal(t, http.StatusOK, backlog.Code)
	got := decode[analysis.Backlog](t, backlog)
	assert.Equal(t, 1, got.Pending)
	require.NotNil(t, got.OldestCorrectedAt)
	assert.Len(t, h.queue.Jobs(jobs.TaskRetrainCheck), 1)

	records, err := h.store.ListCorrections(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestListFiltersValidation(t *testing.T) {
	h := newHarness(t)
	for _, query := range []string{"start_date=01.01.2024", "limit=-1", "offset=x", "status=archived"} {
		rr := h.do(t, http.MethodGet, "/api/v1/transactions?"+query, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, query)
	}
	rr := h.do(t, http.MethodGet, "/api/v1/transactions?status=PENDING&start_date=2024-01-01&end_date=2024-12-31", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[ledger.Page](t, rr)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Results)
}

func TestImportStatementIdempotencyKey(t *testing.T) {
	h := newHarness(t)

	rr := h.uploadWithKey(t, "garbage", "march")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.uploadWithKey(t, statementText, "march")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = h.uploadWithKey(t, statementText, "march")
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.Equal(t, 2, h.store.Len())

	rr = h.uploadWithKey(t, statementText, "april")
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, 4, h.store.Len())
}
