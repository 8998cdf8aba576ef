package ledgerhttp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/spendlens/spendlens/internal/ledger"
	"github.com/spendlens/spendlens/internal/platform/httpx"
	"github.com/spendlens/spendlens/internal/platform/idempotency"
	"github.com/spendlens/spendlens/internal/statement"
	"github.com/spendlens/spendlens/internal/transactions"
)

const (
	dateLayout        = "2006-01-02"
	ownerHeader       = "User-Id"
	idempotencyHeader = "Idempotency-Key"
	idempotencyModule = "statement"
	multipartOverhead = 1 << 20
)

// Handler wires the transactions JSON API.
type Handler struct {
	logger    *slog.Logger
	service   *ledger.Service
	validator *validator.Validate
	maxBytes  int64
	idem      *idempotency.Store
}

// NewHandler constructs handler. maxBytes bounds statement uploads.
func NewHandler(logger *slog.Logger, service *ledger.Service, maxBytes int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New(), maxBytes: maxBytes}
}

// WithIdempotency enables Idempotency-Key handling on statement imports.
func (h *Handler) WithIdempotency(store *idempotency.Store) *Handler {
	h.idem = store
	return h
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.listTransactions)
		r.Post("/", h.createTransaction)
		r.Post("/statement", h.importStatement)
		r.Get("/{id}", h.showTransaction)
		r.Patch("/{id}/category", h.correctCategory)
	})
	r.Get("/corrections/backlog", h.backlog)
}

type createRequest struct {
	EntryDate   string          `json:"entry_date" validate:"required,datetime=2006-01-02"`
	ReceiptDate string          `json:"receipt_date" validate:"omitempty,datetime=2006-01-02"`
	Withdraw    decimal.Decimal `json:"withdraw"`
	Deposit     decimal.Decimal `json:"deposit"`
	Balance     decimal.Decimal `json:"balance"`
}

type categoryRequest struct {
	Category string `json:"category" validate:"required,max=64"`
}

type sourceRequest struct {
	SourceURI string `json:"source_uri" validate:"required,startswith=gs://"`
}

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req createRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	entry, _ := time.Parse(dateLayout, req.EntryDate)
	var receipt time.Time
	if req.ReceiptDate != "" {
		receipt, _ = time.Parse(dateLayout, req.ReceiptDate)
	}
	tx, err := h.service.CreateTransaction(r.Context(), ledger.CreateInput{
		Owner:       owner,
		EntryDate:   entry,
		ReceiptDate: receipt,
		Withdraw:    req.Withdraw,
		Deposit:     req.Deposit,
		Balance:     req.Balance,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filters.UserID = owner
	page, err := h.service.ListTransactions(r.Context(), filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) showTransaction(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), owner, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) correctCategory(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req categoryRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	tx, err := h.service.CorrectCategory(r.Context(), owner, id, req.Category)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) importStatement(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in := ledger.ImportInput{Owner: owner, Bank: r.URL.Query().Get("bank")}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		data, err := h.readUpload(w, r)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in.Data = data
	} else {
		var req sourceRequest
		if err := h.decode(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
		in.SourceURI = req.SourceURI
	}
	idemKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if idemKey != "" && h.idem != nil {
		idemKey = owner.String() + ":" + idemKey
		if err := h.idem.CheckAndInsert(r.Context(), idemKey, idempotencyModule); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	result, err := h.service.ImportStatement(r.Context(), in)
	if err != nil {
		if idemKey != "" && h.idem != nil {
			if delErr := h.idem.Delete(r.Context(), idemKey, idempotencyModule); delErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", delErr))
			}
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) backlog(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	backlog, err := h.service.Backlog(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, backlog)
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, statement.ErrTooLarge
		}
		return nil, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: file is required", httpx.ErrValidation)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxBytes {
		return nil, statement.ErrTooLarge
	}
	return data, nil
}

func (h *Handler) decode(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %s", httpx.ErrValidation, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("transactions api",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	httpx.RespondError(w, err)
}

func ownerFrom(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.Header.Get(ownerHeader))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("user_id"))
	}
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: user id required", httpx.ErrUnauthorized)
	}
	owner, err := uuid.Parse(raw)
	if err != nil || owner == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: malformed user id", httpx.ErrValidation)
	}
	return owner, nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed transaction id", httpx.ErrValidation)
	}
	return id, nil
}

func parseFilters(r *http.Request) (transactions.ListFilters, error) {
	q := r.URL.Query()
	var filters transactions.ListFilters
	for name, target := range map[string]**time.Time{"start_date": &filters.StartDate, "end_date": &filters.EndDate} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return filters, fmt.Errorf("%w: %s must be YYYY-MM-DD", httpx.ErrValidation, name)
		}
		*target = &parsed
	}
	for name, target := range map[string]*int{"offset": &filters.Offset, "limit": &filters.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filters, fmt.Errorf("%w: %s must be a non-negative integer", httpx.ErrValidation, name)
		}
		*target = n
	}
	filters.Status = transactions.Status(strings.ToLower(q.Get("status")))
	return filters, nil
}
