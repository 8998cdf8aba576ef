// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/spendlens/spendlens/internal/analysis"
	"github.com/spendlens/spendlens/internal/ledger"
	"github.com/spendlens/spendlens/internal/platform/idempotency"
	"github.com/spendlens/spendlens/internal/statement"
	"github.com/spendlens/spendlens/internal/transactions"
)

// Sentinel errors for the transport layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, transactions.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation),
		errors.Is(err, transactions.ErrInvalid),
		errors.Is(err, analysis.ErrInvalidCategory):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, statement.ErrParse),
		errors.Is(err, statement.ErrDateFormat),
		errors.Is(err, statement.ErrUnsupportedBank),
		errors.Is(err, statement.ErrUnreadableDocument),
		errors.Is(err, statement.ErrSourceURI):
		Problem(w, http.StatusBadRequest, "Statement Rejected", err.Error())
	case errors.Is(err, statement.ErrTooLarge):
		Problem(w, http.StatusRequestEntityTooLarge, "Statement Too Large", err.Error())
	case errors.Is(err, ledger.ErrSourceDisabled):
		Problem(w, http.StatusNotImplemented, "Source Disabled", err.Error())
	case errors.Is(err, idempotency.ErrConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
