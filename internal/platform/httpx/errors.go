package httpx

import (
	"errors"
	"net/http"

	"github.com/tresoria/backoffice/internal/shared"
)

// RespondError maps treasury core errors to HTTP responses using RFC7807.
// Every guard failure wraps one of the shared sentinels, so the mapping
// stays exhaustive without the transport knowing individual rules.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrStateConflict):
		Problem(w, http.StatusConflict, "State Conflict", err.Error())
	case errors.Is(err, shared.ErrCapacityExceeded):
		Problem(w, http.StatusInsufficientStorage, "Sequence Exhausted", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
