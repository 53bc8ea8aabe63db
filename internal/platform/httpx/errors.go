package httpx

import (
	"errors"
	"net/http"

	"github.com/tradefin/tradefin/internal/shared"
)

// Transport-level errors.
var (
	ErrUnauthorized = errors.New("actor identity required")
	ErrBadRequest   = errors.New("malformed request")
)

// StatusFor maps an error to its HTTP status and problem title.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrValidation), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, shared.ErrBusinessRule):
		return http.StatusUnprocessableEntity, "Business Rule Violation"
	case errors.Is(err, shared.ErrConflict), errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807. Internal
// errors carry no detail.
func RespondError(w http.ResponseWriter, err error) {
	status, title := StatusFor(err)
	detail := ""
	if status != http.StatusInternalServerError {
		detail = err.Error()
	}
	Problem(w, status, title, detail)
}
