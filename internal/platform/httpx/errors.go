package httpx

import (
	"errors"
	"net/http"

	"github.com/charitydesk/charitydesk/internal/shared"
)

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, shared.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrInvariant):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrConfirmationRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrUnauthorized), errors.Is(err, shared.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes the failure envelope matching err.
func RespondError(w http.ResponseWriter, err error) {
	Fail(w, StatusFor(err), shared.ErrorCode(err), shared.UserSafeMessage(err))
}
