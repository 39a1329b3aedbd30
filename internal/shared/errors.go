package shared

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = errors.New("already exists")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrInvariant indicates the operation would break data integrity.
	ErrInvariant = errors.New("operation not permitted")
	// ErrConfirmationRequired indicates the caller must confirm a risky change.
	ErrConfirmationRequired = errors.New("confirmation required")
	// ErrForbidden indicates the caller lacks permission.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized indicates no authenticated identity.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnavailable indicates a transient store failure.
	ErrUnavailable = errors.New("temporarily unavailable")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// UserSafeMessage returns a short message that can be shown to end users.
// Store failures and unexpected errors never leak their internals.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnavailable):
		return "The system is temporarily unavailable, please retry shortly"
	case errors.Is(err, ErrForbidden):
		return "You are not allowed to perform this action"
	case errors.Is(err, ErrUnauthorized):
		return "Authentication required"
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid email or password"
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvariant),
		errors.Is(err, ErrConfirmationRequired):
		return trimPrefix(err.Error())
	default:
		return "Unexpected error"
	}
}

// ErrorCode returns a stable machine readable code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvariant):
		return "invariant_violation"
	case errors.Is(err, ErrConfirmationRequired):
		return "confirmation_required"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCredentials):
		return "unauthorized"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// trimPrefix drops the package prefix ("rbac: ") from domain messages.
func trimPrefix(msg string) string {
	if i := strings.Index(msg, ": "); i > 0 && !strings.Contains(msg[:i], " ") {
		return msg[i+2:]
	}
	return msg
}
