package rbac

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/charitydesk/charitydesk/internal/shared"
)

// domainError carries a user-facing message while matching a shared sentinel.
type domainError struct {
	kind error
	msg  string
}

func (e *domainError) Error() string { return e.msg }

func (e *domainError) Unwrap() error { return e.kind }

func newError(kind error, msg string) error {
	return &domainError{kind: kind, msg: msg}
}

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = newError(shared.ErrNotFound, "rbac: not found")
	// ErrRoleNotFound indicates an unknown role id.
	ErrRoleNotFound = newError(shared.ErrNotFound, "role not found")
	// ErrPermissionNotFound indicates an unknown permission id.
	ErrPermissionNotFound = newError(shared.ErrNotFound, "permission not found")
	// ErrModuleNotFound indicates an unknown module id.
	ErrModuleNotFound = newError(shared.ErrNotFound, "module not found")
	// ErrAssignmentNotFound indicates the user does not hold the role.
	ErrAssignmentNotFound = newError(shared.ErrNotFound, "role assignment not found")
	// ErrUserNotFound indicates an unknown user id.
	ErrUserNotFound = newError(shared.ErrNotFound, "user not found")

	// ErrDuplicateName indicates a role, permission or module name is taken.
	ErrDuplicateName = newError(shared.ErrConflict, "name already in use")
	// ErrDuplicateAssignment indicates the user already holds the role.
	ErrDuplicateAssignment = newError(shared.ErrConflict, "user already holds this role")

	// ErrSystemEntity blocks deletion of seeded entities.
	ErrSystemEntity = newError(shared.ErrInvariant, "system roles, permissions and modules cannot be deleted")
	// ErrModuleInUse blocks deletion of a module that still groups permissions.
	ErrModuleInUse = newError(shared.ErrInvariant, "module still has permissions; move them before deleting")
	// ErrSelfAdminRevoke blocks a user from removing their own admin role.
	ErrSelfAdminRevoke = newError(shared.ErrInvariant, "cannot remove your own admin role")
)

// ValidationError reports malformed input.
func ValidationError(format string, args ...any) error {
	return newError(shared.ErrValidation, fmt.Sprintf(format, args...))
}

// ConfirmationError is returned when a revoke needs explicit confirmation.
type ConfirmationError struct {
	Reasons []string
}

func (e *ConfirmationError) Error() string {
	if len(e.Reasons) == 0 {
		return "confirmation required"
	}
	msg := "confirmation required: " + e.Reasons[0]
	for _, r := range e.Reasons[1:] {
		msg += "; " + r
	}
	return msg
}

func (e *ConfirmationError) Unwrap() error { return shared.ErrConfirmationRequired }

// BatchFailure describes one failed item of a batch operation.
type BatchFailure struct {
	ID    uuid.UUID `json:"id"`
	Error string    `json:"error"`
	Code  string    `json:"code"`
}

// BatchResult reports a best-effort batch. Items succeed or fail independently.
type BatchResult struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Failures  []BatchFailure `json:"failures,omitempty"`
}

// Partial reports whether some items failed.
func (r BatchResult) Partial() bool {
	return r.Failed > 0
}

// FailedIDs lists the ids to retry.
func (r BatchResult) FailedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Failures))
	for _, f := range r.Failures {
		ids = append(ids, f.ID)
	}
	return ids
}

// Postgres error codes mapped by translateError.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// translateError maps store errors onto the domain taxonomy. Anything not
// recognised is treated as a transient store failure.
func translateError(err error, notFound error) error {
	if err == nil {
		return nil
	}
	var de *domainError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == "user_roles_user_id_role_id_key" {
				return ErrDuplicateAssignment
			}
			return ErrDuplicateName
		case pgForeignKeyViolation:
			return foreignKeyError(pgErr.ConstraintName, notFound)
		case pgCheckViolation:
			return checkError(pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("rbac: %w: %w", shared.ErrUnavailable, err)
}

func foreignKeyError(constraint string, fallback error) error {
	switch constraint {
	case "permissions_module_id_fkey":
		return ErrModuleNotFound
	case "role_permissions_role_id_fkey", "user_roles_role_id_fkey":
		return ErrRoleNotFound
	case "role_permissions_permission_id_fkey":
		return ErrPermissionNotFound
	case "user_roles_user_id_fkey":
		return ErrUserNotFound
	default:
		return fallback
	}
}

func checkError(constraint string) error {
	switch constraint {
	case "permissions_name_check":
		return ValidationError("permission name must be resource:action")
	case "modules_sort_order_check":
		return ValidationError("sort_order must not be negative")
	default:
		return ValidationError("value rejected by %s", constraint)
	}
}

// moduleDeleteError maps a failed module delete. A permission grouped under
// the module after the caller's check surfaces as the restricting foreign key.
func moduleDeleteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation && pgErr.ConstraintName == "permissions_module_id_fkey" {
		return ErrModuleInUse
	}
	return translateError(err, ErrModuleNotFound)
}
