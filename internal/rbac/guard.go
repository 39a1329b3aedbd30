package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Mode selects how a list of required permissions is evaluated.
type Mode int

const (
	// ModeAny requires at least one of the permissions. It is the default for lists.
	ModeAny Mode = iota
	// ModeAll requires every permission.
	ModeAll
)

func (m Mode) String() string {
	if m == ModeAll {
		return "all"
	}
	return "any"
}

// ParseMode parses "any" or "all". The empty string yields ModeAny.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return ModeAny, nil
	case "all":
		return ModeAll, nil
	default:
		return ModeAny, ValidationError("unknown mode %q", s)
	}
}

// Requirement is the permission specification a caller must satisfy.
//
// A requirement that declares nothing allows access: pages and actions
// without a declared permission are unrestricted. One built from names that
// all normalise away denies.
type Requirement struct {
	Permissions []string
	Mode        Mode

	declared bool
}

func newRequirement(perms []string, mode Mode) Requirement {
	return Requirement{Permissions: normalizePermissions(perms), Mode: mode, declared: len(perms) > 0}
}

// Require requires a single permission.
func Require(permission string) Requirement {
	return newRequirement([]string{permission}, ModeAll)
}

// AnyOf requires at least one of perms.
func AnyOf(perms ...string) Requirement {
	return newRequirement(perms, ModeAny)
}

// AllOf requires all of perms.
func AllOf(perms ...string) Requirement {
	return newRequirement(perms, ModeAll)
}

// Empty reports whether the requirement declares no permission.
func (r Requirement) Empty() bool {
	return len(r.Permissions) == 0 && !r.declared
}

func (r Requirement) String() string {
	return fmt.Sprintf("%s(%s)", r.Mode, strings.Join(r.Permissions, ","))
}

// Allows evaluates req against the set. It costs O(len(req.Permissions)).
func (s PermissionSet) Allows(req Requirement) bool {
	if req.Empty() {
		return true
	}
	if len(req.Permissions) == 0 {
		return false
	}
	if req.Mode == ModeAll {
		for _, p := range req.Permissions {
			if !s.Has(p) {
				return false
			}
		}
		return true
	}
	for _, p := range req.Permissions {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// PermissionResolver resolves the effective permissions of a user.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (Resolution, error)
}

// Guard evaluates requirements for a user, resolving permissions on demand.
type Guard struct {
	resolver PermissionResolver
}

// NewGuard constructs a Guard.
func NewGuard(resolver PermissionResolver) *Guard {
	return &Guard{resolver: resolver}
}

// Check resolves userID and evaluates req. Resolution failures deny and
// return the error; a plain denial returns (false, nil).
func (g *Guard) Check(ctx context.Context, userID uuid.UUID, req Requirement) (bool, error) {
	if req.Empty() {
		return true, nil
	}
	if res, ok := ResolutionFromContext(ctx); ok && res.UserID == userID {
		return res.Permissions.Allows(req), nil
	}
	res, err := g.resolver.Resolve(ctx, userID)
	if err != nil {
		return false, err
	}
	return res.Permissions.Allows(req), nil
}

type resolutionContextKey struct{}

// ContextWithResolution stores a request-scoped resolution.
func ContextWithResolution(ctx context.Context, res Resolution) context.Context {
	return context.WithValue(ctx, resolutionContextKey{}, res)
}

// ResolutionFromContext returns the resolution stored by the middleware.
func ResolutionFromContext(ctx context.Context) (Resolution, bool) {
	res, ok := ctx.Value(resolutionContextKey{}).(Resolution)
	return res, ok
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = NormalizePermission(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
