package rbac

import (
	"log/slog"
	"net/http"

	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// DecisionRecorder counts authorization outcomes.
type DecisionRecorder interface {
	RecordDecision(decision, mode string)
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Resolver PermissionResolver
	Logger   *slog.Logger
	Metrics  DecisionRecorder
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.Require(AnyOf(perms...))
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.Require(AllOf(perms...))
}

// Require guards the handler with req. The caller's resolution is computed
// once per request and stored in the context for nested checks. Resolution
// failures deny with 503.
func (m Middleware) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if req.Empty() {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := shared.CurrentUserID(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}

			res, cached := ResolutionFromContext(r.Context())
			if !cached || res.UserID != userID {
				var err error
				res, err = m.Resolver.Resolve(r.Context(), userID)
				if err != nil {
					m.record("error", req)
					m.logger().Error("rbac resolve", slog.String("user_id", userID.String()), slog.String("requirement", req.String()), slog.Any("error", err))
					httpx.RespondError(w, err)
					return
				}
			}

			if !res.Permissions.Allows(req) {
				m.record("deny", req)
				m.logger().Info("rbac denied", slog.String("user_id", userID.String()), slog.String("requirement", req.String()))
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			m.record("allow", req)
			next.ServeHTTP(w, r.WithContext(ContextWithResolution(r.Context(), res)))
		})
	}
}

func (m Middleware) record(decision string, req Requirement) {
	if m.Metrics != nil {
		m.Metrics.RecordDecision(decision, req.Mode.String())
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
