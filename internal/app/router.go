package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/charitydesk/charitydesk/internal/audit/http"
	"github.com/charitydesk/charitydesk/internal/auth"
	"github.com/charitydesk/charitydesk/internal/observability"
	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/roles"
	"github.com/charitydesk/charitydesk/internal/shared"
	"github.com/charitydesk/charitydesk/internal/users"
	"github.com/charitydesk/charitydesk/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Metrics        *observability.Metrics

	AuthHandler        *auth.Handler
	PermissionsHandler *rbac.PermissionsHandler
	ModulesHandler     *rbac.ModulesHandler
	RolesHandler       *roles.Handler
	UsersHandler       *users.Handler
	AuditHandler       *audithttp.Handler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router with CharityDesk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	// Probes bypass sessions, CSRF and rate limiting.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         params.Logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			CSRFManager:    params.CSRFManager,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}
		r.Use(chimw.Logger)

		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.ModulesHandler != nil {
			r.Route("/modules", params.ModulesHandler.MountRoutes)
		}
		if params.RolesHandler != nil {
			r.Route("/roles", params.RolesHandler.MountRoutes)
		}
		if params.UsersHandler != nil {
			r.Route("/users", params.UsersHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Fail(w, http.StatusNotFound, "not_found", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Fail(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	return r
}
