package audithttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/shared"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes registers the timeline and CSV export endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Fail(w, http.StatusTooManyRequests, "rate_limited", "Too many export requests")
		}),
	)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermAuditRead))
		r.Get("/", h.handleTimeline)
		r.With(limiter).Get("/export.csv", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		if user := strings.TrimSpace(sess.User()); user != "" {
			return "user:" + user, nil
		}
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
