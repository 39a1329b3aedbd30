package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charitydesk/charitydesk/internal/auth"
	"github.com/charitydesk/charitydesk/internal/observability"
	"github.com/charitydesk/charitydesk/internal/shared"
	"github.com/charitydesk/charitydesk/jobs"
)

type noUsers struct{}

func (noUsers) FindByEmail(context.Context, string) (*auth.User, error) {
	return nil, shared.ErrNotFound
}

func (noUsers) CreateSession(context.Context, string, uuid.UUID, time.Time, string, string) error {
	return nil
}

func (noUsers) DeleteSession(context.Context, string) error { return nil }

func newTestRouter(t *testing.T) (http.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := shared.NewSessionManager(client, "cd_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")
	cfg := &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second, AppRateLimit: 1000}
	router := NewRouter(RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessions,
		CSRFManager:    csrf,
		Metrics:        observability.NewMetrics(),
		AuthHandler:    auth.NewHandler(logger, auth.NewService(noUsers{}), sessions, csrf),
		JobHandler:     jobs.NewHandler(nil, logger),
	})
	return router, sessions
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Empty(t, rr.Result().Cookies(), "probes must not create sessions")
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), `"code":"not_found"`)
}

func TestCSRFRequiredForUnsafeMethods(t *testing.T) {
	router, sessions := newTestRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), `"code":"csrf"`)

	// Fetch a token bound to a fresh session.
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/session", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var env struct {
		Data struct {
			CSRFToken string `json:"csrf_token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.NotEmpty(t, env.Data.CSRFToken)
	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessions.CookieName() {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "session cookie must be set")

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"nobody@example.org","password":"whatever1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(shared.CSRFHeader, env.Data.CSRFToken)
	req.AddCookie(cookie)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSecurityHeaders(t *testing.T) {
	router, _ := newTestRouter(t)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
}
