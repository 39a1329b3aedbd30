package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      httpx.NewValidator(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/session", h.showSession)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	CSRFToken     string `json:"csrf_token"`
}

func (h *Handler) showSession(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	resp := sessionResponse{CSRFToken: token}
	if userID, ok := shared.CurrentUserID(r.Context()); ok {
		resp.Authenticated = true
		resp.UserID = userID.String()
	}
	httpx.OK(w, http.StatusOK, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, shared.ErrUnavailable)
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if httpx.StatusFor(err) >= http.StatusInternalServerError {
			h.logger.Error("authenticate", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}

	// Rotate the id so a pre-login session cannot be fixated.
	if err := h.sessionManager.Renew(r.Context(), sess); err != nil {
		h.logger.Error("renew session", slog.Any("error", err))
		httpx.RespondError(w, shared.ErrUnavailable)
		return
	}
	sess.SetUser(user.ID.String())
	sess.Delete(shared.CSRFSessionKey)
	token, _ := h.csrfManager.EnsureToken(r.Context(), sess)

	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	h.logger.Info("login", slog.String("user_id", user.ID.String()))
	httpx.OK(w, http.StatusOK, sessionResponse{Authenticated: true, UserID: user.ID.String(), CSRFToken: token})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}
