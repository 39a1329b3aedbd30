package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validator: httpx.NewValidator()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermUsersRead, shared.PermUserRolesManage))
		r.Get("/", h.listUsers)
		r.Get("/{id}/roles", h.userRoles)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermUserRolesManage))
		r.Post("/{id}/roles", h.grantRole)
		r.Patch("/{id}/roles/{roleID}", h.updateAssignment)
		r.Delete("/{id}/roles/{roleID}", h.revokeRole)
	})
}

type grantRoleRequest struct {
	RoleID    uuid.UUID  `json:"role_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type updateAssignmentRequest struct {
	ExpiresAt   *time.Time `json:"expires_at"`
	ClearExpiry bool       `json:"clear_expiry"`
	IsActive    *bool      `json:"is_active"`
	Confirm     bool       `json:"confirm"`
}

type confirmationBody struct {
	Reasons []string `json:"reasons"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageParams(r)
	result, err := h.service.ListUsers(r.Context(), ListFilter{
		Search:  strings.TrimSpace(r.URL.Query().Get("q")),
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		h.fail(w, "list users", err)
		return
	}
	httpx.OK(w, http.StatusOK, result)
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	overview, err := h.service.RoleOverview(r.Context(), userID)
	if err != nil {
		h.fail(w, "user roles", err)
		return
	}
	httpx.OK(w, http.StatusOK, overview)
}

func (h *Handler) grantRole(w http.ResponseWriter, r *http.Request) {
	userID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req grantRoleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.CurrentUserID(r.Context())
	assignment, err := h.service.GrantRole(r.Context(), rbac.GrantInput{
		UserID:    userID,
		RoleID:    req.RoleID,
		ActorID:   actorID,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, "grant role", err)
		return
	}
	httpx.OK(w, http.StatusCreated, assignment)
}

func (h *Handler) updateAssignment(w http.ResponseWriter, r *http.Request) {
	userID, roleID, ok := assignmentParams(w, r)
	if !ok {
		return
	}
	var req updateAssignmentRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if req.ClearExpiry && req.ExpiresAt != nil {
		httpx.RespondError(w, rbac.ValidationError("expires_at and clear_expiry are mutually exclusive"))
		return
	}
	actorID, _ := shared.CurrentUserID(r.Context())
	assignment, err := h.service.UpdateAssignment(r.Context(), rbac.UpdateAssignmentInput{
		UserID:      userID,
		RoleID:      roleID,
		ActorID:     actorID,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
		IsActive:    req.IsActive,
		Confirm:     req.Confirm,
	})
	if err != nil {
		h.fail(w, "update assignment", err)
		return
	}
	httpx.OK(w, http.StatusOK, assignment)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID, roleID, ok := assignmentParams(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.CurrentUserID(r.Context())
	assignment, err := h.service.RevokeRole(r.Context(), rbac.RevokeInput{
		UserID:  userID,
		RoleID:  roleID,
		ActorID: actorID,
		Confirm: httpx.BoolQuery(r, "confirm"),
		Hard:    httpx.BoolQuery(r, "hard"),
	})
	if err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	httpx.OK(w, http.StatusOK, assignment)
}

func assignmentParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	roleID, err := httpx.UUIDParam(r, "roleID")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, roleID, true
}

// fail answers with the error envelope. Confirmation prompts carry their
// reasons so the client can show them before retrying with confirm.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var confirm *rbac.ConfirmationError
	if errors.As(err, &confirm) {
		httpx.JSON(w, http.StatusPreconditionRequired, httpx.Envelope{
			Success: false,
			Data:    confirmationBody{Reasons: confirm.Reasons},
			Error:   shared.UserSafeMessage(err),
			Code:    shared.ErrorCode(err),
		})
		return
	}
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
