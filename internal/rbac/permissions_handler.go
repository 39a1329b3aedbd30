package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// PermissionsHandler exposes the permission catalog and guard evaluation.
type PermissionsHandler struct {
	logger    *slog.Logger
	service   *Service
	resolver  PermissionResolver
	guard     *Guard
	rbac      Middleware
	validator *validator.Validate
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service, resolver PermissionResolver, rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{
		logger:    logger,
		service:   service,
		resolver:  resolver,
		guard:     NewGuard(resolver),
		rbac:      rbac,
		validator: httpx.NewValidator(),
	}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/me", h.myPermissions)
	r.Post("/check", h.checkPermissions)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsRead, shared.PermPermissionsManage))
		r.Get("/", h.listPermissions)
		r.Get("/{id}", h.getPermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(Require(shared.PermPermissionsManage)))
		r.Post("/", h.createPermission)
		r.Post("/move", h.movePermissions)
		r.Put("/{id}", h.updatePermission)
		r.Delete("/{id}", h.deletePermission)
	})
}

type createPermissionRequest struct {
	Name        string     `json:"name" validate:"omitempty,permname,max=150"`
	Resource    string     `json:"resource" validate:"omitempty,slug,max=64"`
	Action      string     `json:"action" validate:"omitempty,permaction,max=64"`
	DisplayName string     `json:"display_name" validate:"max=150"`
	Description string     `json:"description" validate:"max=500"`
	ModuleID    *uuid.UUID `json:"module_id"`
}

type updatePermissionRequest struct {
	DisplayName string     `json:"display_name" validate:"max=150"`
	Description string     `json:"description" validate:"max=500"`
	ModuleID    *uuid.UUID `json:"module_id"`
}

type movePermissionsRequest struct {
	PermissionIDs []uuid.UUID `json:"permission_ids" validate:"required,min=1,max=500"`
	ModuleID      *uuid.UUID  `json:"module_id"`
}

type checkRequest struct {
	Permissions []string `json:"permissions" validate:"max=50,dive,required,max=150"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=any all ANY ALL"`
}

type checkResponse struct {
	Allowed     bool     `json:"allowed"`
	Mode        string   `json:"mode"`
	Permissions []string `json:"permissions"`
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	filter := PermissionFilter{
		Ungrouped: httpx.BoolQuery(r, "ungrouped"),
		Resource:  strings.TrimSpace(r.URL.Query().Get("resource")),
	}
	if raw := r.URL.Query().Get("module_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, ValidationError("invalid module_id %q", raw))
			return
		}
		filter.ModuleID = &id
	}
	perms, err := h.service.ListPermissions(r.Context(), filter)
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httpx.OK(w, http.StatusOK, perms)
}

func (h *PermissionsHandler) getPermission(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, err := h.service.GetPermission(r.Context(), id)
	if err != nil {
		h.fail(w, "get permission", err)
		return
	}
	httpx.OK(w, http.StatusOK, perm)
}

func (h *PermissionsHandler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, err := h.service.CreatePermission(r.Context(), CreatePermissionInput{
		Name:        req.Name,
		Resource:    req.Resource,
		Action:      req.Action,
		DisplayName: req.DisplayName,
		Description: req.Description,
		ModuleID:    req.ModuleID,
	})
	if err != nil {
		h.fail(w, "create permission", err)
		return
	}
	httpx.OK(w, http.StatusCreated, perm)
}

func (h *PermissionsHandler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updatePermissionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, err := h.service.UpdatePermission(r.Context(), id, UpdatePermissionInput(req))
	if err != nil {
		h.fail(w, "update permission", err)
		return
	}
	httpx.OK(w, http.StatusOK, perm)
}

func (h *PermissionsHandler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeletePermission(r.Context(), id); err != nil {
		h.fail(w, "delete permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PermissionsHandler) movePermissions(w http.ResponseWriter, r *http.Request) {
	var req movePermissionsRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.MovePermissions(r.Context(), req.PermissionIDs, req.ModuleID)
	if err != nil {
		h.fail(w, "move permissions", err)
		return
	}
	if result.Partial() {
		httpx.JSON(w, http.StatusMultiStatus, httpx.Envelope{
			Success: false,
			Data:    result,
			Error:   "some permissions could not be moved",
			Code:    "partial_failure",
		})
		return
	}
	httpx.OK(w, http.StatusOK, result)
}

func (h *PermissionsHandler) myPermissions(w http.ResponseWriter, r *http.Request) {
	res, ok := h.callerResolution(w, r)
	if !ok {
		return
	}
	httpx.OK(w, http.StatusOK, res)
}

func (h *PermissionsHandler) checkPermissions(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	mode, err := ParseMode(req.Mode)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	requirement := AnyOf(req.Permissions...)
	if mode == ModeAll {
		requirement = AllOf(req.Permissions...)
	}
	userID, ok := shared.CurrentUserID(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return
	}
	allowed, err := h.guard.Check(r.Context(), userID, requirement)
	if err != nil {
		h.fail(w, "check permissions", err)
		return
	}
	httpx.OK(w, http.StatusOK, checkResponse{
		Allowed:     allowed,
		Mode:        requirement.Mode.String(),
		Permissions: requirement.Permissions,
	})
}

// callerResolution resolves the authenticated caller, answering 401 or 503 itself.
func (h *PermissionsHandler) callerResolution(w http.ResponseWriter, r *http.Request) (Resolution, bool) {
	userID, ok := shared.CurrentUserID(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthorized)
		return Resolution{}, false
	}
	if res, ok := ResolutionFromContext(r.Context()); ok && res.UserID == userID {
		return res, true
	}
	res, err := h.resolver.Resolve(r.Context(), userID)
	if err != nil {
		h.fail(w, "resolve caller permissions", err)
		return Resolution{}, false
	}
	return res, true
}

func (h *PermissionsHandler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
