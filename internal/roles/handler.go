package roles

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// Handler manages role management endpoints.
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

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesRead, shared.PermRolesManage))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesManage))
		r.Post("/", h.createRole)
		r.Put("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Put("/{id}/permissions", h.setPermissions)
		r.Post("/{id}/permissions/{permID}", h.attachPermission)
		r.Delete("/{id}/permissions/{permID}", h.detachPermission)
	})
}

type createRoleRequest struct {
	Name           string `json:"name" validate:"required,slug,max=64"`
	DisplayName    string `json:"display_name" validate:"max=150"`
	Description    string `json:"description" validate:"max=500"`
	HierarchyLevel *int   `json:"hierarchy_level" validate:"omitempty,gte=0,lte=1000"`
}

type updateRoleRequest struct {
	DisplayName    string `json:"display_name" validate:"max=150"`
	Description    string `json:"description" validate:"max=500"`
	HierarchyLevel *int   `json:"hierarchy_level" validate:"omitempty,gte=0,lte=1000"`
}

type setPermissionsRequest struct {
	PermissionIDs []uuid.UUID `json:"permission_ids" validate:"max=1000"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	if roles == nil {
		roles = []rbac.Role{}
	}
	httpx.OK(w, http.StatusOK, roles)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.Detail(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.OK(w, http.StatusOK, detail)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.CreateRole(r.Context(), rbac.CreateRoleInput{
		Name:           req.Name,
		DisplayName:    req.DisplayName,
		Description:    req.Description,
		HierarchyLevel: req.HierarchyLevel,
	})
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.OK(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateRoleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, rbac.UpdateRoleInput(req))
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.OK(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteRole(r.Context(), id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	detail, err := h.service.SetPermissions(r.Context(), id, req.PermissionIDs)
	if err != nil {
		h.fail(w, "set role permissions", err)
		return
	}
	httpx.OK(w, http.StatusOK, detail)
}

func (h *Handler) attachPermission(w http.ResponseWriter, r *http.Request) {
	roleID, permID, ok := membershipParams(w, r)
	if !ok {
		return
	}
	detail, err := h.service.AttachPermission(r.Context(), roleID, permID)
	if err != nil {
		h.fail(w, "attach permission", err)
		return
	}
	httpx.OK(w, http.StatusOK, detail)
}

func (h *Handler) detachPermission(w http.ResponseWriter, r *http.Request) {
	roleID, permID, ok := membershipParams(w, r)
	if !ok {
		return
	}
	detail, err := h.service.DetachPermission(r.Context(), roleID, permID)
	if err != nil {
		h.fail(w, "detach permission", err)
		return
	}
	httpx.OK(w, http.StatusOK, detail)
}

func membershipParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	roleID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	permID, err := httpx.UUIDParam(r, "permID")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return roleID, permID, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
