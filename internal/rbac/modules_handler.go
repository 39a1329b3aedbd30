package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/charitydesk/charitydesk/internal/platform/httpx"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// ModulesHandler manages permission modules.
type ModulesHandler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	validator *validator.Validate
}

// NewModulesHandler builds ModulesHandler instance.
func NewModulesHandler(logger *slog.Logger, service *Service, rbac Middleware) *ModulesHandler {
	return &ModulesHandler{logger: logger, service: service, rbac: rbac, validator: httpx.NewValidator()}
}

// MountRoutes registers module routes.
func (h *ModulesHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsRead, shared.PermModulesManage))
		r.Get("/", h.listModules)
		r.Get("/{id}", h.getModule)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(Require(shared.PermModulesManage)))
		r.Post("/", h.createModule)
		r.Post("/reorder", h.reorderModules)
		r.Put("/{id}", h.updateModule)
		r.Delete("/{id}", h.deleteModule)
	})
}

type createModuleRequest struct {
	Name        string `json:"name" validate:"required,slug,max=64"`
	DisplayName string `json:"display_name" validate:"max=150"`
	Description string `json:"description" validate:"max=500"`
	Icon        string `json:"icon" validate:"max=64"`
	Color       string `json:"color" validate:"omitempty,max=32"`
	SortOrder   int    `json:"sort_order" validate:"gte=0"`
}

type updateModuleRequest struct {
	DisplayName string `json:"display_name" validate:"max=150"`
	Description string `json:"description" validate:"max=500"`
	Icon        string `json:"icon" validate:"max=64"`
	Color       string `json:"color" validate:"omitempty,max=32"`
}

type reorderModulesRequest struct {
	ModuleIDs []uuid.UUID `json:"module_ids" validate:"required,min=1,max=500"`
}

func (h *ModulesHandler) listModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.service.ListModules(r.Context())
	if err != nil {
		h.fail(w, "list modules", err)
		return
	}
	if modules == nil {
		modules = []Module{}
	}
	httpx.OK(w, http.StatusOK, modules)
}

func (h *ModulesHandler) getModule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	module, err := h.service.GetModule(r.Context(), id)
	if err != nil {
		h.fail(w, "get module", err)
		return
	}
	httpx.OK(w, http.StatusOK, module)
}

func (h *ModulesHandler) createModule(w http.ResponseWriter, r *http.Request) {
	var req createModuleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	module, err := h.service.CreateModule(r.Context(), CreateModuleInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Icon:        req.Icon,
		Color:       req.Color,
		SortOrder:   req.SortOrder,
	})
	if err != nil {
		h.fail(w, "create module", err)
		return
	}
	httpx.OK(w, http.StatusCreated, module)
}

func (h *ModulesHandler) updateModule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req updateModuleRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	module, err := h.service.UpdateModule(r.Context(), id, UpdateModuleInput(req))
	if err != nil {
		h.fail(w, "update module", err)
		return
	}
	httpx.OK(w, http.StatusOK, module)
}

func (h *ModulesHandler) deleteModule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteModule(r.Context(), id); err != nil {
		h.fail(w, "delete module", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reorderModules rewrites sort orders atomically. Clients reload the list on
// any failure.
func (h *ModulesHandler) reorderModules(w http.ResponseWriter, r *http.Request) {
	var req reorderModulesRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	modules, err := h.service.ReorderModules(r.Context(), req.ModuleIDs)
	if err != nil {
		h.fail(w, "reorder modules", err)
		return
	}
	httpx.OK(w, http.StatusOK, modules)
}

func (h *ModulesHandler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
