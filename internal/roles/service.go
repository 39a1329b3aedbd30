package roles

import (
	"context"

	"github.com/google/uuid"

	"github.com/charitydesk/charitydesk/internal/rbac"
)

// RBACPort is the subset of rbac.Service used for role management.
type RBACPort interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	GetRole(ctx context.Context, id uuid.UUID) (rbac.Role, error)
	CreateRole(ctx context.Context, input rbac.CreateRoleInput) (rbac.Role, error)
	UpdateRole(ctx context.Context, id uuid.UUID, input rbac.UpdateRoleInput) (rbac.Role, error)
	DeleteRole(ctx context.Context, id uuid.UUID) error
	RolePermissions(ctx context.Context, roleID uuid.UUID) ([]rbac.Permission, error)
	ListModules(ctx context.Context) ([]rbac.Module, error)
	AttachPermission(ctx context.Context, roleID, permissionID uuid.UUID) (rbac.Role, error)
	DetachPermission(ctx context.Context, roleID, permissionID uuid.UUID) (rbac.Role, error)
	SetRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) ([]rbac.Permission, error)
}

// Service handles role business logic.
type Service struct {
	rbac RBACPort
}

// NewService builds Service instance.
func NewService(rbac RBACPort) *Service {
	return &Service{rbac: rbac}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return s.rbac.ListRoles(ctx)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, input rbac.CreateRoleInput) (rbac.Role, error) {
	return s.rbac.CreateRole(ctx, input)
}

// UpdateRole updates the descriptive attributes of a role.
func (s *Service) UpdateRole(ctx context.Context, id uuid.UUID, input rbac.UpdateRoleInput) (rbac.Role, error) {
	return s.rbac.UpdateRole(ctx, id, input)
}

// DeleteRole removes a non-system role.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	return s.rbac.DeleteRole(ctx, id)
}

// Detail loads a role and groups its permissions by module.
func (s *Service) Detail(ctx context.Context, id uuid.UUID) (Detail, error) {
	role, err := s.rbac.GetRole(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	perms, err := s.rbac.RolePermissions(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	modules, err := s.rbac.ListModules(ctx)
	if err != nil {
		return Detail{}, err
	}
	return groupByModule(role, perms, modules), nil
}

// AttachPermission grants a permission to the role and returns the new detail.
func (s *Service) AttachPermission(ctx context.Context, roleID, permissionID uuid.UUID) (Detail, error) {
	if _, err := s.rbac.AttachPermission(ctx, roleID, permissionID); err != nil {
		return Detail{}, err
	}
	return s.Detail(ctx, roleID)
}

// DetachPermission removes a permission from the role and returns the new detail.
func (s *Service) DetachPermission(ctx context.Context, roleID, permissionID uuid.UUID) (Detail, error) {
	if _, err := s.rbac.DetachPermission(ctx, roleID, permissionID); err != nil {
		return Detail{}, err
	}
	return s.Detail(ctx, roleID)
}

// SetPermissions replaces the permission set of the role.
func (s *Service) SetPermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) (Detail, error) {
	if _, err := s.rbac.SetRolePermissions(ctx, roleID, permissionIDs); err != nil {
		return Detail{}, err
	}
	return s.Detail(ctx, roleID)
}

// groupByModule assumes modules arrive in sort order.
func groupByModule(role rbac.Role, perms []rbac.Permission, modules []rbac.Module) Detail {
	byModule := make(map[uuid.UUID][]rbac.Permission)
	detail := Detail{Role: role, Groups: []ModuleGroup{}, Ungrouped: []rbac.Permission{}}
	for _, p := range perms {
		if p.ModuleID == nil {
			detail.Ungrouped = append(detail.Ungrouped, p)
			continue
		}
		byModule[*p.ModuleID] = append(byModule[*p.ModuleID], p)
	}
	for _, m := range modules {
		grouped, ok := byModule[m.ID]
		if !ok {
			continue
		}
		detail.Groups = append(detail.Groups, ModuleGroup{Module: m, Permissions: grouped})
		delete(byModule, m.ID)
	}
	// modules deleted between the two reads
	for _, orphaned := range byModule {
		detail.Ungrouped = append(detail.Ungrouped, orphaned...)
	}
	return detail
}
