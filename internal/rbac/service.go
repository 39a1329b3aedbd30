package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/charitydesk/charitydesk/internal/shared"
)

// DefaultAdminRole is the conventional name of the administrative role.
const DefaultAdminRole = "admin"

// AuditRecorder persists audit entries for RBAC mutations.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig tunes the Service.
type ServiceConfig struct {
	AdminRole       string
	MoveConcurrency int
}

// Service orchestrates RBAC operations. Every mutation returns the updated
// entity and invalidates the permission cache when effective permissions may
// have changed.
type Service struct {
	repo            Repository
	cache           PermissionCache
	audit           AuditRecorder
	logger          *slog.Logger
	adminRole       string
	moveConcurrency int
	now             func() time.Time
}

// NewService constructs a Service. cache and audit may be nil.
func NewService(repo Repository, cache PermissionCache, audit AuditRecorder, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	adminRole := NormalizeSlug(cfg.AdminRole)
	if adminRole == "" {
		adminRole = DefaultAdminRole
	}
	concurrency := cfg.MoveConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Service{
		repo:            repo,
		cache:           cache,
		audit:           audit,
		logger:          logger,
		adminRole:       adminRole,
		moveConcurrency: concurrency,
		now:             time.Now,
	}
}

// SetClock overrides the clock used for assignment validity.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// AdminRole returns the configured administrative role name.
func (s *Service) AdminRole() string {
	return s.adminRole
}

// CreatePermissionInput describes a new permission. Name is derived from
// Resource and Action when empty, and vice versa.
type CreatePermissionInput struct {
	Name        string
	Resource    string
	Action      string
	DisplayName string
	Description string
	ModuleID    *uuid.UUID
	IsSystem    bool
}

// UpdatePermissionInput carries the editable attributes of a permission.
// A nil ModuleID ungroups the permission.
type UpdatePermissionInput struct {
	DisplayName string
	Description string
	ModuleID    *uuid.UUID
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	return s.repo.ListPermissions(ctx, filter)
}

// GetPermission fetches a permission by ID.
func (s *Service) GetPermission(ctx context.Context, id uuid.UUID) (Permission, error) {
	return s.repo.GetPermission(ctx, id)
}

// CreatePermission adds a permission to the catalog. The admin role receives
// every new permission.
func (s *Service) CreatePermission(ctx context.Context, input CreatePermissionInput) (Permission, error) {
	name := NormalizePermission(input.Name)
	resource := NormalizeSlug(input.Resource)
	action := NormalizeSlug(input.Action)
	switch {
	case name == "" && (resource == "" || action == ""):
		return Permission{}, ValidationError("permission name or resource and action required")
	case name == "":
		name = PermissionName(resource, action)
	case resource == "" || action == "":
		var ok bool
		resource, action, ok = SplitPermissionName(name)
		if !ok {
			return Permission{}, ValidationError("permission name must be resource:action")
		}
	}
	if !ValidPermissionName(name) {
		return Permission{}, ValidationError("permission name %q must be resource:action using [a-z0-9_.-]", name)
	}
	if input.ModuleID != nil {
		if _, err := s.repo.GetModule(ctx, *input.ModuleID); err != nil {
			return Permission{}, err
		}
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = DisplayName(resource + " " + action)
	}

	perm, err := s.repo.CreatePermission(ctx, Permission{
		ID:          uuid.New(),
		Name:        name,
		DisplayName: displayName,
		Description: strings.TrimSpace(input.Description),
		Resource:    resource,
		Action:      action,
		IsSystem:    input.IsSystem,
		ModuleID:    input.ModuleID,
	})
	if err != nil {
		return Permission{}, err
	}
	s.grantToAdmin(ctx, perm)
	s.record(ctx, "permission.create", "permission", perm.ID, map[string]any{"name": perm.Name})
	return perm, nil
}

func (s *Service) grantToAdmin(ctx context.Context, perm Permission) {
	admin, err := s.repo.GetRoleByName(ctx, s.adminRole)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Warn("load admin role", slog.Any("error", err))
		}
		return
	}
	if err := s.repo.AttachPermission(ctx, admin.ID, perm.ID); err != nil {
		s.logger.Warn("grant permission to admin role", slog.String("permission", perm.Name), slog.Any("error", err))
		return
	}
	s.invalidate(ctx)
}

// UpdatePermission rewrites the editable attributes of a permission.
func (s *Service) UpdatePermission(ctx context.Context, id uuid.UUID, input UpdatePermissionInput) (Permission, error) {
	current, err := s.repo.GetPermission(ctx, id)
	if err != nil {
		return Permission{}, err
	}
	if input.ModuleID != nil {
		if _, err := s.repo.GetModule(ctx, *input.ModuleID); err != nil {
			return Permission{}, err
		}
	}
	current.DisplayName = strings.TrimSpace(input.DisplayName)
	if current.DisplayName == "" {
		current.DisplayName = DisplayName(current.Resource + " " + current.Action)
	}
	current.Description = strings.TrimSpace(input.Description)
	current.ModuleID = input.ModuleID
	updated, err := s.repo.UpdatePermission(ctx, current)
	if err != nil {
		return Permission{}, err
	}
	s.record(ctx, "permission.update", "permission", id, nil)
	return updated, nil
}

// DeletePermission removes a non-system permission.
func (s *Service) DeletePermission(ctx context.Context, id uuid.UUID) error {
	perm, err := s.repo.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	if perm.IsSystem {
		return ErrSystemEntity
	}
	if err := s.repo.DeletePermission(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.record(ctx, "permission.delete", "permission", id, map[string]any{"name": perm.Name})
	return nil
}

// MovePermissions reassigns each permission to moduleID, or ungroups them
// when moduleID is nil. Items succeed or fail independently; failures are
// reported in input order.
func (s *Service) MovePermissions(ctx context.Context, ids []uuid.UUID, moduleID *uuid.UUID) (BatchResult, error) {
	ids = dedupeIDs(ids)
	if len(ids) == 0 {
		return BatchResult{}, ValidationError("at least one permission id required")
	}
	if moduleID != nil {
		if _, err := s.repo.GetModule(ctx, *moduleID); err != nil {
			return BatchResult{}, err
		}
	}

	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(s.moveConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			_, errs[i] = s.repo.SetPermissionModule(ctx, id, moduleID)
			return nil
		})
	}
	_ = g.Wait()

	var result BatchResult
	for i, err := range errs {
		if err == nil {
			result.Succeeded++
			continue
		}
		result.Failed++
		result.Failures = append(result.Failures, BatchFailure{
			ID:    ids[i],
			Error: shared.UserSafeMessage(err),
			Code:  shared.ErrorCode(err),
		})
		s.logger.Warn("move permission", slog.String("permission_id", ids[i].String()), slog.Any("error", err))
	}
	if result.Succeeded > 0 {
		meta := map[string]any{"succeeded": result.Succeeded, "failed": result.Failed, "module_id": nil}
		if moduleID != nil {
			meta["module_id"] = moduleID.String()
		}
		s.record(ctx, "permission.move", "permission", uuid.Nil, meta)
	}
	return result, nil
}

// CreateModuleInput describes a new module.
type CreateModuleInput struct {
	Name        string
	DisplayName string
	Description string
	Icon        string
	Color       string
	SortOrder   int
	IsSystem    bool
}

// UpdateModuleInput carries the editable attributes of a module.
type UpdateModuleInput struct {
	DisplayName string
	Description string
	Icon        string
	Color       string
}

// ListModules returns modules in presentation order.
func (s *Service) ListModules(ctx context.Context) ([]Module, error) {
	return s.repo.ListModules(ctx)
}

// GetModule fetches a module by ID.
func (s *Service) GetModule(ctx context.Context, id uuid.UUID) (Module, error) {
	return s.repo.GetModule(ctx, id)
}

// CreateModule adds a module. Without an explicit sort order it is appended.
func (s *Service) CreateModule(ctx context.Context, input CreateModuleInput) (Module, error) {
	name := NormalizeSlug(input.Name)
	if name == "" {
		return Module{}, ValidationError("module name required")
	}
	if input.SortOrder < 0 {
		return Module{}, ValidationError("sort order must not be negative")
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = DisplayName(name)
	}
	module, err := s.repo.CreateModule(ctx, Module{
		ID:          uuid.New(),
		Name:        name,
		DisplayName: displayName,
		Description: strings.TrimSpace(input.Description),
		Icon:        strings.TrimSpace(input.Icon),
		Color:       strings.TrimSpace(input.Color),
		SortOrder:   input.SortOrder,
		IsSystem:    input.IsSystem,
	})
	if err != nil {
		return Module{}, err
	}
	s.record(ctx, "module.create", "module", module.ID, map[string]any{"name": module.Name})
	return module, nil
}

// UpdateModule rewrites the editable attributes of a module.
func (s *Service) UpdateModule(ctx context.Context, id uuid.UUID, input UpdateModuleInput) (Module, error) {
	current, err := s.repo.GetModule(ctx, id)
	if err != nil {
		return Module{}, err
	}
	current.DisplayName = strings.TrimSpace(input.DisplayName)
	if current.DisplayName == "" {
		current.DisplayName = DisplayName(current.Name)
	}
	current.Description = strings.TrimSpace(input.Description)
	current.Icon = strings.TrimSpace(input.Icon)
	current.Color = strings.TrimSpace(input.Color)
	updated, err := s.repo.UpdateModule(ctx, current)
	if err != nil {
		return Module{}, err
	}
	s.record(ctx, "module.update", "module", id, nil)
	return updated, nil
}

// DeleteModule removes a non-system module that groups no permissions.
func (s *Service) DeleteModule(ctx context.Context, id uuid.UUID) error {
	module, err := s.repo.GetModule(ctx, id)
	if err != nil {
		return err
	}
	if module.IsSystem {
		return ErrSystemEntity
	}
	if module.PermissionsCount > 0 {
		return ErrModuleInUse
	}
	if err := s.repo.DeleteModule(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "module.delete", "module", id, map[string]any{"name": module.Name})
	return nil
}

// ReorderModules assigns sort orders 1..N following ids in one transaction.
// On error nothing is written and callers should reload the module list.
func (s *Service) ReorderModules(ctx context.Context, ids []uuid.UUID) ([]Module, error) {
	if len(ids) == 0 {
		return nil, ValidationError("at least one module id required")
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return nil, ValidationError("module %s listed more than once", id)
		}
		seen[id] = struct{}{}
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for i, id := range ids {
			if _, err := tx.GetModule(ctx, id); err != nil {
				return err
			}
			if err := tx.SetModuleSortOrder(ctx, id, i+1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, "module.reorder", "module", uuid.Nil, map[string]any{"count": len(ids)})
	return s.repo.ListModules(ctx)
}

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Name           string
	DisplayName    string
	Description    string
	HierarchyLevel *int
	IsSystem       bool
}

// UpdateRoleInput carries the editable attributes of a role.
type UpdateRoleInput struct {
	DisplayName    string
	Description    string
	HierarchyLevel *int
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// CreateRole inserts a new role.
func (s *Service) CreateRole(ctx context.Context, input CreateRoleInput) (Role, error) {
	name := NormalizeSlug(input.Name)
	if name == "" {
		return Role{}, ValidationError("role name required")
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		displayName = DisplayName(name)
	}
	role, err := s.repo.CreateRole(ctx, Role{
		ID:             uuid.New(),
		Name:           name,
		DisplayName:    displayName,
		Description:    strings.TrimSpace(input.Description),
		IsSystem:       input.IsSystem,
		HierarchyLevel: input.HierarchyLevel,
	})
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, "role.create", "role", role.ID, map[string]any{"name": role.Name})
	return role, nil
}

// UpdateRole updates the descriptive attributes of a role. Role names are
// immutable.
func (s *Service) UpdateRole(ctx context.Context, id uuid.UUID, input UpdateRoleInput) (Role, error) {
	current, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	current.DisplayName = strings.TrimSpace(input.DisplayName)
	if current.DisplayName == "" {
		current.DisplayName = DisplayName(current.Name)
	}
	current.Description = strings.TrimSpace(input.Description)
	current.HierarchyLevel = input.HierarchyLevel
	updated, err := s.repo.UpdateRole(ctx, current)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, "role.update", "role", id, nil)
	return updated, nil
}

// DeleteRole removes a non-system role together with its assignments.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemEntity
	}
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.record(ctx, "role.delete", "role", id, map[string]any{"name": role.Name})
	return nil
}

// RolePermissions returns the permissions attached to a role.
func (s *Service) RolePermissions(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	perms, err := s.repo.ListRolePermissions(ctx, []uuid.UUID{roleID})
	if err != nil {
		return nil, err
	}
	return perms[roleID], nil
}

// AttachPermission grants permissionID to roleID. Attaching twice is a no-op.
func (s *Service) AttachPermission(ctx context.Context, roleID, permissionID uuid.UUID) (Role, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return Role{}, err
	}
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return Role{}, err
	}
	if err := s.repo.AttachPermission(ctx, roleID, permissionID); err != nil {
		return Role{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, "role.permission_attach", "role", roleID, map[string]any{"permission_id": permissionID.String()})
	return s.repo.GetRole(ctx, roleID)
}

// DetachPermission removes permissionID from roleID. Detaching a permission
// the role does not hold is a no-op.
func (s *Service) DetachPermission(ctx context.Context, roleID, permissionID uuid.UUID) (Role, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return Role{}, err
	}
	if err := s.repo.DetachPermission(ctx, roleID, permissionID); err != nil {
		return Role{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, "role.permission_detach", "role", roleID, map[string]any{"permission_id": permissionID.String()})
	return s.repo.GetRole(ctx, roleID)
}

// SetRolePermissions replaces the permission set of a role.
func (s *Service) SetRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) ([]Permission, error) {
	current, err := s.RolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	desired := make(map[uuid.UUID]struct{}, len(permissionIDs))
	for _, id := range dedupeIDs(permissionIDs) {
		if _, err := s.repo.GetPermission(ctx, id); err != nil {
			return nil, err
		}
		desired[id] = struct{}{}
	}
	existing := make(map[uuid.UUID]struct{}, len(current))
	for _, p := range current {
		existing[p.ID] = struct{}{}
	}

	var attached, detached int
	for id := range desired {
		if _, ok := existing[id]; ok {
			continue
		}
		if err := s.repo.AttachPermission(ctx, roleID, id); err != nil {
			s.invalidate(ctx)
			return nil, err
		}
		attached++
	}
	for id := range existing {
		if _, ok := desired[id]; ok {
			continue
		}
		if err := s.repo.DetachPermission(ctx, roleID, id); err != nil {
			s.invalidate(ctx)
			return nil, err
		}
		detached++
	}
	if attached > 0 || detached > 0 {
		s.invalidate(ctx)
		s.record(ctx, "role.permissions_set", "role", roleID, map[string]any{"attached": attached, "detached": detached})
	}
	return s.RolePermissions(ctx, roleID)
}

// GrantInput grants a role to a user.
type GrantInput struct {
	UserID    uuid.UUID
	RoleID    uuid.UUID
	ActorID   uuid.UUID
	ExpiresAt *time.Time
}

// UpdateAssignmentInput changes the validity of an assignment. Nil fields are
// left untouched; ClearExpiry removes the expiry.
type UpdateAssignmentInput struct {
	UserID      uuid.UUID
	RoleID      uuid.UUID
	ActorID     uuid.UUID
	ExpiresAt   *time.Time
	ClearExpiry bool
	IsActive    *bool
	Confirm     bool
}

// RevokeInput revokes a role from a user. Soft revokes deactivate the
// assignment; Hard deletes it.
type RevokeInput struct {
	UserID  uuid.UUID
	RoleID  uuid.UUID
	ActorID uuid.UUID
	Confirm bool
	Hard    bool
}

// ListAssignments returns every assignment of a user, effective or not.
func (s *Service) ListAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	return s.repo.ListAssignmentsByUser(ctx, userID)
}

// GrantRole assigns a role to a user. A lapsed or deactivated assignment of
// the same role is reactivated; an effective one is a conflict.
func (s *Service) GrantRole(ctx context.Context, input GrantInput) (Assignment, error) {
	now := s.now()
	if input.UserID == uuid.Nil {
		return Assignment{}, ValidationError("user id required")
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return Assignment{}, ValidationError("expires_at must be in the future")
	}
	if _, err := s.repo.GetRole(ctx, input.RoleID); err != nil {
		return Assignment{}, err
	}

	next := Assignment{
		UserID:     input.UserID,
		RoleID:     input.RoleID,
		AssignedBy: actorRef(input.ActorID),
		AssignedAt: now,
		ExpiresAt:  input.ExpiresAt,
		IsActive:   true,
	}
	existing, err := s.repo.GetAssignment(ctx, input.UserID, input.RoleID)
	var assignment Assignment
	switch {
	case err == nil && existing.EffectiveAt(now):
		return Assignment{}, ErrDuplicateAssignment
	case err == nil:
		next.ID = existing.ID
		assignment, err = s.repo.UpdateAssignment(ctx, next)
	case errors.Is(err, shared.ErrNotFound):
		next.ID = uuid.New()
		assignment, err = s.repo.CreateAssignment(ctx, next)
	}
	if err != nil {
		return Assignment{}, err
	}
	s.invalidate(ctx)
	s.recordAs(ctx, input.ActorID, "user_role.grant", "user", input.UserID, map[string]any{"role_id": input.RoleID.String()})
	return assignment, nil
}

// UpdateAssignment changes expiry or the active flag of an assignment.
// Deactivating it or bringing its end forward is a scheduled revoke and is
// subject to the same guards as RevokeRole.
func (s *Service) UpdateAssignment(ctx context.Context, input UpdateAssignmentInput) (Assignment, error) {
	now := s.now()
	current, err := s.repo.GetAssignment(ctx, input.UserID, input.RoleID)
	if err != nil {
		return Assignment{}, err
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return Assignment{}, ValidationError("expires_at must be in the future")
	}
	deactivates := input.IsActive != nil && !*input.IsActive
	if (deactivates || shortensExpiry(current, input)) && current.EffectiveAt(now) {
		if err := s.checkRevoke(ctx, current, input.ActorID, input.Confirm, now); err != nil {
			return Assignment{}, err
		}
	}

	next := current
	switch {
	case input.ClearExpiry:
		next.ExpiresAt = nil
	case input.ExpiresAt != nil:
		next.ExpiresAt = input.ExpiresAt
	}
	if input.IsActive != nil {
		switch {
		case *input.IsActive:
			next.RevokedAt = nil
		case current.IsActive:
			next.RevokedAt = &now
		}
		next.IsActive = *input.IsActive
	}
	updated, err := s.repo.UpdateAssignment(ctx, next)
	if err != nil {
		return Assignment{}, err
	}
	s.invalidate(ctx)
	s.recordAs(ctx, input.ActorID, "user_role.update", "user", input.UserID, map[string]any{
		"role_id":   input.RoleID.String(),
		"is_active": updated.IsActive,
	})
	return updated, nil
}

// shortensExpiry reports whether input makes a lapse happen sooner.
func shortensExpiry(current Assignment, input UpdateAssignmentInput) bool {
	if input.ClearExpiry || input.ExpiresAt == nil {
		return false
	}
	return current.ExpiresAt == nil || input.ExpiresAt.Before(*current.ExpiresAt)
}

// RevokeRole removes a role from a user. Removing one's own admin role is
// rejected; losing one's own ability to manage user roles or removing the
// last admin requires Confirm.
func (s *Service) RevokeRole(ctx context.Context, input RevokeInput) (Assignment, error) {
	now := s.now()
	current, err := s.repo.GetAssignment(ctx, input.UserID, input.RoleID)
	if err != nil {
		return Assignment{}, err
	}
	if current.EffectiveAt(now) {
		if err := s.checkRevoke(ctx, current, input.ActorID, input.Confirm, now); err != nil {
			return Assignment{}, err
		}
	} else if !input.Hard {
		return current, nil
	}

	revoked := current
	if input.Hard {
		err = s.repo.DeleteAssignment(ctx, input.UserID, input.RoleID)
		revoked.IsActive = false
	} else {
		revoked.IsActive = false
		revoked.RevokedAt = &now
		revoked, err = s.repo.UpdateAssignment(ctx, revoked)
	}
	if err != nil {
		return Assignment{}, err
	}
	s.invalidate(ctx)
	s.recordAs(ctx, input.ActorID, "user_role.revoke", "user", input.UserID, map[string]any{
		"role_id": input.RoleID.String(),
		"hard":    input.Hard,
	})
	return revoked, nil
}

// checkRevoke evaluates the lockout guards for removing an effective assignment.
func (s *Service) checkRevoke(ctx context.Context, a Assignment, actorID uuid.UUID, confirm bool, now time.Time) error {
	isAdminRole := NormalizeSlug(a.Role.Name) == s.adminRole
	self := actorID != uuid.Nil && actorID == a.UserID
	if self && isAdminRole {
		return ErrSelfAdminRevoke
	}

	var reasons []string
	if self {
		loses, err := s.losesPermission(ctx, a, shared.PermUserRolesManage, now)
		if err != nil {
			return err
		}
		if loses {
			reasons = append(reasons, "this removes your own ability to manage user roles")
		}
	}
	if isAdminRole {
		holders, err := s.repo.ListAssignmentsByRole(ctx, a.RoleID)
		if err != nil {
			return err
		}
		effective := 0
		for _, h := range holders {
			if h.EffectiveAt(now) {
				effective++
			}
		}
		if effective <= 1 {
			reasons = append(reasons, fmt.Sprintf("this user is the last active holder of the %s role", s.adminRole))
		}
	}
	if len(reasons) > 0 && !confirm {
		return &ConfirmationError{Reasons: reasons}
	}
	return nil
}

// losesPermission reports whether removing a drops perm from its user.
func (s *Service) losesPermission(ctx context.Context, a Assignment, perm string, now time.Time) (bool, error) {
	assignments, err := s.repo.ListAssignmentsByUser(ctx, a.UserID)
	if err != nil {
		return false, err
	}
	before, err := resolveAssignments(ctx, s.repo, a.UserID, assignments, now)
	if err != nil {
		return false, err
	}
	if !before.Permissions.Has(perm) {
		return false, nil
	}
	remaining := make([]Assignment, 0, len(assignments))
	for _, other := range assignments {
		if other.RoleID != a.RoleID {
			remaining = append(remaining, other)
		}
	}
	after, err := resolveAssignments(ctx, s.repo, a.UserID, remaining, now)
	if err != nil {
		return false, err
	}
	return !after.Permissions.Has(perm), nil
}

// PruneAssignments deletes assignments that lapsed or were deactivated more
// than retention ago. Lapsed assignments already grant nothing; this only
// reclaims rows.
func (s *Service) PruneAssignments(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, ValidationError("retention must be positive")
	}
	cutoff := s.now().Add(-retention)
	n, err := s.repo.PruneAssignments(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.invalidate(ctx)
		s.record(ctx, "user_role.prune", "user_role", uuid.Nil, map[string]any{"deleted": n, "cutoff": cutoff})
	}
	return n, nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Error("invalidate permission cache", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, action, entity string, id uuid.UUID, meta map[string]any) {
	actor, _ := shared.CurrentUserID(ctx)
	s.recordAs(ctx, actor, action, entity, id, meta)
}

func (s *Service) recordAs(ctx context.Context, actor uuid.UUID, action, entity string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entityID := "*"
	if id != uuid.Nil {
		entityID = id.String()
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}

// DisplayName derives a human readable label from a slug such as
// "case_notes update".
func DisplayName(slug string) string {
	replacer := strings.NewReplacer("_", " ", "-", " ", ".", " ", ":", " ")
	words := strings.Fields(replacer.Replace(slug))
	return cases.Title(language.English).String(strings.Join(words, " "))
}

func actorRef(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
