package rbac

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errStoreDown = errors.New("connection refused")

type assignmentKey struct {
	user uuid.UUID
	role uuid.UUID
}

// memoryRepo mirrors PGRepository semantics, including unique names and
// foreign keys, for service and resolver tests.
type memoryRepo struct {
	mu          sync.Mutex
	permissions map[uuid.UUID]Permission
	modules     map[uuid.UUID]Module
	roles       map[uuid.UUID]Role
	links       map[uuid.UUID]map[uuid.UUID]struct{}
	assignments map[assignmentKey]Assignment
	users       map[uuid.UUID]struct{}

	// failures
	assignmentsErr error
	rolePermsErr   error
	moveErrs       map[uuid.UUID]error
	sortOrderErrs  map[uuid.UUID]error

	listAssignmentCalls int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		permissions:   make(map[uuid.UUID]Permission),
		modules:       make(map[uuid.UUID]Module),
		roles:         make(map[uuid.UUID]Role),
		links:         make(map[uuid.UUID]map[uuid.UUID]struct{}),
		assignments:   make(map[assignmentKey]Assignment),
		users:         make(map[uuid.UUID]struct{}),
		moveErrs:      make(map[uuid.UUID]error),
		sortOrderErrs: make(map[uuid.UUID]error),
	}
}

func (m *memoryRepo) addUser() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.users[id] = struct{}{}
	return id
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	staged := make(map[uuid.UUID]Module, len(m.modules))
	for id, mod := range m.modules {
		staged[id] = mod
	}
	tx := &memoryTx{repo: m, modules: staged}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.modules = staged
	return nil
}

type memoryTx struct {
	repo    *memoryRepo
	modules map[uuid.UUID]Module
}

func (t *memoryTx) GetModule(_ context.Context, id uuid.UUID) (Module, error) {
	mod, ok := t.modules[id]
	if !ok {
		return Module{}, ErrModuleNotFound
	}
	return mod, nil
}

func (t *memoryTx) SetModuleSortOrder(_ context.Context, id uuid.UUID, sortOrder int) error {
	if err := t.repo.sortOrderErrs[id]; err != nil {
		return err
	}
	mod, ok := t.modules[id]
	if !ok {
		return ErrModuleNotFound
	}
	mod.SortOrder = sortOrder
	t.modules[id] = mod
	return nil
}

func (m *memoryRepo) ListPermissions(_ context.Context, filter PermissionFilter) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permission
	for _, p := range m.permissions {
		switch {
		case filter.Ungrouped && p.ModuleID != nil:
			continue
		case !filter.Ungrouped && filter.ModuleID != nil && (p.ModuleID == nil || *p.ModuleID != *filter.ModuleID):
			continue
		case filter.Resource != "" && p.Resource != filter.Resource:
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryRepo) GetPermission(_ context.Context, id uuid.UUID) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.permissions[id]
	if !ok {
		return Permission{}, ErrPermissionNotFound
	}
	return p, nil
}

func (m *memoryRepo) CreatePermission(_ context.Context, p Permission) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.permissions {
		if existing.Name == p.Name {
			return Permission{}, ErrDuplicateName
		}
	}
	if p.ModuleID != nil {
		if _, ok := m.modules[*p.ModuleID]; !ok {
			return Permission{}, ErrModuleNotFound
		}
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.permissions[p.ID] = p
	return p, nil
}

func (m *memoryRepo) UpdatePermission(_ context.Context, p Permission) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.permissions[p.ID]
	if !ok {
		return Permission{}, ErrPermissionNotFound
	}
	if p.ModuleID != nil {
		if _, ok := m.modules[*p.ModuleID]; !ok {
			return Permission{}, ErrModuleNotFound
		}
	}
	current.DisplayName = p.DisplayName
	current.Description = p.Description
	current.ModuleID = p.ModuleID
	current.UpdatedAt = time.Now()
	m.permissions[p.ID] = current
	return current, nil
}

func (m *memoryRepo) SetPermissionModule(_ context.Context, id uuid.UUID, moduleID *uuid.UUID) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.moveErrs[id]; err != nil {
		return Permission{}, err
	}
	current, ok := m.permissions[id]
	if !ok {
		return Permission{}, ErrPermissionNotFound
	}
	if moduleID != nil {
		if _, ok := m.modules[*moduleID]; !ok {
			return Permission{}, ErrModuleNotFound
		}
	}
	current.ModuleID = moduleID
	m.permissions[id] = current
	return current, nil
}

func (m *memoryRepo) DeletePermission(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permissions[id]; !ok {
		return ErrPermissionNotFound
	}
	delete(m.permissions, id)
	for _, set := range m.links {
		delete(set, id)
	}
	return nil
}

func (m *memoryRepo) moduleWithCount(mod Module) Module {
	mod.PermissionsCount = 0
	for _, p := range m.permissions {
		if p.ModuleID != nil && *p.ModuleID == mod.ID {
			mod.PermissionsCount++
		}
	}
	return mod
}

func (m *memoryRepo) ListModules(_ context.Context) ([]Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Module, 0, len(m.modules))
	for _, mod := range m.modules {
		out = append(out, m.moduleWithCount(mod))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *memoryRepo) GetModule(_ context.Context, id uuid.UUID) (Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[id]
	if !ok {
		return Module{}, ErrModuleNotFound
	}
	return m.moduleWithCount(mod), nil
}

func (m *memoryRepo) CreateModule(_ context.Context, mod Module) (Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxOrder := 0
	for _, existing := range m.modules {
		if existing.Name == mod.Name {
			return Module{}, ErrDuplicateName
		}
		if existing.SortOrder > maxOrder {
			maxOrder = existing.SortOrder
		}
	}
	if mod.SortOrder <= 0 {
		mod.SortOrder = maxOrder + 1
	}
	mod.CreatedAt = time.Now()
	mod.UpdatedAt = mod.CreatedAt
	m.modules[mod.ID] = mod
	return mod, nil
}

func (m *memoryRepo) UpdateModule(_ context.Context, mod Module) (Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.modules[mod.ID]
	if !ok {
		return Module{}, ErrModuleNotFound
	}
	current.DisplayName = mod.DisplayName
	current.Description = mod.Description
	current.Icon = mod.Icon
	current.Color = mod.Color
	m.modules[mod.ID] = current
	return m.moduleWithCount(current), nil
}

func (m *memoryRepo) DeleteModule(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.modules[id]; !ok {
		return ErrModuleNotFound
	}
	delete(m.modules, id)
	for pid, p := range m.permissions {
		if p.ModuleID != nil && *p.ModuleID == id {
			p.ModuleID = nil
			m.permissions[pid] = p
		}
	}
	return nil
}

func (m *memoryRepo) roleWithCount(role Role) Role {
	role.PermissionsCount = len(m.links[role.ID])
	return role
}

func (m *memoryRepo) ListRoles(_ context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, role := range m.roles {
		out = append(out, m.roleWithCount(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memoryRepo) GetRole(_ context.Context, id uuid.UUID) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return m.roleWithCount(role), nil
}

func (m *memoryRepo) GetRoleByName(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range m.roles {
		if role.Name == name {
			return m.roleWithCount(role), nil
		}
	}
	return Role{}, ErrRoleNotFound
}

func (m *memoryRepo) CreateRole(_ context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.roles {
		if existing.Name == role.Name {
			return Role{}, ErrDuplicateName
		}
	}
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	m.roles[role.ID] = role
	return role, nil
}

func (m *memoryRepo) UpdateRole(_ context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.roles[role.ID]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	current.DisplayName = role.DisplayName
	current.Description = role.Description
	current.HierarchyLevel = role.HierarchyLevel
	m.roles[role.ID] = current
	return m.roleWithCount(current), nil
}

func (m *memoryRepo) DeleteRole(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrRoleNotFound
	}
	delete(m.roles, id)
	delete(m.links, id)
	for key := range m.assignments {
		if key.role == id {
			delete(m.assignments, key)
		}
	}
	return nil
}

func (m *memoryRepo) ListRolePermissions(_ context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rolePermsErr != nil {
		return nil, m.rolePermsErr
	}
	out := make(map[uuid.UUID][]Permission, len(roleIDs))
	for _, roleID := range roleIDs {
		for pid := range m.links[roleID] {
			out[roleID] = append(out[roleID], m.permissions[pid])
		}
		sort.Slice(out[roleID], func(i, j int) bool { return out[roleID][i].Name < out[roleID][j].Name })
	}
	return out, nil
}

func (m *memoryRepo) AttachPermission(_ context.Context, roleID, permissionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[roleID]; !ok {
		return ErrRoleNotFound
	}
	if _, ok := m.permissions[permissionID]; !ok {
		return ErrPermissionNotFound
	}
	if m.links[roleID] == nil {
		m.links[roleID] = make(map[uuid.UUID]struct{})
	}
	m.links[roleID][permissionID] = struct{}{}
	return nil
}

func (m *memoryRepo) DetachPermission(_ context.Context, roleID, permissionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links[roleID], permissionID)
	return nil
}

func (m *memoryRepo) withRole(a Assignment) Assignment {
	a.Role = m.roleWithCount(m.roles[a.RoleID])
	return a
}

func (m *memoryRepo) ListAssignmentsByUser(_ context.Context, userID uuid.UUID) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listAssignmentCalls++
	if m.assignmentsErr != nil {
		return nil, m.assignmentsErr
	}
	var out []Assignment
	for key, a := range m.assignments {
		if key.user == userID {
			out = append(out, m.withRole(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role.Name < out[j].Role.Name })
	return out, nil
}

func (m *memoryRepo) ListAssignmentsByRole(_ context.Context, roleID uuid.UUID) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for key, a := range m.assignments {
		if key.role == roleID {
			out = append(out, m.withRole(a))
		}
	}
	return out, nil
}

func (m *memoryRepo) GetAssignment(_ context.Context, userID, roleID uuid.UUID) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentKey{userID, roleID}]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	return m.withRole(a), nil
}

func (m *memoryRepo) CreateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey{a.UserID, a.RoleID}
	if _, ok := m.assignments[key]; ok {
		return Assignment{}, ErrDuplicateAssignment
	}
	if _, ok := m.roles[a.RoleID]; !ok {
		return Assignment{}, ErrRoleNotFound
	}
	if _, ok := m.users[a.UserID]; !ok {
		return Assignment{}, ErrUserNotFound
	}
	m.assignments[key] = a
	return m.withRole(a), nil
}

func (m *memoryRepo) UpdateAssignment(_ context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey{a.UserID, a.RoleID}
	current, ok := m.assignments[key]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	current.AssignedBy = a.AssignedBy
	current.AssignedAt = a.AssignedAt
	current.ExpiresAt = a.ExpiresAt
	current.IsActive = a.IsActive
	current.RevokedAt = a.RevokedAt
	m.assignments[key] = current
	return m.withRole(current), nil
}

func (m *memoryRepo) DeleteAssignment(_ context.Context, userID, roleID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey{userID, roleID}
	if _, ok := m.assignments[key]; !ok {
		return ErrAssignmentNotFound
	}
	delete(m.assignments, key)
	return nil
}

func (m *memoryRepo) PruneAssignments(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, a := range m.assignments {
		expired := a.ExpiresAt != nil && !a.ExpiresAt.After(cutoff)
		deactivatedAt := a.AssignedAt
		if a.RevokedAt != nil {
			deactivatedAt = *a.RevokedAt
		}
		inactive := !a.IsActive && !deactivatedAt.After(cutoff)
		if expired || inactive {
			delete(m.assignments, key)
			n++
		}
	}
	return n, nil
}

// fixtures

func (m *memoryRepo) seedPermission(name string, moduleID *uuid.UUID, system bool) Permission {
	resource, action, _ := SplitPermissionName(name)
	p := Permission{ID: uuid.New(), Name: name, Resource: resource, Action: action, ModuleID: moduleID, IsSystem: system}
	m.mu.Lock()
	m.permissions[p.ID] = p
	m.mu.Unlock()
	return p
}

func (m *memoryRepo) seedModule(name string, order int, system bool) Module {
	mod := Module{ID: uuid.New(), Name: name, SortOrder: order, IsSystem: system}
	m.mu.Lock()
	m.modules[mod.ID] = mod
	m.mu.Unlock()
	return mod
}

func (m *memoryRepo) seedRole(name string, system bool, perms ...Permission) Role {
	role := Role{ID: uuid.New(), Name: name, IsSystem: system}
	m.mu.Lock()
	m.roles[role.ID] = role
	m.links[role.ID] = make(map[uuid.UUID]struct{})
	for _, p := range perms {
		m.links[role.ID][p.ID] = struct{}{}
	}
	m.mu.Unlock()
	return role
}

func (m *memoryRepo) seedAssignment(userID uuid.UUID, role Role, active bool, expiresAt *time.Time) Assignment {
	a := Assignment{ID: uuid.New(), UserID: userID, RoleID: role.ID, AssignedAt: time.Now().Add(-time.Hour), ExpiresAt: expiresAt, IsActive: active}
	m.mu.Lock()
	m.users[userID] = struct{}{}
	m.assignments[assignmentKey{userID, role.ID}] = a
	m.mu.Unlock()
	return a
}

// stubCache records invalidations and serves a fixed map.
type stubCache struct {
	mu          sync.Mutex
	version     int64
	entries     map[uuid.UUID]Resolution
	invalidated int
	getErr      error
	puts        []time.Duration
}

func newStubCache() *stubCache {
	return &stubCache{version: 1, entries: make(map[uuid.UUID]Resolution)}
}

func (c *stubCache) Get(_ context.Context, userID uuid.UUID) (Resolution, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return Resolution{}, 0, false, c.getErr
	}
	res, ok := c.entries[userID]
	return res, c.version, ok, nil
}

func (c *stubCache) Put(_ context.Context, version int64, res Resolution, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts = append(c.puts, ttl)
	if version == c.version {
		c.entries[res.UserID] = res
	}
	return nil
}

func (c *stubCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.entries = make(map[uuid.UUID]Resolution)
	c.invalidated++
	return nil
}

func (c *stubCache) invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}
