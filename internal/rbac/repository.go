package rbac

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/charitydesk/charitydesk/internal/platform/db"
)

// PermissionFilter narrows ListPermissions.
type PermissionFilter struct {
	ModuleID *uuid.UUID
	// Ungrouped selects permissions without a module. It wins over ModuleID.
	Ungrouped bool
	Resource  string
}

// Repository defines RBAC data access. Implementations return the domain
// errors of this package for missing rows and uniqueness or foreign-key
// violations, and wrap everything else with shared.ErrUnavailable.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error)
	GetPermission(ctx context.Context, id uuid.UUID) (Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	UpdatePermission(ctx context.Context, p Permission) (Permission, error)
	SetPermissionModule(ctx context.Context, id uuid.UUID, moduleID *uuid.UUID) (Permission, error)
	DeletePermission(ctx context.Context, id uuid.UUID) error

	ListModules(ctx context.Context) ([]Module, error)
	GetModule(ctx context.Context, id uuid.UUID) (Module, error)
	CreateModule(ctx context.Context, m Module) (Module, error)
	UpdateModule(ctx context.Context, m Module) (Module, error)
	DeleteModule(ctx context.Context, id uuid.UUID) error

	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, r Role) (Role, error)
	UpdateRole(ctx context.Context, r Role) (Role, error)
	DeleteRole(ctx context.Context, id uuid.UUID) error
	ListRolePermissions(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]Permission, error)
	AttachPermission(ctx context.Context, roleID, permissionID uuid.UUID) error
	DetachPermission(ctx context.Context, roleID, permissionID uuid.UUID) error

	ListAssignmentsByUser(ctx context.Context, userID uuid.UUID) ([]Assignment, error)
	ListAssignmentsByRole(ctx context.Context, roleID uuid.UUID) ([]Assignment, error)
	GetAssignment(ctx context.Context, userID, roleID uuid.UUID) (Assignment, error)
	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	DeleteAssignment(ctx context.Context, userID, roleID uuid.UUID) error
	PruneAssignments(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxRepository defines operations within a transaction.
type TxRepository interface {
	GetModule(ctx context.Context, id uuid.UUID) (Module, error)
	SetModuleSortOrder(ctx context.Context, id uuid.UUID, sortOrder int) error
}

var (
	_ Repository   = (*PGRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// WithTx runs fn in a single transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{q: tx})
	})
	return translateError(err, ErrNotFound)
}

const permissionColumns = `p.id, p.name, p.display_name, p.description, p.resource, p.action, p.is_system, p.module_id, p.created_at, p.updated_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.Resource, &p.Action, &p.IsSystem, &p.ModuleID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// ListPermissions returns permissions ordered by name.
func (r *PGRepository) ListPermissions(ctx context.Context, filter PermissionFilter) ([]Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions p WHERE 1=1`
	var args []any
	switch {
	case filter.Ungrouped:
		query += ` AND p.module_id IS NULL`
	case filter.ModuleID != nil:
		args = append(args, *filter.ModuleID)
		query += ` AND p.module_id = $1`
	}
	if filter.Resource != "" {
		args = append(args, filter.Resource)
		query += ` AND p.resource = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY p.name`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, translateError(err, ErrNotFound)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	return perms, nil
}

// GetPermission fetches a permission by ID.
func (r *PGRepository) GetPermission(ctx context.Context, id uuid.UUID) (Permission, error) {
	p, err := scanPermission(r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE p.id = $1`, id))
	return p, translateError(err, ErrPermissionNotFound)
}

// CreatePermission inserts a permission.
func (r *PGRepository) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions AS p (id, name, display_name, description, resource, action, is_system, module_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING `+permissionColumns,
		p.ID, p.Name, p.DisplayName, p.Description, p.Resource, p.Action, p.IsSystem, p.ModuleID)
	created, err := scanPermission(row)
	return created, translateError(err, ErrPermissionNotFound)
}

// UpdatePermission rewrites the editable attributes of a permission.
func (r *PGRepository) UpdatePermission(ctx context.Context, p Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE permissions AS p SET display_name = $2, description = $3, module_id = $4, updated_at = NOW()
		WHERE p.id = $1
		RETURNING `+permissionColumns,
		p.ID, p.DisplayName, p.Description, p.ModuleID)
	updated, err := scanPermission(row)
	return updated, translateError(err, ErrPermissionNotFound)
}

// SetPermissionModule moves a permission to moduleID, or ungroups it when nil.
func (r *PGRepository) SetPermissionModule(ctx context.Context, id uuid.UUID, moduleID *uuid.UUID) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE permissions AS p SET module_id = $2, updated_at = NOW()
		WHERE p.id = $1
		RETURNING `+permissionColumns, id, moduleID)
	updated, err := scanPermission(row)
	return updated, translateError(err, ErrPermissionNotFound)
}

// DeletePermission removes a permission and its role links.
func (r *PGRepository) DeletePermission(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return translateError(err, ErrPermissionNotFound)
	}
	if tag.RowsAffected() == 0 {
		return ErrPermissionNotFound
	}
	return nil
}

const moduleColumns = `m.id, m.name, m.display_name, m.description, m.icon, m.color, m.sort_order, m.is_system,
	(SELECT COUNT(*) FROM permissions p WHERE p.module_id = m.id) AS permissions_count,
	m.created_at, m.updated_at`

func scanModule(row pgx.Row) (Module, error) {
	var m Module
	err := row.Scan(&m.ID, &m.Name, &m.DisplayName, &m.Description, &m.Icon, &m.Color, &m.SortOrder, &m.IsSystem, &m.PermissionsCount, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// ListModules returns modules in presentation order.
func (r *PGRepository) ListModules(ctx context.Context) ([]Module, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+moduleColumns+` FROM modules m ORDER BY m.sort_order, m.name`)
	if err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	defer rows.Close()
	var modules []Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, translateError(err, ErrNotFound)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	return modules, nil
}

// GetModule fetches a module by ID with its permission count.
func (r *PGRepository) GetModule(ctx context.Context, id uuid.UUID) (Module, error) {
	return getModule(ctx, r.pool, id)
}

func getModule(ctx context.Context, q querier, id uuid.UUID) (Module, error) {
	m, err := scanModule(q.QueryRow(ctx, `SELECT `+moduleColumns+` FROM modules m WHERE m.id = $1`, id))
	return m, translateError(err, ErrModuleNotFound)
}

// CreateModule inserts a module. A zero SortOrder appends it after the others.
func (r *PGRepository) CreateModule(ctx context.Context, m Module) (Module, error) {
	row := r.pool.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO modules (id, name, display_name, description, icon, color, sort_order, is_system, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6,
				CASE WHEN $7::int > 0 THEN $7::int ELSE (SELECT COALESCE(MAX(sort_order), 0) + 1 FROM modules) END,
				$8, NOW(), NOW())
			RETURNING *
		)
		SELECT m.id, m.name, m.display_name, m.description, m.icon, m.color, m.sort_order, m.is_system, 0, m.created_at, m.updated_at
		FROM inserted m`,
		m.ID, m.Name, m.DisplayName, m.Description, m.Icon, m.Color, m.SortOrder, m.IsSystem)
	created, err := scanModule(row)
	return created, translateError(err, ErrModuleNotFound)
}

// UpdateModule rewrites the editable attributes of a module.
func (r *PGRepository) UpdateModule(ctx context.Context, m Module) (Module, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE modules SET display_name = $2, description = $3, icon = $4, color = $5, updated_at = NOW()
		WHERE id = $1`,
		m.ID, m.DisplayName, m.Description, m.Icon, m.Color)
	if err != nil {
		return Module{}, translateError(err, ErrModuleNotFound)
	}
	if tag.RowsAffected() == 0 {
		return Module{}, ErrModuleNotFound
	}
	return r.GetModule(ctx, m.ID)
}

// DeleteModule removes a module. The caller checks it holds no permissions.
func (r *PGRepository) DeleteModule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM modules WHERE id = $1`, id)
	if err != nil {
		return moduleDeleteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrModuleNotFound
	}
	return nil
}

const roleColumns = `r.id, r.name, r.display_name, r.description, r.is_system, r.hierarchy_level,
	(SELECT COUNT(*) FROM role_permissions rp WHERE rp.role_id = r.id) AS permissions_count,
	r.created_at, r.updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.IsSystem, &role.HierarchyLevel, &role.PermissionsCount, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles r ORDER BY r.name`)
	if err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, translateError(err, ErrNotFound)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	return roles, nil
}

// GetRole fetches a role by ID.
func (r *PGRepository) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.id = $1`, id))
	return role, translateError(err, ErrRoleNotFound)
}

// GetRoleByName fetches a role by its unique name.
func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.name = $1`, name))
	return role, translateError(err, ErrRoleNotFound)
}

// CreateRole inserts a new role.
func (r *PGRepository) CreateRole(ctx context.Context, role Role) (Role, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO roles (id, name, display_name, description, is_system, hierarchy_level, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		role.ID, role.Name, role.DisplayName, role.Description, role.IsSystem, role.HierarchyLevel)
	if err != nil {
		return Role{}, translateError(err, ErrRoleNotFound)
	}
	return r.GetRole(ctx, role.ID)
}

// UpdateRole updates an existing role.
func (r *PGRepository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE roles SET display_name = $2, description = $3, hierarchy_level = $4, updated_at = NOW()
		WHERE id = $1`,
		role.ID, role.DisplayName, role.Description, role.HierarchyLevel)
	if err != nil {
		return Role{}, translateError(err, ErrRoleNotFound)
	}
	if tag.RowsAffected() == 0 {
		return Role{}, ErrRoleNotFound
	}
	return r.GetRole(ctx, role.ID)
}

// DeleteRole removes a role by ID. Returns ErrRoleNotFound if nothing was deleted.
func (r *PGRepository) DeleteRole(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return translateError(err, ErrRoleNotFound)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// ListRolePermissions returns the permissions of each role in roleIDs.
func (r *PGRepository) ListRolePermissions(ctx context.Context, roleIDs []uuid.UUID) (map[uuid.UUID][]Permission, error) {
	out := make(map[uuid.UUID][]Permission, len(roleIDs))
	if len(roleIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT rp.role_id, `+permissionColumns+`
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = ANY($1)
		ORDER BY p.name`, roleIDs)
	if err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	defer rows.Close()
	for rows.Next() {
		var roleID uuid.UUID
		var p Permission
		if err := rows.Scan(&roleID, &p.ID, &p.Name, &p.DisplayName, &p.Description, &p.Resource, &p.Action, &p.IsSystem, &p.ModuleID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, translateError(err, ErrNotFound)
		}
		out[roleID] = append(out[roleID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	return out, nil
}

// AttachPermission links a permission to a role. Existing links are kept.
func (r *PGRepository) AttachPermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, permissionID)
	return translateError(err, ErrNotFound)
}

// DetachPermission unlinks a permission from a role. Missing links are ignored.
func (r *PGRepository) DetachPermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	return translateError(err, ErrNotFound)
}

const assignmentColumns = `ur.id, ur.user_id, ur.role_id, ur.assigned_by, ur.assigned_at, ur.expires_at, ur.is_active, ur.revoked_at,
	r.id, r.name, r.display_name, r.description, r.is_system, r.hierarchy_level,
	(SELECT COUNT(*) FROM role_permissions rp WHERE rp.role_id = r.id),
	r.created_at, r.updated_at`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.AssignedBy, &a.AssignedAt, &a.ExpiresAt, &a.IsActive, &a.RevokedAt,
		&a.Role.ID, &a.Role.Name, &a.Role.DisplayName, &a.Role.Description, &a.Role.IsSystem, &a.Role.HierarchyLevel,
		&a.Role.PermissionsCount, &a.Role.CreatedAt, &a.Role.UpdatedAt)
	return a, err
}

func (r *PGRepository) listAssignments(ctx context.Context, where string, arg any) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE `+where+`
		ORDER BY r.name, ur.assigned_at`, arg)
	if err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, translateError(err, ErrNotFound)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err, ErrNotFound)
	}
	return out, nil
}

// ListAssignmentsByUser returns every assignment of a user, effective or not.
func (r *PGRepository) ListAssignmentsByUser(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	return r.listAssignments(ctx, `ur.user_id = $1`, userID)
}

// ListAssignmentsByRole returns every assignment of a role, effective or not.
func (r *PGRepository) ListAssignmentsByRole(ctx context.Context, roleID uuid.UUID) ([]Assignment, error) {
	return r.listAssignments(ctx, `ur.role_id = $1`, roleID)
}

// GetAssignment fetches the assignment of roleID to userID.
func (r *PGRepository) GetAssignment(ctx context.Context, userID, roleID uuid.UUID) (Assignment, error) {
	a, err := scanAssignment(r.pool.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.role_id = $2`, userID, roleID))
	return a, translateError(err, ErrAssignmentNotFound)
}

// CreateAssignment inserts an assignment. The (user_id, role_id) pair is unique.
func (r *PGRepository) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id, assigned_by, assigned_at, expires_at, is_active, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.UserID, a.RoleID, a.AssignedBy, a.AssignedAt, a.ExpiresAt, a.IsActive, a.RevokedAt)
	if err != nil {
		return Assignment{}, translateError(err, ErrAssignmentNotFound)
	}
	return r.GetAssignment(ctx, a.UserID, a.RoleID)
}

// UpdateAssignment rewrites grant metadata, expiry, the active flag and the
// deactivation time.
func (r *PGRepository) UpdateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_roles SET assigned_by = $3, assigned_at = $4, expires_at = $5, is_active = $6, revoked_at = $7
		WHERE user_id = $1 AND role_id = $2`,
		a.UserID, a.RoleID, a.AssignedBy, a.AssignedAt, a.ExpiresAt, a.IsActive, a.RevokedAt)
	if err != nil {
		return Assignment{}, translateError(err, ErrAssignmentNotFound)
	}
	if tag.RowsAffected() == 0 {
		return Assignment{}, ErrAssignmentNotFound
	}
	return r.GetAssignment(ctx, a.UserID, a.RoleID)
}

// DeleteAssignment hard-deletes the assignment of roleID to userID.
func (r *PGRepository) DeleteAssignment(ctx context.Context, userID, roleID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return translateError(err, ErrAssignmentNotFound)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// PruneAssignments deletes assignments that lapsed or were deactivated before
// cutoff. Rows deactivated without a recorded time fall back to assigned_at.
func (r *PGRepository) PruneAssignments(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM user_roles
		WHERE (expires_at IS NOT NULL AND expires_at <= $1)
		   OR (is_active = FALSE AND COALESCE(revoked_at, assigned_at) <= $1)`, cutoff)
	if err != nil {
		return 0, translateError(err, ErrNotFound)
	}
	return tag.RowsAffected(), nil
}

type pgTxRepository struct {
	q pgx.Tx
}

func (t *pgTxRepository) GetModule(ctx context.Context, id uuid.UUID) (Module, error) {
	return getModule(ctx, t.q, id)
}

func (t *pgTxRepository) SetModuleSortOrder(ctx context.Context, id uuid.UUID, sortOrder int) error {
	tag, err := t.q.Exec(ctx, `UPDATE modules SET sort_order = $2, updated_at = NOW() WHERE id = $1`, id, sortOrder)
	if err != nil {
		return translateError(err, ErrModuleNotFound)
	}
	if tag.RowsAffected() == 0 {
		return ErrModuleNotFound
	}
	return nil
}
