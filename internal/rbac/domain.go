package rbac

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Permission represents an atomic resource:action capability.
type Permission struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	Description string     `json:"description"`
	Resource    string     `json:"resource"`
	Action      string     `json:"action"`
	IsSystem    bool       `json:"is_system"`
	ModuleID    *uuid.UUID `json:"module_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Module groups permissions for presentation. It never grants anything by itself.
type Module struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	DisplayName      string    `json:"display_name"`
	Description      string    `json:"description"`
	Icon             string    `json:"icon"`
	Color            string    `json:"color"`
	SortOrder        int       `json:"sort_order"`
	IsSystem         bool      `json:"is_system"`
	PermissionsCount int       `json:"permissions_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Role is a named bundle of permissions grantable to users.
type Role struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	DisplayName      string    `json:"display_name"`
	Description      string    `json:"description"`
	IsSystem         bool      `json:"is_system"`
	HierarchyLevel   *int      `json:"hierarchy_level,omitempty"`
	PermissionsCount int       `json:"permissions_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Assignment grants a role to a user, optionally until ExpiresAt.
type Assignment struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	RoleID     uuid.UUID  `json:"role_id"`
	Role       Role       `json:"role"`
	AssignedBy *uuid.UUID `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IsActive   bool       `json:"is_active"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// EffectiveAt reports whether the assignment contributes permissions at now.
// The expiry bound is exclusive: an assignment expiring exactly at now is lapsed.
func (a Assignment) EffectiveAt(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// PermissionSet is a deduplicated set of normalized permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names, normalizing each one.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		set.Add(name)
	}
	return set
}

// Add inserts name into the set.
func (s PermissionSet) Add(name string) {
	if name = NormalizePermission(name); name != "" {
		s[name] = struct{}{}
	}
}

// Has reports whether name is in the set.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[NormalizePermission(name)]
	return ok
}

// Len returns the number of permissions in the set.
func (s PermissionSet) Len() int {
	return len(s)
}

// Names returns the permission names sorted alphabetically.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the set as a sorted array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

// UnmarshalJSON decodes a JSON array into the set.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewPermissionSet(names...)
	return nil
}

// Resolution is the effective permission set of a user at ResolvedAt.
type Resolution struct {
	UserID      uuid.UUID     `json:"user_id"`
	Permissions PermissionSet `json:"permissions"`
	Roles       []Role        `json:"roles"`
	ResolvedAt  time.Time     `json:"resolved_at"`
	// ValidUntil is the earliest expiry among contributing assignments.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// ExpiredAt reports whether a lapse may have changed the resolution by now.
func (r Resolution) ExpiredAt(now time.Time) bool {
	return r.ValidUntil != nil && !r.ValidUntil.After(now)
}

// PermissionName builds the conventional resource:action identifier.
func PermissionName(resource, action string) string {
	return NormalizePermission(strings.TrimSpace(resource) + ":" + strings.TrimSpace(action))
}

// SplitPermissionName splits a resource:action identifier.
func SplitPermissionName(name string) (resource, action string, ok bool) {
	resource, action, ok = strings.Cut(NormalizePermission(name), ":")
	if !ok || resource == "" || action == "" {
		return "", "", false
	}
	return resource, action, true
}

var permissionNamePattern = regexp.MustCompile(`^[a-z0-9_.-]+:[a-z0-9_.*-]+$`)

// ValidPermissionName reports whether name is a well-formed resource:action.
func ValidPermissionName(name string) bool {
	return permissionNamePattern.MatchString(NormalizePermission(name))
}

// NormalizePermission trims and lowercases a permission name.
func NormalizePermission(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeSlug lowercases a module or role name.
func NormalizeSlug(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
