package roles

import (
	"github.com/charitydesk/charitydesk/internal/rbac"
)

// ModuleGroup lists the permissions of a role that belong to one module.
type ModuleGroup struct {
	Module      rbac.Module       `json:"module"`
	Permissions []rbac.Permission `json:"permissions"`
}

// Detail is a role with its permissions grouped for display. Groups follow
// module sort order; permissions without a module are listed in Ungrouped.
type Detail struct {
	Role      rbac.Role         `json:"role"`
	Groups    []ModuleGroup     `json:"groups"`
	Ungrouped []rbac.Permission `json:"ungrouped"`
}

// PermissionIDs returns the ids of every permission in the detail.
func (d Detail) PermissionIDs() []string {
	var ids []string
	for _, g := range d.Groups {
		for _, p := range g.Permissions {
			ids = append(ids, p.ID.String())
		}
	}
	for _, p := range d.Ungrouped {
		ids = append(ids, p.ID.String())
	}
	return ids
}
