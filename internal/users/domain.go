package users

import (
	"time"

	"github.com/google/uuid"

	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// User represents a user account for management.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilter narrows the user directory.
type ListFilter struct {
	Search  string
	Page    int
	PerPage int
}

// Page is one page of the user directory.
type Page struct {
	Users      []User            `json:"users"`
	Pagination shared.Pagination `json:"pagination"`
}

// RoleOverview shows every assignment of a user next to what they resolve to now.
type RoleOverview struct {
	User        User              `json:"user"`
	Assignments []rbac.Assignment `json:"assignments"`
	Effective   rbac.Resolution   `json:"effective"`
}
