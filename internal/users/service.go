package users

import (
	"context"

	"github.com/google/uuid"

	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, search string, limit, offset int) ([]User, int, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
}

// AssignmentPort manages user-role assignments. Implemented by rbac.Service.
type AssignmentPort interface {
	ListAssignments(ctx context.Context, userID uuid.UUID) ([]rbac.Assignment, error)
	GrantRole(ctx context.Context, input rbac.GrantInput) (rbac.Assignment, error)
	UpdateAssignment(ctx context.Context, input rbac.UpdateAssignmentInput) (rbac.Assignment, error)
	RevokeRole(ctx context.Context, input rbac.RevokeInput) (rbac.Assignment, error)
}

// Service handles user business logic.
type Service struct {
	repo        RepositoryPort
	assignments AssignmentPort
	resolver    rbac.PermissionResolver
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, assignments AssignmentPort, resolver rbac.PermissionResolver) *Service {
	return &Service{repo: repo, assignments: assignments, resolver: resolver}
}

// ListUsers returns a page of the user directory.
func (s *Service) ListUsers(ctx context.Context, filter ListFilter) (Page, error) {
	pg := shared.NewPagination(filter.Page, filter.PerPage, 0)
	users, total, err := s.repo.ListUsers(ctx, filter.Search, pg.PerPage, pg.Offset())
	if err != nil {
		return Page{}, err
	}
	if users == nil {
		users = []User{}
	}
	return Page{Users: users, Pagination: shared.NewPagination(pg.Page, pg.PerPage, total)}, nil
}

// RoleOverview returns the assignments of a user and their current resolution.
func (s *Service) RoleOverview(ctx context.Context, userID uuid.UUID) (RoleOverview, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return RoleOverview{}, err
	}
	assignments, err := s.assignments.ListAssignments(ctx, userID)
	if err != nil {
		return RoleOverview{}, err
	}
	if assignments == nil {
		assignments = []rbac.Assignment{}
	}
	res, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return RoleOverview{}, err
	}
	return RoleOverview{User: user, Assignments: assignments, Effective: res}, nil
}

// GrantRole assigns a role to an existing user.
func (s *Service) GrantRole(ctx context.Context, input rbac.GrantInput) (rbac.Assignment, error) {
	if _, err := s.repo.GetUser(ctx, input.UserID); err != nil {
		return rbac.Assignment{}, err
	}
	return s.assignments.GrantRole(ctx, input)
}

// UpdateAssignment changes expiry or the active flag of an assignment.
func (s *Service) UpdateAssignment(ctx context.Context, input rbac.UpdateAssignmentInput) (rbac.Assignment, error) {
	return s.assignments.UpdateAssignment(ctx, input)
}

// RevokeRole removes a role from a user.
func (s *Service) RevokeRole(ctx context.Context, input rbac.RevokeInput) (rbac.Assignment, error) {
	return s.assignments.RevokeRole(ctx, input)
}
