package users

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/shared"
)

type fakeDirectory struct {
	users []User
	err   error
}

func (f *fakeDirectory) ListUsers(_ context.Context, search string, limit, offset int) ([]User, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	var matched []User
	for _, u := range f.users {
		if search == "" || strings.Contains(strings.ToLower(u.Email), strings.ToLower(search)) {
			matched = append(matched, u)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (f *fakeDirectory) GetUser(_ context.Context, id uuid.UUID) (User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return User{}, rbac.ErrUserNotFound
}

func (f *fakeDirectory) add(email string) User {
	u := User{ID: uuid.New(), Email: email, Name: email, IsActive: true}
	f.users = append(f.users, u)
	return u
}

type fakeAssignments struct {
	assignments map[uuid.UUID][]rbac.Assignment
	grants      []rbac.GrantInput
	updates     []rbac.UpdateAssignmentInput
	revokes     []rbac.RevokeInput
	err         error
}

func (f *fakeAssignments) ListAssignments(_ context.Context, userID uuid.UUID) ([]rbac.Assignment, error) {
	return f.assignments[userID], f.err
}

func (f *fakeAssignments) GrantRole(_ context.Context, input rbac.GrantInput) (rbac.Assignment, error) {
	f.grants = append(f.grants, input)
	if f.err != nil {
		return rbac.Assignment{}, f.err
	}
	return rbac.Assignment{ID: uuid.New(), UserID: input.UserID, RoleID: input.RoleID, IsActive: true, ExpiresAt: input.ExpiresAt}, nil
}

func (f *fakeAssignments) UpdateAssignment(_ context.Context, input rbac.UpdateAssignmentInput) (rbac.Assignment, error) {
	f.updates = append(f.updates, input)
	if f.err != nil {
		return rbac.Assignment{}, f.err
	}
	return rbac.Assignment{UserID: input.UserID, RoleID: input.RoleID, IsActive: input.IsActive == nil || *input.IsActive}, nil
}

func (f *fakeAssignments) RevokeRole(_ context.Context, input rbac.RevokeInput) (rbac.Assignment, error) {
	f.revokes = append(f.revokes, input)
	if f.err != nil {
		return rbac.Assignment{}, f.err
	}
	return rbac.Assignment{UserID: input.UserID, RoleID: input.RoleID}, nil
}

type staticResolver struct {
	perms map[uuid.UUID][]string
	err   error
}

func (s staticResolver) Resolve(_ context.Context, userID uuid.UUID) (rbac.Resolution, error) {
	if s.err != nil {
		return rbac.Resolution{}, s.err
	}
	return rbac.Resolution{UserID: userID, Roles: []rbac.Role{}, Permissions: rbac.NewPermissionSet(s.perms[userID]...)}, nil
}

func TestListUsersPaginates(t *testing.T) {
	dir := &fakeDirectory{}
	for _, email := range []string{"a@example.org", "b@example.org", "c@example.org"} {
		dir.add(email)
	}
	svc := NewService(dir, &fakeAssignments{}, staticResolver{})

	page, err := svc.ListUsers(context.Background(), ListFilter{Page: 2, PerPage: 2})
	require.NoError(t, err)
	require.Len(t, page.Users, 1)
	assert.Equal(t, "c@example.org", page.Users[0].Email)
	assert.Equal(t, shared.Pagination{Page: 2, PerPage: 2, Total: 3, TotalPages: 2}, page.Pagination)

	page, err = svc.ListUsers(context.Background(), ListFilter{Search: "B@"})
	require.NoError(t, err)
	require.Len(t, page.Users, 1)
	assert.Equal(t, 20, page.Pagination.PerPage)

	page, err = svc.ListUsers(context.Background(), ListFilter{Page: 9})
	require.NoError(t, err)
	assert.NotNil(t, page.Users)
	assert.Empty(t, page.Users)
}

func TestRoleOverview(t *testing.T) {
	dir := &fakeDirectory{}
	user := dir.add("ops@example.org")
	roleID := uuid.New()
	assignments := &fakeAssignments{assignments: map[uuid.UUID][]rbac.Assignment{
		user.ID: {{UserID: user.ID, RoleID: roleID, IsActive: true}},
	}}
	svc := NewService(dir, assignments, staticResolver{perms: map[uuid.UUID][]string{user.ID: {"users:read"}}})

	overview, err := svc.RoleOverview(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Email, overview.User.Email)
	require.Len(t, overview.Assignments, 1)
	assert.True(t, overview.Effective.Permissions.Has("users:read"))

	_, err = svc.RoleOverview(context.Background(), uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRoleOverviewResolverFailure(t *testing.T) {
	dir := &fakeDirectory{}
	user := dir.add("ops@example.org")
	svc := NewService(dir, &fakeAssignments{}, staticResolver{err: shared.ErrUnavailable})
	_, err := svc.RoleOverview(context.Background(), user.ID)
	assert.ErrorIs(t, err, shared.ErrUnavailable)
}

func TestGrantRoleRequiresKnownUser(t *testing.T) {
	assignments := &fakeAssignments{}
	svc := NewService(&fakeDirectory{}, assignments, staticResolver{})
	_, err := svc.GrantRole(context.Background(), rbac.GrantInput{UserID: uuid.New(), RoleID: uuid.New()})
	assert.ErrorIs(t, err, rbac.ErrUserNotFound)
	assert.Empty(t, assignments.grants)
}
