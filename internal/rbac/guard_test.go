package rbac

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	res   Resolution
	err   error
	calls int
}

func (s *staticResolver) Resolve(ctx context.Context, userID uuid.UUID) (Resolution, error) {
	s.calls++
	if s.err != nil {
		return Resolution{}, s.err
	}
	res := s.res
	res.UserID = userID
	return res, nil
}

func TestPermissionSetAllowsAnyAll(t *testing.T) {
	cases := []struct {
		name    string
		granted []string
		anyWant bool
		allWant bool
	}{
		{name: "none", granted: nil, anyWant: false, allWant: false},
		{name: "first only", granted: []string{"cases:read"}, anyWant: true, allWant: false},
		{name: "second only", granted: []string{"cases:update"}, anyWant: true, allWant: false},
		{name: "both", granted: []string{"cases:read", "cases:update"}, anyWant: true, allWant: true},
		{name: "superset", granted: []string{"cases:read", "cases:update", "roles:read"}, anyWant: true, allWant: true},
		{name: "unrelated", granted: []string{"roles:read"}, anyWant: false, allWant: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := NewPermissionSet(tc.granted...)
			assert.Equal(t, tc.anyWant, set.Allows(AnyOf("cases:read", "cases:update")))
			assert.Equal(t, tc.allWant, set.Allows(AllOf("cases:read", "cases:update")))
		})
	}
}

func TestEmptyRequirementAllows(t *testing.T) {
	assert.True(t, PermissionSet{}.Allows(Requirement{}))
	assert.True(t, PermissionSet{}.Allows(AnyOf()))
	assert.True(t, AllOf().Empty())
}

func TestBlankPermissionsDeny(t *testing.T) {
	admin := NewPermissionSet("cases:read", "roles:manage")
	for _, req := range []Requirement{
		Require(""),
		Require("   "),
		AnyOf("  ", ""),
		AllOf(" "),
	} {
		assert.False(t, req.Empty(), req.String())
		assert.Empty(t, req.Permissions)
		assert.False(t, admin.Allows(req), req.String())
	}

	resolver := &staticResolver{res: Resolution{Permissions: admin}}
	allowed, err := NewGuard(resolver).Check(context.Background(), uuid.New(), AnyOf(" "))
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestRequireSinglePermission(t *testing.T) {
	req := Require(" Cases:Update ")
	require.Equal(t, []string{"cases:update"}, req.Permissions)

	set := NewPermissionSet("cases:read", "cases:update")
	assert.True(t, set.Allows(req))
	assert.False(t, set.Allows(Require("cases:delete")))
}

func TestRequirementNormalizesAndDedupes(t *testing.T) {
	req := AnyOf("Roles:Read", "roles:read", "", "users:read")
	assert.Equal(t, []string{"roles:read", "users:read"}, req.Permissions)
	assert.Equal(t, ModeAny, req.Mode)
	assert.Equal(t, "any(roles:read,users:read)", req.String())
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAny, mode)

	mode, err = ParseMode("ALL")
	require.NoError(t, err)
	assert.Equal(t, ModeAll, mode)

	_, err = ParseMode("most")
	require.Error(t, err)
}

func TestGuardCheckFailsClosed(t *testing.T) {
	resolver := &staticResolver{err: storeFailure("list assignments", errStoreDown)}
	guard := NewGuard(resolver)

	allowed, err := guard.Check(context.Background(), uuid.New(), Require("cases:read"))
	require.Error(t, err)
	assert.False(t, allowed)
}

func TestGuardCheckDenialIsNotAnError(t *testing.T) {
	resolver := &staticResolver{res: Resolution{Permissions: NewPermissionSet("cases:read")}}
	guard := NewGuard(resolver)

	allowed, err := guard.Check(context.Background(), uuid.New(), Require("cases:delete"))
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGuardUsesContextResolution(t *testing.T) {
	userID := uuid.New()
	resolver := &staticResolver{}
	guard := NewGuard(resolver)
	ctx := ContextWithResolution(context.Background(), Resolution{UserID: userID, Permissions: NewPermissionSet("cases:read")})

	allowed, err := guard.Check(ctx, userID, Require("cases:read"))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, resolver.calls)

	// a different user is resolved fresh
	_, err = guard.Check(ctx, uuid.New(), Require("cases:read"))
	require.NoError(t, err)
	assert.Equal(t, 1, resolver.calls)
}

func TestGuardEmptyRequirementSkipsResolve(t *testing.T) {
	resolver := &staticResolver{err: storeFailure("list assignments", errStoreDown)}

	allowed, err := NewGuard(resolver).Check(context.Background(), uuid.New(), AnyOf())
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, resolver.calls)
}
