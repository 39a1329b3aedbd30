package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charitydesk/charitydesk/internal/shared"
)

type handlerFixture struct {
	repo   *memoryRepo
	svc    *Service
	router chi.Router
	admin  uuid.UUID
	viewer uuid.UUID
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	repo := newMemoryRepo()
	perms := make([]Permission, 0, len(shared.CoreScopes()))
	for _, name := range shared.CoreScopes() {
		perms = append(perms, repo.seedPermission(name, nil, true))
	}
	adminRole := repo.seedRole("admin", true, perms...)
	viewerRole := repo.seedRole("viewer", true, perms[0])

	f := &handlerFixture{repo: repo, admin: uuid.New(), viewer: uuid.New()}
	repo.seedAssignment(f.admin, adminRole, true, nil)
	repo.seedAssignment(f.viewer, viewerRole, true, nil)

	resolver := NewResolver(repo, nil)
	f.svc = NewService(repo, nil, nil, nil, ServiceConfig{})
	mw := Middleware{Resolver: resolver}

	router := chi.NewRouter()
	router.Route("/permissions", NewPermissionsHandler(testLogger(), f.svc, resolver, mw).MountRoutes)
	router.Route("/modules", NewModulesHandler(testLogger(), f.svc, mw).MountRoutes)
	f.router = router
	return f
}

func (f *handlerFixture) do(userID uuid.UUID, method, target, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, requestAs(userID, method, target, body))
	return rr
}

func TestPermissionsHandlerListRequiresPermission(t *testing.T) {
	f := newHandlerFixture(t)

	rr := f.do(f.viewer, http.MethodGet, "/permissions/", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(f.admin, http.MethodGet, "/permissions/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Success bool         `json:"success"`
		Data    []Permission `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Len(t, body.Data, len(shared.CoreScopes()))
}

func TestPermissionsHandlerCreateValidates(t *testing.T) {
	f := newHandlerFixture(t)

	rr := f.do(f.admin, http.MethodPost, "/permissions/", `{"name":"Not A Name"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation", decodeEnvelope(t, rr).Code)

	rr = f.do(f.admin, http.MethodPost, "/permissions/", `{"name":"cases:read","unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(f.admin, http.MethodPost, "/permissions/", `{"resource":"cases","action":"read"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(f.admin, http.MethodPost, "/permissions/", `{"name":"cases:read"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestPermissionsHandlerDeleteSystemPermission(t *testing.T) {
	f := newHandlerFixture(t)
	perms, err := f.svc.ListPermissions(t.Context(), PermissionFilter{})
	require.NoError(t, err)

	rr := f.do(f.admin, http.MethodDelete, "/permissions/"+perms[0].ID.String(), "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	env := decodeEnvelope(t, rr)
	assert.Equal(t, "invariant_violation", env.Code)
	assert.Contains(t, env.Error, "cannot be deleted")

	rr = f.do(f.admin, http.MethodDelete, "/permissions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPermissionsHandlerMovePartial(t *testing.T) {
	f := newHandlerFixture(t)
	target := f.repo.seedModule("cases", 1, false)
	ok := f.repo.seedPermission("cases:read", nil, false)
	bad := f.repo.seedPermission("cases:update", nil, false)
	f.repo.moveErrs[bad.ID] = ErrModuleNotFound

	body := `{"permission_ids":["` + ok.ID.String() + `","` + bad.ID.String() + `"],"module_id":"` + target.ID.String() + `"}`
	rr := f.do(f.admin, http.MethodPost, "/permissions/move", body)
	require.Equal(t, http.StatusMultiStatus, rr.Code)

	var resp struct {
		Success bool        `json:"success"`
		Code    string      `json:"code"`
		Data    BatchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "partial_failure", resp.Code)
	assert.Equal(t, 1, resp.Data.Succeeded)
	assert.Equal(t, 1, resp.Data.Failed)
	assert.Equal(t, bad.ID, resp.Data.Failures[0].ID)
}

func TestPermissionsHandlerMeAndCheck(t *testing.T) {
	f := newHandlerFixture(t)

	rr := f.do(f.viewer, http.MethodGet, "/permissions/me", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var me struct {
		Data Resolution `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &me))
	assert.Equal(t, []string{shared.PermRolesRead}, me.Data.Permissions.Names())

	rr = f.do(f.viewer, http.MethodPost, "/permissions/check", `{"permissions":["roles:read","roles:manage"],"mode":"all"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var check struct {
		Data checkResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &check))
	assert.False(t, check.Data.Allowed)
	assert.Equal(t, "all", check.Data.Mode)

	rr = f.do(f.viewer, http.MethodPost, "/permissions/check", `{"permissions":["roles:read","roles:manage"]}`)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &check))
	assert.True(t, check.Data.Allowed)
	assert.Equal(t, "any", check.Data.Mode)

	rr = f.do(f.viewer, http.MethodPost, "/permissions/check", `{"permissions":[]}`)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &check))
	assert.True(t, check.Data.Allowed)

	check = struct {
		Data checkResponse `json:"data"`
	}{}
	rr = f.do(f.viewer, http.MethodPost, "/permissions/check", `{"permissions":["  "]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &check))
	assert.False(t, check.Data.Allowed)

	rr = f.do(uuid.Nil, http.MethodPost, "/permissions/check", `{"permissions":["roles:read"]}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(uuid.Nil, http.MethodGet, "/permissions/me", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestModulesHandlerLifecycle(t *testing.T) {
	f := newHandlerFixture(t)

	rr := f.do(f.admin, http.MethodPost, "/modules/", `{"name":"finance","icon":"coins","color":"#0a0"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		Data Module `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, "Finance", created.Data.DisplayName)

	perm := f.repo.seedPermission("contributions:read", &created.Data.ID, false)
	rr = f.do(f.admin, http.MethodDelete, "/modules/"+created.Data.ID.String(), "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = f.do(f.admin, http.MethodPost, "/permissions/move", `{"permission_ids":["`+perm.ID.String()+`"],"module_id":null}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(f.admin, http.MethodDelete, "/modules/"+created.Data.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(f.viewer, http.MethodPost, "/modules/", `{"name":"general"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestModulesHandlerReorder(t *testing.T) {
	f := newHandlerFixture(t)
	a := f.repo.seedModule("cases", 1, false)
	b := f.repo.seedModule("finance", 2, false)

	rr := f.do(f.admin, http.MethodPost, "/modules/reorder", `{"module_ids":["`+b.ID.String()+`","`+a.ID.String()+`"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Data []Module `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "finance", resp.Data[0].Name)
	assert.Equal(t, 1, resp.Data[0].SortOrder)

	rr = f.do(f.admin, http.MethodPost, "/modules/reorder", `{"module_ids":["`+a.ID.String()+`","`+a.ID.String()+`"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
