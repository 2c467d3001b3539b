package users

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/permitdesk/permitdesk/internal/access"
	"github.com/permitdesk/permitdesk/internal/audit"
	"github.com/permitdesk/permitdesk/internal/rbac"
	"github.com/permitdesk/permitdesk/internal/shared"
)

type stubRepo struct {
	users map[access.Identity]User
}

func (s *stubRepo) ListUsers(ctx context.Context) ([]User, error) {
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *stubRepo) GetUser(ctx context.Context, identity access.Identity) (User, error) {
	u, ok := s.users[identity]
	if !ok {
		return User{}, access.ErrNotFound
	}
	return u, nil
}

func (s *stubRepo) UpdateRole(ctx context.Context, identity access.Identity, role access.Role) error {
	u, ok := s.users[identity]
	if !ok {
		return access.ErrNotFound
	}
	u.Role = role
	s.users[identity] = u
	return nil
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[access.Identity]map[access.PageID]access.PageAccessEntry
	caps    map[access.Identity]access.CapabilityFlags
	writes  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entries: map[access.Identity]map[access.PageID]access.PageAccessEntry{},
		caps:    map[access.Identity]access.CapabilityFlags{},
	}
}

func (m *memoryStore) FetchAccess(ctx context.Context, identity access.Identity) ([]access.PageAccessEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]access.PageAccessEntry, 0)
	for _, page := range access.Pages() {
		if e, ok := m.entries[identity][page]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryStore) FetchCapabilities(ctx context.Context, identity access.Identity) (access.CapabilityFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caps[identity]
	if !ok {
		return access.CapabilityFlags{}, access.ErrNotFound
	}
	return c, nil
}

func (m *memoryStore) UpsertAccess(ctx context.Context, identity access.Identity, entries []access.PageAccessEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.entries[identity] == nil {
		m.entries[identity] = map[access.PageID]access.PageAccessEntry{}
	}
	for _, e := range entries {
		m.entries[identity][e.Page] = e
	}
	return nil
}

func (m *memoryStore) UpsertCapabilities(ctx context.Context, identity access.Identity, flags access.CapabilityFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.caps[identity] = flags
	return nil
}

type stubHistory struct {
	entries []audit.Entry
}

func (s *stubHistory) Record(ctx context.Context, subject audit.Subject, action, actor string, meta map[string]any) (audit.Entry, error) {
	e := audit.Entry{Subject: subject, Action: action, Actor: actor, Metadata: meta}
	s.entries = append(s.entries, e)
	return e, nil
}

func profileFor(identity access.Identity, role access.Role) *access.ResolvedProfile {
	return access.FromBundle(access.UserProfile{Identity: identity, Role: role}, access.DefaultsFor(role), time.Now())
}

func newTestService() (*Service, *stubRepo, *memoryStore, *stubHistory) {
	repo := &stubRepo{users: map[access.Identity]User{
		"u-vera": {Identity: "u-vera", Name: "Vera", Role: access.RoleViewer, IsActive: true},
	}}
	store := newMemoryStore()
	history := &stubHistory{}
	return NewService(repo, store, history, nil), repo, store, history
}

func TestChangeRoleDoesNotReseed(t *testing.T) {
	svc, repo, store, history := newTestService()
	admin := profileFor("u-admin", access.RoleAdmin)
	viewerRows := access.DefaultsFor(access.RoleViewer).PageAccess
	require.NoError(t, store.UpsertAccess(context.Background(), "u-vera", viewerRows))
	writes := store.writes

	user, err := svc.ChangeRole(context.Background(), admin, "u-vera", "Manager")
	require.NoError(t, err)
	require.Equal(t, access.RoleManager, user.Role)
	require.Equal(t, access.RoleManager, repo.users["u-vera"].Role)
	require.Equal(t, writes, store.writes)

	rows, err := store.FetchAccess(context.Background(), "u-vera")
	require.NoError(t, err)
	require.ElementsMatch(t, viewerRows, rows)

	require.Len(t, history.entries, 1)
	entry := history.entries[0]
	require.Equal(t, audit.ActionRoleChanged, entry.Action)
	require.Equal(t, audit.UserSubject("u-vera"), entry.Subject)
	require.Equal(t, "u-admin", entry.Actor)
	require.Equal(t, "viewer", entry.Metadata["from"])
}

func TestChangeRoleRejectsUnknownRole(t *testing.T) {
	svc, _, _, history := newTestService()
	_, err := svc.ChangeRole(context.Background(), profileFor("u-admin", access.RoleAdmin), "u-vera", "owner")
	require.ErrorIs(t, err, access.ErrInvalidRole)
	require.Empty(t, history.entries)
}

func TestAdminOperationsRequireManageUsers(t *testing.T) {
	svc, _, store, _ := newTestService()
	manager := profileFor("u-mgr", access.RoleManager)

	_, err := svc.ChangeRole(context.Background(), manager, "u-vera", access.RoleStaff)
	require.ErrorIs(t, err, access.ErrPermissionDenied)
	require.ErrorIs(t, svc.ReplaceCapabilities(context.Background(), manager, "u-vera", access.CapabilityFlags{}), access.ErrPermissionDenied)
	require.ErrorIs(t, svc.ReplaceAccess(context.Background(), nil, "u-vera", nil), access.ErrPermissionDenied)
	require.Zero(t, store.writes)

	granted := access.FromBundle(access.UserProfile{Identity: "u-mgr", Role: access.RoleManager},
		access.Bundle{PageAccess: access.DefaultsFor(access.RoleManager).PageAccess, Capabilities: access.CapabilityFlags{CanManageUsers: true}}, time.Now())
	_, err = svc.ChangeRole(context.Background(), granted, "u-vera", access.RoleStaff)
	require.NoError(t, err)
}

func TestReplaceAccessValidatesPages(t *testing.T) {
	svc, _, store, history := newTestService()
	admin := profileFor("u-admin", access.RoleAdmin)

	err := svc.ReplaceAccess(context.Background(), admin, "u-vera", []access.PageAccessEntry{{Page: "billing", CanView: true}})
	require.ErrorIs(t, err, access.ErrInvalidPage)
	err = svc.ReplaceAccess(context.Background(), admin, "u-vera", []access.PageAccessEntry{{Page: access.PageUsers}, {Page: access.PageUsers}})
	require.ErrorIs(t, err, access.ErrInvalidPage)
	require.ErrorIs(t, svc.ReplaceAccess(context.Background(), admin, "u-ghost", []access.PageAccessEntry{{Page: access.PageUsers}}), access.ErrNotFound)
	require.Zero(t, store.writes)

	require.NoError(t, svc.ReplaceAccess(context.Background(), admin, "u-vera", []access.PageAccessEntry{{Page: access.PageUsers, CanView: true}}))
	rows, err := store.FetchAccess(context.Background(), "u-vera")
	require.NoError(t, err)
	require.Equal(t, []access.PageAccessEntry{{Page: access.PageUsers, CanView: true}}, rows)
	require.Equal(t, audit.ActionAccessChanged, history.entries[0].Action)
}

func TestDetailReportsDefaultsUntilSeeded(t *testing.T) {
	svc, _, store, _ := newTestService()
	admin := profileFor("u-admin", access.RoleAdmin)

	detail, err := svc.Detail(context.Background(), admin, "u-vera")
	require.NoError(t, err)
	require.False(t, detail.Seeded)
	require.Equal(t, access.DefaultsFor(access.RoleViewer).Capabilities, detail.Capabilities)

	require.NoError(t, svc.ReplaceCapabilities(context.Background(), admin, "u-vera", access.CapabilityFlags{CanExportData: true}))
	require.NoError(t, store.UpsertAccess(context.Background(), "u-vera", access.DefaultsFor(access.RoleViewer).PageAccess))
	detail, err = svc.Detail(context.Background(), admin, "u-vera")
	require.NoError(t, err)
	require.True(t, detail.Seeded)
	require.True(t, detail.Capabilities.CanExportData)
	require.False(t, detail.Capabilities.CanViewReports)

	_, err = svc.Detail(context.Background(), profileFor("u-1", access.RoleStaff), "u-vera")
	require.ErrorIs(t, err, access.ErrPermissionDenied)
}

func serveAs(h *Handler, profile *access.ResolvedProfile, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if profile != nil {
		sess := &shared.Session{}
		sess.SignIn(profile)
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	}
	r := chi.NewRouter()
	r.Route("/users", h.MountRoutes)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)
	return res
}

func TestHandlerRoutes(t *testing.T) {
	svc, _, _, _ := newTestService()
	h := NewHandler(nil, svc, rbac.Middleware{})
	admin := profileFor("u-admin", access.RoleAdmin)

	require.Equal(t, http.StatusUnauthorized, serveAs(h, nil, http.MethodGet, "/users/", "").Code)
	require.Equal(t, http.StatusForbidden, serveAs(h, profileFor("u-1", access.RoleStaff), http.MethodGet, "/users/", "").Code)

	list := serveAs(h, admin, http.MethodGet, "/users/", "")
	require.Equal(t, http.StatusOK, list.Code)
	require.Contains(t, list.Body.String(), "u-vera")

	require.Equal(t, http.StatusForbidden, serveAs(h, profileFor("u-mgr", access.RoleManager), http.MethodPut, "/users/u-vera/role", `{"role":"admin"}`).Code)
	require.Equal(t, http.StatusOK, serveAs(h, admin, http.MethodPut, "/users/u-vera/role", `{"role":"staff"}`).Code)
	require.Equal(t, http.StatusBadRequest, serveAs(h, admin, http.MethodPut, "/users/u-vera/role", `{"role":"owner"}`).Code)
	require.Equal(t, http.StatusNotFound, serveAs(h, admin, http.MethodPut, "/users/u-ghost/role", `{"role":"staff"}`).Code)
	require.Equal(t, http.StatusNoContent, serveAs(h, admin, http.MethodPut, "/users/u-vera/access", `{"pages":[{"page":"users","can_view":true}]}`).Code)
	require.Equal(t, http.StatusBadRequest, serveAs(h, admin, http.MethodPut, "/users/u-vera/access", `{"pages":[{"page":"billing"}]}`).Code)
	require.Equal(t, http.StatusNoContent, serveAs(h, admin, http.MethodPut, "/users/u-vera/capabilities", `{"can_export_data":true}`).Code)
}
