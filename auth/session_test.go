package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/sessions"
	"github.com/juanfont/masquerade/audit"
	"github.com/juanfont/masquerade/database"
	"github.com/juanfont/masquerade/impersonation"
	"github.com/juanfont/masquerade/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCookie = "masquerade_test"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type authFixture struct {
	users   *database.UserStore
	audit   *audit.MemoryStore
	service *impersonation.Service
	mw      *SessionMiddleware
	clock   *testClock
	admin   *types.User
	target  *types.User
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := database.NewUserStore(db)
	admin := &types.User{Email: "alice@example.com", DisplayName: "Alice", Role: types.RoleAdmin}
	target := &types.User{Email: "user@example.com", DisplayName: "Forty Two", Role: types.RoleUser}
	require.NoError(t, users.CreateUser(context.Background(), admin))
	require.NoError(t, users.CreateUser(context.Background(), target))

	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	permissions := &impersonation.RolePermissions{Users: users, Roles: []types.Role{types.RoleAdmin}}
	store := audit.NewMemoryStore()
	service := impersonation.NewService(
		impersonation.NewGuard(permissions, users, impersonation.Policy{}),
		impersonation.NewMemoryContexts(),
		store,
		users,
		impersonation.WithClock(clock.Now),
		impersonation.WithTimeout(30*time.Minute),
	)

	sessionStore := sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))
	return &authFixture{
		users:   users,
		audit:   store,
		service: service,
		mw:      NewSessionMiddleware(sessionStore, testCookie, users, service),
		clock:   clock,
		admin:   admin,
		target:  target,
	}
}

// login returns the cookie of a freshly logged in session for userID.
func (f *authFixture) login(t *testing.T, userID int64) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	_, err := f.mw.Login(rec, httptest.NewRequest(http.MethodPost, "/login", nil), userID)
	require.NoError(t, err)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func (f *authFixture) serve(handler http.Handler, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	f := newAuthFixture(t)
	handler := f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := f.serve(handler, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsCookieWithoutLoginSession(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	rec := httptest.NewRecorder()
	session, err := f.mw.sessionStore.Get(req, testCookie)
	require.NoError(t, err)
	session.Values[sessionKeyLogged] = true
	session.Values[sessionKeyUserID] = f.admin.ID
	require.NoError(t, session.Save(req, rec))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	handler := f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec = f.serve(handler, cookies[0])
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthSetsContext(t *testing.T) {
	f := newAuthFixture(t)
	cookie := f.login(t, f.admin.ID)

	var actor impersonation.Actor
	var effective *types.User
	handler := f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = GetActorFromContext(r.Context())
		effective = GetEffectiveUserFromContext(r.Context())
		_, impersonating := GetImpersonationFromContext(r.Context())
		assert.False(t, impersonating)
	}))

	rec := f.serve(handler, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.admin.ID, actor.AdminID)
	assert.NotEmpty(t, actor.LoginSessionID)
	require.NotNil(t, effective)
	assert.Equal(t, f.admin.ID, effective.ID)
}

func TestRequireAuthActsAsTarget(t *testing.T) {
	f := newAuthFixture(t)
	cookie := f.login(t, f.admin.ID)

	var actor impersonation.Actor
	capture := f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = GetActorFromContext(r.Context())
	}))
	f.serve(capture, cookie)

	_, err := f.service.StartSession(context.Background(), actor, impersonation.StartRequest{TargetUserID: f.target.ID, Reason: "ticket 9"})
	require.NoError(t, err)

	handler := f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, f.target.ID, GetEffectiveUserFromContext(r.Context()).ID)
		assert.Equal(t, f.admin.ID, GetUserFromContext(r.Context()).ID)
		assert.Equal(t, f.admin.ID, GetActorIDForAudit(r.Context()))
		session, ok := GetImpersonationFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "ticket 9", session.Reason)
	}))
	assert.Equal(t, http.StatusOK, f.serve(handler, cookie).Code)
}

func TestRequireAuthExpiresStaleSession(t *testing.T) {
	f := newAuthFixture(t)
	cookie := f.login(t, f.admin.ID)

	var actor impersonation.Actor
	handler := f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = GetActorFromContext(r.Context())
	}))
	f.serve(handler, cookie)

	_, err := f.service.StartSession(context.Background(), actor, impersonation.StartRequest{TargetUserID: f.target.ID, Reason: "ticket 9"})
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)

	var effective *types.User
	handler = f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		effective = GetEffectiveUserFromContext(r.Context())
	}))
	require.Equal(t, http.StatusOK, f.serve(handler, cookie).Code)
	assert.Equal(t, f.admin.ID, effective.ID)

	entries, err := f.audit.ListDescending(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.EventEnd, entries[0].EventType)
	assert.Equal(t, audit.CauseTimeout, entries[0].EndCause)
}

func TestRequireCapability(t *testing.T) {
	f := newAuthFixture(t)
	permissions := &impersonation.RolePermissions{Users: f.users, Roles: []types.Role{types.RoleAdmin}}
	handler := f.mw.RequireAuth(f.mw.RequireCapability(permissions)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	assert.Equal(t, http.StatusNoContent, f.serve(handler, f.login(t, f.admin.ID)).Code)

	rec := f.serve(handler, f.login(t, f.target.ID))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"AuthorizationError"}`, rec.Body.String())
}

func TestLogoutEndsImpersonation(t *testing.T) {
	f := newAuthFixture(t)
	cookie := f.login(t, f.admin.ID)

	var actor impersonation.Actor
	f.serve(f.mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ = GetActorFromContext(r.Context())
	})), cookie)
	_, err := f.service.StartSession(context.Background(), actor, impersonation.StartRequest{TargetUserID: f.target.ID, Reason: "ticket 9"})
	require.NoError(t, err)

	rec := f.serve(f.mw.RequireAuth(http.HandlerFunc(f.mw.LogoutHandler)), cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	active, err := f.service.IsImpersonating(context.Background(), actor)
	require.NoError(t, err)
	assert.False(t, active)

	entries, err := f.audit.ListDescending(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.CauseLogout, entries[0].EndCause)

	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.2:1234", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}
