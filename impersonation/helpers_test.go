package impersonation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juanfont/masquerade/audit"
	"github.com/juanfont/masquerade/types"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[int64]*types.User
	err   error
}

func newFakeUsers(users ...*types.User) *fakeUsers {
	f := &fakeUsers{users: make(map[int64]*types.User)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetUserByID(_ context.Context, id int64) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) delete(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, id)
}

func (f *fakeUsers) ResolveDisplayName(ctx context.Context, id int64) string {
	u, err := f.GetUserByID(ctx, id)
	if err != nil {
		return types.UnknownUserLabel
	}
	return u.Name()
}

// flakyStore fails appends of the selected event type while failing is set.
type flakyStore struct {
	*audit.MemoryStore
	mu      sync.Mutex
	failing map[audit.EventType]bool
}

var errDiskFull = errors.New("disk full")

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: audit.NewMemoryStore(), failing: make(map[audit.EventType]bool)}
}

func (s *flakyStore) failOn(t audit.EventType, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[t] = fail
}

func (s *flakyStore) Append(ctx context.Context, e *audit.Entry) error {
	s.mu.Lock()
	fail := s.failing[e.EventType]
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.MemoryStore.Append(ctx, e)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	adminAlice   = &types.User{ID: 1, Email: "alice@example.com", DisplayName: "Alice", Role: types.RoleAdmin}
	adminBob     = &types.User{ID: 2, Email: "bob@example.com", DisplayName: "Bob", Role: types.RoleAdmin}
	rootCarol    = &types.User{ID: 3, Email: "carol@example.com", DisplayName: "Carol", Role: types.RoleSuperAdmin}
	supportDan   = &types.User{ID: 4, Email: "dan@example.com", Role: types.RoleSupport}
	userSeven    = &types.User{ID: 7, Email: "seven@example.com", DisplayName: "Seven", Role: types.RoleUser}
	userFortyTwo = &types.User{ID: 42, Email: "ft@example.com", DisplayName: "Forty Two", Role: types.RoleUser}
)

type fixture struct {
	users    *fakeUsers
	store    *flakyStore
	contexts *MemoryContexts
	clock    *manualClock
	service  *Service
}

func newFixture(opts ...Option) *fixture {
	users := newFakeUsers(adminAlice, adminBob, rootCarol, supportDan, userSeven, userFortyTwo)
	f := &fixture{
		users:    users,
		store:    newFlakyStore(),
		contexts: NewMemoryContexts(),
		clock:    &manualClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	guard := NewGuard(
		&RolePermissions{Users: users, Roles: []types.Role{types.RoleAdmin, types.RoleSuperAdmin}},
		users,
		Policy{},
	)
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.service = NewService(guard, f.contexts, f.store, users, opts...)
	return f
}

func actorFor(adminID int64) Actor {
	return Actor{AdminID: adminID, LoginSessionID: "login-1", IPAddress: "10.0.0.1", UserAgent: "test"}
}

func (f *fixture) entries() []audit.Entry {
	entries, _ := f.store.ListDescending(context.Background(), 0, 1000)
	return entries
}
