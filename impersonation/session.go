package impersonation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyActive is returned by SessionContext.Set when a session is already held.
var ErrAlreadyActive = errors.New("impersonation session already active")

// Scope identifies one admin's login session. At most one impersonation
// session exists per scope.
type Scope struct {
	AdminID        int64
	LoginSessionID string
}

func (s Scope) String() string {
	return fmt.Sprintf("%d/%s", s.AdminID, s.LoginSessionID)
}

// Session is a live impersonation held in a SessionContext.
type Session struct {
	AdminID        int64     `json:"admin_id"`
	TargetUserID   int64     `json:"target_user_id"`
	Reason         string    `json:"reason"`
	StartedAt      time.Time `json:"started_at"`
	StartEntryID   int64     `json:"start_entry_id"`
	LoginSessionID string    `json:"login_session_id"`
}

// Elapsed returns how long the session has been active at now, never negative.
func (s *Session) Elapsed(now time.Time) time.Duration {
	d := now.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// IsExpired checks if the session outlived timeout. A zero timeout never expires.
func (s *Session) IsExpired(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return s.Elapsed(now) > timeout
}

// SessionContext holds the impersonation state of a single scope.
type SessionContext interface {
	// Set stores the session, failing with ErrAlreadyActive if one exists.
	Set(ctx context.Context, session *Session) error
	// Get returns the live session, or nil.
	Get(ctx context.Context) (*Session, error)
	// Clear removes the session. It is a no-op when none exists.
	Clear(ctx context.Context) error
}

// ContextStore hands out the SessionContext of a scope.
type ContextStore interface {
	For(scope Scope) SessionContext
}

// MemoryContexts keeps session contexts in process memory.
type MemoryContexts struct {
	mu       sync.Mutex
	contexts map[Scope]*memoryContext
}

// NewMemoryContexts creates an empty in-memory context store.
func NewMemoryContexts() *MemoryContexts {
	return &MemoryContexts{contexts: make(map[Scope]*memoryContext)}
}

// For implements ContextStore.
func (m *MemoryContexts) For(scope Scope) SessionContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[scope]
	if !ok {
		c = &memoryContext{}
		m.contexts[scope] = c
	}
	return c
}

// Scopes returns the scopes currently holding a live session.
func (m *MemoryContexts) Scopes() []Scope {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes := make([]Scope, 0, len(m.contexts))
	for scope, c := range m.contexts {
		if c.current.Load() != nil {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

type memoryContext struct {
	current atomic.Pointer[Session]
}

func (c *memoryContext) Set(_ context.Context, session *Session) error {
	stored := *session
	if !c.current.CompareAndSwap(nil, &stored) {
		return ErrAlreadyActive
	}
	return nil
}

func (c *memoryContext) Get(_ context.Context) (*Session, error) {
	s := c.current.Load()
	if s == nil {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (c *memoryContext) Clear(_ context.Context) error {
	c.current.Store(nil)
	return nil
}
