package impersonation

import "sync"

// scopeLocks serializes the check-then-act sequences of one scope. Entries
// are reference counted and dropped when no caller holds or waits on them.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[Scope]*scopeLock
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

func (l *scopeLocks) lock(scope Scope) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[Scope]*scopeLock)
	}
	sl, ok := l.locks[scope]
	if !ok {
		sl = &scopeLock{}
		l.locks[scope] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()

		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, scope)
		}
		l.mu.Unlock()
	}
}
