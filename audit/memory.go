package audit

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps the audit log in process memory. Writers serialize on a
// mutex and publish an immutable snapshot, so readers never lock.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	// snapshot holds entries sorted most recent first.
	snapshot atomic.Pointer[[]Entry]
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	empty := []Entry{}
	s.snapshot.Store(&empty)
	return s
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID

	current := *s.snapshot.Load()
	next := make([]Entry, 0, len(current)+1)
	next = append(next, current...)
	idx, _ := slices.BinarySearchFunc(next, *entry, compareDescending)
	next = slices.Insert(next, idx, *entry)
	s.snapshot.Store(&next)

	return nil
}

// ListDescending implements Store.
func (s *MemoryStore) ListDescending(ctx context.Context, offset, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := *s.snapshot.Load()
	if offset < 0 || offset >= len(entries) || limit <= 0 {
		return []Entry{}, nil
	}
	end := min(offset+limit, len(entries))
	return slices.Clone(entries[offset:end]), nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(*s.snapshot.Load()), nil
}

// OpenStarts implements OpenStartLister, oldest first.
func (s *MemoryStore) OpenStarts(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := *s.snapshot.Load()
	closed := make(map[int64]bool)
	for _, e := range entries {
		if e.EventType == EventEnd && e.StartID != nil {
			closed[*e.StartID] = true
		}
	}
	open := []Entry{}
	for i := len(entries) - 1; i >= 0; i-- {
		if e := entries[i]; e.EventType == EventStart && !closed[e.ID] {
			open = append(open, e)
		}
	}
	return open, nil
}

// compareDescending orders by event time then ID, newest first.
func compareDescending(a, b Entry) int {
	if c := b.EventTime.Compare(a.EventTime); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}
