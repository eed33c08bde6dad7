// Package audit provides the append-only impersonation audit log.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/juanfont/masquerade/types"
)

// EventType is the kind of lifecycle event an entry records.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// EndCause records why a session ended.
type EndCause string

const (
	CauseExplicit EndCause = "explicit"
	CauseLogout   EndCause = "logout"
	CauseTimeout  EndCause = "timeout"
	// CauseRestart closes a start whose session did not survive a restart.
	CauseRestart EndCause = "restart"
)

// ErrInvalidEntry is returned by stores for entries that break the log's shape.
var ErrInvalidEntry = errors.New("invalid audit entry")

// Entry is a single immutable impersonation event.
type Entry struct {
	ID              int64         `db:"id"`
	AdminID         int64         `db:"admin_id"`
	TargetUserID    int64         `db:"target_user_id"`
	EventType       EventType     `db:"event_type"`
	EventTime       time.Time     `db:"event_time"`
	Reason          string        `db:"reason"`
	DurationSeconds *int64        `db:"duration_seconds"`
	StartID         *int64        `db:"start_id"`
	EndCause        EndCause      `db:"end_cause"`
	IPAddress       string        `db:"ip_address"`
	UserAgent       string        `db:"user_agent"`
	Details         types.JSONMap `db:"details"`
}

// Validate checks the invariants every stored entry must satisfy.
func (e *Entry) Validate() error {
	switch e.EventType {
	case EventStart:
		if e.TargetUserID == e.AdminID {
			return errors.Join(ErrInvalidEntry, errors.New("start entry targets its own admin"))
		}
		if e.DurationSeconds != nil {
			return errors.Join(ErrInvalidEntry, errors.New("start entry carries a duration"))
		}
	case EventEnd:
		if e.DurationSeconds == nil || *e.DurationSeconds < 0 {
			return errors.Join(ErrInvalidEntry, errors.New("end entry needs a non-negative duration"))
		}
	default:
		return errors.Join(ErrInvalidEntry, errors.New("unknown event type "+string(e.EventType)))
	}
	if e.EventTime.IsZero() {
		return errors.Join(ErrInvalidEntry, errors.New("missing event time"))
	}
	return nil
}

// OpenStartLister is implemented by stores that can list start entries with
// no paired end entry.
type OpenStartLister interface {
	OpenStarts(ctx context.Context) ([]Entry, error)
}

// Store is the persistence port for the audit log. Entries are never updated
// or deleted. Pagination arithmetic belongs to the caller.
type Store interface {
	// Append persists the entry and assigns its ID.
	Append(ctx context.Context, entry *Entry) error
	// ListDescending returns entries ordered by event time, most recent first.
	ListDescending(ctx context.Context, offset, limit int) ([]Entry, error)
	// Count returns the total number of entries.
	Count(ctx context.Context) (int, error)
}

// Resolver turns a user ID into a display name. Implementations must return
// types.UnknownUserLabel when the user cannot be resolved.
type Resolver interface {
	ResolveDisplayName(ctx context.Context, userID int64) string
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, userID int64) string

func (f ResolverFunc) ResolveDisplayName(ctx context.Context, userID int64) string {
	return f(ctx, userID)
}
