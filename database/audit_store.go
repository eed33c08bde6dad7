package database

import (
	"context"
	"fmt"

	"github.com/juanfont/masquerade/audit"
)

// AuditStore persists the impersonation audit log in SQLite.
type AuditStore struct {
	db *Database
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(db *Database) *AuditStore {
	return &AuditStore{db: db}
}

// Append implements audit.Store.
func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	entry.EventTime = entry.EventTime.UTC()

	res, err := s.db.db.NamedExecContext(ctx, `
INSERT INTO impersonation_audit_log (
    admin_id, target_user_id, event_type, event_time, reason,
    duration_seconds, start_id, end_cause, ip_address, user_agent, details
) VALUES (
    :admin_id, :target_user_id, :event_type, :event_time, :reason,
    :duration_seconds, :start_id, :end_cause, :ip_address, :user_agent, :details
)`, entry)
	if err != nil {
		return fmt.Errorf("appending %s audit entry: %w", entry.EventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading audit entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListDescending implements audit.Store.
func (s *AuditStore) ListDescending(ctx context.Context, offset, limit int) ([]audit.Entry, error) {
	entries := []audit.Entry{}
	if limit <= 0 {
		return entries, nil
	}
	err := s.db.db.SelectContext(ctx, &entries, `
SELECT * FROM impersonation_audit_log
ORDER BY event_time DESC, id DESC
LIMIT ? OFFSET ?`, limit, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}

// Count implements audit.Store.
func (s *AuditStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM impersonation_audit_log`); err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return n, nil
}

// OpenStarts implements audit.OpenStartLister, oldest first.
func (s *AuditStore) OpenStarts(ctx context.Context) ([]audit.Entry, error) {
	entries := []audit.Entry{}
	err := s.db.db.SelectContext(ctx, &entries, `
SELECT s.* FROM impersonation_audit_log s
WHERE s.event_type = 'start'
  AND NOT EXISTS (
    SELECT 1 FROM impersonation_audit_log e
    WHERE e.event_type = 'end' AND e.start_id = s.id
  )
ORDER BY s.event_time, s.id`)
	if err != nil {
		return nil, fmt.Errorf("listing open start entries: %w", err)
	}
	return entries, nil
}
