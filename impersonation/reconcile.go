package impersonation

import (
	"context"
	"time"

	"github.com/juanfont/masquerade/audit"
	"github.com/juanfont/masquerade/types"
	"github.com/rs/zerolog/log"
)

// DefaultReconcileGrace is how old an unmatched start must be before
// Reconcile treats it as orphaned. A start younger than this may belong to
// a StartSession on another instance that has appended the entry but not
// yet stored the session.
const DefaultReconcileGrace = time.Minute

// Reconcile walks the unmatched start entries. A start with no live session
// gets an end entry with cause restart; this happens when the process
// holding an in-memory session stopped or when a start lost the set race.
// A live session that outlived the timeout is ended with cause timeout, so
// sessions expire even when no request or task arrives for them. Starts
// younger than the reconcile grace are skipped. It returns the number of
// entries closed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	lister, ok := s.audit.(audit.OpenStartLister)
	if !ok {
		return 0, nil
	}
	open, err := lister.OpenStarts(ctx)
	if err != nil {
		return 0, newError(CodeInternal, "listing open start entries", err)
	}

	closed := 0
	for _, start := range open {
		ok, err := s.closeOrphan(ctx, start)
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}

	if closed > 0 {
		log.Warn().Int("closed", closed).Msg("Reconciled unmatched impersonation start entries")
	}
	return closed, nil
}

func (s *Service) closeOrphan(ctx context.Context, start audit.Entry) (bool, error) {
	loginSessionID, _ := start.Details["login_session_id"].(string)
	scope := Scope{AdminID: start.AdminID, LoginSessionID: loginSessionID}

	unlock := s.locks.lock(scope)
	defer unlock()

	sc := s.contexts.For(scope)
	current, err := sc.Get(ctx)
	if err != nil {
		return false, newError(CodeInternal, "reading session state", err)
	}
	if current != nil && current.StartEntryID == start.ID {
		if !current.IsExpired(s.now(), s.timeout) {
			return false, nil
		}
		if _, err := s.endLocked(ctx, sc, current, audit.CauseTimeout, Actor{AdminID: scope.AdminID, LoginSessionID: scope.LoginSessionID}); err != nil {
			return false, err
		}
		return true, nil
	}

	now := s.now().UTC()
	if now.Sub(start.EventTime) < s.reconcileGrace {
		log.Debug().
			Int64("admin_id", start.AdminID).
			Int64("start_entry_id", start.ID).
			Msg("Skipping recent start entry, its session may still be stored")
		return false, nil
	}

	duration := int64(max(now.Sub(start.EventTime), 0) / time.Second)
	startID := start.ID
	entry := &audit.Entry{
		AdminID:         start.AdminID,
		TargetUserID:    start.TargetUserID,
		EventType:       audit.EventEnd,
		EventTime:       now,
		DurationSeconds: &duration,
		StartID:         &startID,
		EndCause:        audit.CauseRestart,
		Details: types.JSONMap{
			"login_session_id": loginSessionID,
			"reason":           start.Reason,
		},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		AuditWriteFailures.WithLabelValues(string(audit.EventEnd)).Inc()
		return false, newError(CodeInternal, "writing reconciliation end entry", err)
	}
	EndsTotal.WithLabelValues(string(audit.CauseRestart)).Inc()

	log.Info().
		Int64("admin_id", start.AdminID).
		Int64("target_user_id", start.TargetUserID).
		Int64("start_entry_id", start.ID).
		Msg("Closed impersonation start entry with no live session")
	return true, nil
}
