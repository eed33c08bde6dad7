package impersonation

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/juanfont/masquerade/audit"
	"github.com/juanfont/masquerade/types"
	"github.com/rs/zerolog/log"
)

const (
	// MinPageLimit and MaxPageLimit bound the audit log page size.
	MinPageLimit = 1
	MaxPageLimit = 100

	maxReasonLength = 1000
)

// Actor is the authenticated admin performing an operation, together with
// the request metadata recorded in the audit log.
type Actor struct {
	AdminID        int64
	LoginSessionID string
	IPAddress      string
	UserAgent      string
}

// Scope returns the session scope the actor operates in.
func (a Actor) Scope() Scope {
	return Scope{AdminID: a.AdminID, LoginSessionID: a.LoginSessionID}
}

// StartRequest holds the caller supplied input for StartSession.
type StartRequest struct {
	TargetUserID int64
	Reason       string
}

// Validate checks the request shape.
func (r StartRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.TargetUserID, validation.Required, validation.Min(1)),
		validation.Field(&r.Reason, validation.Required, validation.Length(1, maxReasonLength)),
	)
}

// EndResult describes a session that was ended.
type EndResult struct {
	Session         Session
	DurationSeconds int64
	Cause           audit.EndCause
	EntryID         int64
}

// Scheduler arranges for a timed-out session to be expired out of band.
type Scheduler interface {
	ScheduleExpiry(ctx context.Context, scope Scope, startedAt time.Time, after time.Duration) error
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTimeout sets the session timeout. Zero disables expiry.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) { s.timeout = timeout }
}

// WithReconcileGrace sets how old an unmatched start must be before
// Reconcile closes it. Zero closes every orphan immediately.
func WithReconcileGrace(grace time.Duration) Option {
	return func(s *Service) { s.reconcileGrace = grace }
}

// WithScheduler enables out of band expiry.
func WithScheduler(scheduler Scheduler) Option {
	return func(s *Service) { s.scheduler = scheduler }
}

// Service orchestrates the guard, the session contexts and the audit log.
type Service struct {
	*AuditLog

	guard          *Guard
	contexts       ContextStore
	audit          audit.Store
	resolver       audit.Resolver
	scheduler      Scheduler
	timeout        time.Duration
	reconcileGrace time.Duration
	now            func() time.Time
	locks          scopeLocks
}

// NewService creates an impersonation service.
func NewService(guard *Guard, contexts ContextStore, store audit.Store, resolver audit.Resolver, opts ...Option) *Service {
	s := &Service{
		AuditLog:       NewAuditLog(store, resolver),
		guard:          guard,
		contexts:       contexts,
		audit:          store,
		resolver:       resolver,
		reconcileGrace: DefaultReconcileGrace,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession begins impersonating req.TargetUserID. The start entry is
// written before the session becomes visible; if that write fails no session
// is created.
func (s *Service) StartSession(ctx context.Context, actor Actor, req StartRequest) (*types.ImpersonationSummary, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if err := req.Validate(); err != nil {
		return nil, s.failStart(actor, newError(CodeValidation, "invalid start request", err))
	}

	scope := actor.Scope()
	unlock := s.locks.lock(scope)
	defer unlock()

	sc := s.contexts.For(scope)
	current, err := sc.Get(ctx)
	if err != nil {
		return nil, s.failStart(actor, newError(CodeInternal, "reading session state", err))
	}

	if current != nil && current.IsExpired(s.now(), s.timeout) {
		if _, err := s.endLocked(ctx, sc, current, audit.CauseTimeout, actor); err != nil {
			var e *Error
			if !errors.As(err, &e) {
				e = newError(CodeInternal, "expiring stale session", err)
			}
			return nil, s.failStart(actor, e)
		}
		current = nil
	}

	if decision := s.guard.CanStart(ctx, actor.AdminID, req.TargetUserID, current); !decision.Allowed() {
		return nil, s.failStart(actor, decision.Err)
	}

	now := s.now().UTC()
	entry := &audit.Entry{
		AdminID:      actor.AdminID,
		TargetUserID: req.TargetUserID,
		EventType:    audit.EventStart,
		EventTime:    now,
		Reason:       req.Reason,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		Details: types.JSONMap{
			"login_session_id": actor.LoginSessionID,
			"timeout":          s.timeout.String(),
		},
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		AuditWriteFailures.WithLabelValues(string(audit.EventStart)).Inc()
		return nil, s.failStart(actor, newError(CodeInternal, "writing start audit entry", err))
	}

	session := &Session{
		AdminID:        actor.AdminID,
		TargetUserID:   req.TargetUserID,
		Reason:         req.Reason,
		StartedAt:      now,
		StartEntryID:   entry.ID,
		LoginSessionID: actor.LoginSessionID,
	}
	if err := sc.Set(ctx, session); err != nil {
		OrphanedStarts.Inc()
		log.Warn().
			Err(err).
			Int64("admin_id", actor.AdminID).
			Int64("target_user_id", req.TargetUserID).
			Int64("audit_entry_id", entry.ID).
			Msg("Impersonation start entry orphaned, session was not stored")
		if errors.Is(err, ErrAlreadyActive) {
			return nil, s.failStart(actor, newError(CodeAlreadyImpersonating, "another start won the race", nil))
		}
		return nil, s.failStart(actor, newError(CodeInternal, "storing session", err))
	}

	StartsTotal.WithLabelValues("ok").Inc()
	ActiveSessions.Inc()
	log.Info().
		Int64("admin_id", actor.AdminID).
		Int64("target_user_id", req.TargetUserID).
		Str("reason", req.Reason).
		Str("ip", actor.IPAddress).
		Int64("audit_entry_id", entry.ID).
		Msg("Impersonation started")

	if s.scheduler != nil && s.timeout > 0 {
		if err := s.scheduler.ScheduleExpiry(ctx, scope, now, s.timeout); err != nil {
			log.Warn().Err(err).Str("scope", scope.String()).Msg("Failed to schedule impersonation expiry, relying on lazy expiry")
		}
	}

	return s.summarize(ctx, session, now), nil
}

func (s *Service) failStart(actor Actor, err *Error) error {
	StartsTotal.WithLabelValues(string(err.Code)).Inc()
	event := log.Info()
	if err.Code == CodeInternal {
		event = log.Error()
	}
	event.
		Err(err).
		Int64("admin_id", actor.AdminID).
		Str("code", string(err.Code)).
		Msg("Impersonation start refused")
	return err
}

// EndSession ends the actor's active session. If the end entry cannot be
// written the session stays active.
func (s *Service) EndSession(ctx context.Context, actor Actor) (*EndResult, error) {
	return s.end(ctx, actor.Scope(), audit.CauseExplicit, actor, nil)
}

// Logout ends any active session because the login session is going away.
// Having nothing to end is not an error.
func (s *Service) Logout(ctx context.Context, actor Actor) error {
	_, err := s.end(ctx, actor.Scope(), audit.CauseLogout, actor, nil)
	if err != nil && !errors.Is(err, ErrNoActiveSession) {
		return err
	}
	return nil
}

// ExpireSession ends the session of scope that started at startedAt. A
// session started later is left alone.
func (s *Service) ExpireSession(ctx context.Context, scope Scope, startedAt time.Time) (*EndResult, error) {
	return s.end(ctx, scope, audit.CauseTimeout, Actor{AdminID: scope.AdminID, LoginSessionID: scope.LoginSessionID}, func(current *Session) bool {
		return current.StartedAt.Equal(startedAt)
	})
}

// ExpireIfStale ends the session of scope when it outlived the timeout and
// reports whether it did.
func (s *Service) ExpireIfStale(ctx context.Context, scope Scope) (bool, error) {
	if s.timeout <= 0 {
		return false, nil
	}
	current, err := s.contexts.For(scope).Get(ctx)
	if err != nil {
		return false, newError(CodeInternal, "reading session state", err)
	}
	if current == nil || !current.IsExpired(s.now(), s.timeout) {
		return false, nil
	}

	_, err = s.end(ctx, scope, audit.CauseTimeout, Actor{AdminID: scope.AdminID, LoginSessionID: scope.LoginSessionID}, func(current *Session) bool {
		return current.IsExpired(s.now(), s.timeout)
	})
	if errors.Is(err, ErrNoActiveSession) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) end(ctx context.Context, scope Scope, cause audit.EndCause, actor Actor, match func(*Session) bool) (*EndResult, error) {
	unlock := s.locks.lock(scope)
	defer unlock()

	sc := s.contexts.For(scope)
	current, err := sc.Get(ctx)
	if err != nil {
		return nil, newError(CodeInternal, "reading session state", err)
	}
	if current == nil || (match != nil && !match(current)) {
		return nil, newError(CodeNoActiveSession, "not currently impersonating", nil)
	}

	return s.endLocked(ctx, sc, current, cause, actor)
}

// endLocked must run under the scope lock.
func (s *Service) endLocked(ctx context.Context, sc SessionContext, current *Session, cause audit.EndCause, actor Actor) (*EndResult, error) {
	now := s.now().UTC()
	duration := int64(current.Elapsed(now) / time.Second)
	startID := current.StartEntryID

	entry := &audit.Entry{
		AdminID:         current.AdminID,
		TargetUserID:    current.TargetUserID,
		EventType:       audit.EventEnd,
		EventTime:       now,
		DurationSeconds: &duration,
		EndCause:        cause,
		IPAddress:       actor.IPAddress,
		UserAgent:       actor.UserAgent,
		Details: types.JSONMap{
			"login_session_id": current.LoginSessionID,
			"reason":           current.Reason,
		},
	}
	if startID != 0 {
		entry.StartID = &startID
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		AuditWriteFailures.WithLabelValues(string(audit.EventEnd)).Inc()
		log.Error().
			Err(err).
			Int64("admin_id", current.AdminID).
			Int64("target_user_id", current.TargetUserID).
			Str("cause", string(cause)).
			Msg("Failed to write end audit entry, session left active")
		return nil, newError(CodeInternal, "writing end audit entry", err)
	}

	if err := sc.Clear(ctx); err != nil {
		log.Error().
			Err(err).
			Int64("admin_id", current.AdminID).
			Int64("audit_entry_id", entry.ID).
			Msg("End entry written but session could not be cleared")
		return nil, newError(CodeInternal, "clearing session", err)
	}

	EndsTotal.WithLabelValues(string(cause)).Inc()
	ActiveSessions.Dec()
	SessionDuration.Observe(float64(duration))

	event := log.Info()
	if cause == audit.CauseTimeout {
		event = log.Warn()
	}
	event.
		Int64("admin_id", current.AdminID).
		Int64("target_user_id", current.TargetUserID).
		Int64("duration_seconds", duration).
		Str("cause", string(cause)).
		Msg("Impersonation ended")

	return &EndResult{
		Session:         *current,
		DurationSeconds: duration,
		Cause:           cause,
		EntryID:         entry.ID,
	}, nil
}

// IsImpersonating reports whether the actor has a live session.
func (s *Service) IsImpersonating(ctx context.Context, actor Actor) (bool, error) {
	current, err := s.contexts.For(actor.Scope()).Get(ctx)
	if err != nil {
		return false, newError(CodeInternal, "reading session state", err)
	}
	return current != nil, nil
}

// ActiveSession returns the actor's live session, or nil.
func (s *Service) ActiveSession(ctx context.Context, actor Actor) (*Session, error) {
	current, err := s.contexts.For(actor.Scope()).Get(ctx)
	if err != nil {
		return nil, newError(CodeInternal, "reading session state", err)
	}
	return current, nil
}

// CurrentSession returns a summary of the actor's live session, or nil.
func (s *Service) CurrentSession(ctx context.Context, actor Actor) (*types.ImpersonationSummary, error) {
	current, err := s.ActiveSession(ctx, actor)
	if err != nil || current == nil {
		return nil, err
	}
	return s.summarize(ctx, current, s.now()), nil
}

func (s *Service) summarize(ctx context.Context, session *Session, now time.Time) *types.ImpersonationSummary {
	return &types.ImpersonationSummary{
		AdminID:        session.AdminID,
		AdminName:      s.displayName(ctx, session.AdminID),
		TargetUserID:   session.TargetUserID,
		TargetUserName: s.displayName(ctx, session.TargetUserID),
		StartedAt:      session.StartedAt.UTC(),
		ElapsedSeconds: int64(session.Elapsed(now) / time.Second),
		Reason:         session.Reason,
	}
}

func (s *Service) displayName(ctx context.Context, userID int64) string {
	if s.resolver == nil {
		return types.UnknownUserLabel
	}
	if name := s.resolver.ResolveDisplayName(ctx, userID); name != "" {
		return name
	}
	return types.UnknownUserLabel
}
