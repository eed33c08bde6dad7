package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/juanfont/masquerade/impersonation"
	"github.com/rs/zerolog/log"
)

// TaskTypeExpireImpersonation ends an impersonation session that outlived
// the configured timeout.
const TaskTypeExpireImpersonation = "impersonation:expire"

// ExpirePayload identifies the session to expire. StartedAt pins the exact
// session so that a later session in the same scope is left alone.
type ExpirePayload struct {
	AdminID        int64     `json:"admin_id"`
	LoginSessionID string    `json:"login_session_id"`
	StartedAt      time.Time `json:"started_at"`
}

// Scope returns the session scope named by the payload.
func (p ExpirePayload) Scope() impersonation.Scope {
	return impersonation.Scope{AdminID: p.AdminID, LoginSessionID: p.LoginSessionID}
}

// TaskID is the deduplication key of the expiry task.
func (p ExpirePayload) TaskID() string {
	return fmt.Sprintf("%s:%d:%s:%d", TaskTypeExpireImpersonation, p.AdminID, p.LoginSessionID, p.StartedAt.UnixNano())
}

// ExpiryScheduler implements impersonation.Scheduler with delayed Asynq tasks.
type ExpiryScheduler struct {
	client *Client
}

// NewExpiryScheduler creates an ExpiryScheduler.
func NewExpiryScheduler(client *Client) *ExpiryScheduler {
	return &ExpiryScheduler{client: client}
}

// ScheduleExpiry implements impersonation.Scheduler.
func (s *ExpiryScheduler) ScheduleExpiry(ctx context.Context, scope impersonation.Scope, startedAt time.Time, after time.Duration) error {
	payload := ExpirePayload{
		AdminID:        scope.AdminID,
		LoginSessionID: scope.LoginSessionID,
		StartedAt:      startedAt.UTC(),
	}
	_, err := s.client.EnqueueIn(ctx, TaskTypeExpireImpersonation, payload, after,
		asynq.TaskID(payload.TaskID()),
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(5),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Expirer ends sessions. Implemented by *impersonation.Service.
type Expirer interface {
	ExpireSession(ctx context.Context, scope impersonation.Scope, startedAt time.Time) (*impersonation.EndResult, error)
}

// NewExpiryHandler returns the handler for TaskTypeExpireImpersonation. A
// session that was already ended, or replaced by a newer one, is not an error.
func NewExpiryHandler(expirer Expirer) *TaskHandler[ExpirePayload] {
	return NewTaskHandler(func(ctx context.Context, payload ExpirePayload) error {
		result, err := expirer.ExpireSession(ctx, payload.Scope(), payload.StartedAt)
		if errors.Is(err, impersonation.ErrNoActiveSession) {
			log.Debug().
				Int64("admin_id", payload.AdminID).
				Time("started_at", payload.StartedAt).
				Msg("Impersonation already ended, nothing to expire")
			return nil
		}
		if err != nil {
			return err
		}

		log.Info().
			Int64("admin_id", payload.AdminID).
			Int64("target_user_id", result.Session.TargetUserID).
			Int64("duration_seconds", result.DurationSeconds).
			Msg("Impersonation expired by scheduled task")
		return nil
	})
}

// RegisterHandlers wires the impersonation task handlers into s.
func RegisterHandlers(s *Server, expirer Expirer) {
	s.Handle(TaskTypeExpireImpersonation, NewExpiryHandler(expirer))
}
