package types

import "time"

// UnknownUserLabel is shown in place of a user that no longer resolves.
const UnknownUserLabel = "Unknown"

// ImpersonationSummary describes a live impersonation session.
type ImpersonationSummary struct {
	AdminID        int64     `json:"adminId"`
	AdminName      string    `json:"adminName"`
	TargetUserID   int64     `json:"targetUserId"`
	TargetUserName string    `json:"targetUserName"`
	StartedAt      time.Time `json:"startedAt"`
	ElapsedSeconds int64     `json:"elapsedSeconds"`
	Reason         string    `json:"reason"`
}

// AuditLogView is an audit entry with identities resolved for display.
type AuditLogView struct {
	ID                int64     `json:"id"`
	Admin             string    `json:"admin"`
	Target            string    `json:"target"`
	EventType         string    `json:"eventType"`
	EventTime         time.Time `json:"eventTime"`
	DurationFormatted *string   `json:"durationFormatted"`
	Reason            string    `json:"reason"`
}

// AuditLogPage is one page of the audit log, most recent first.
type AuditLogPage struct {
	Items []AuditLogView `json:"items"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
	Total int            `json:"total"`
}

// ImpersonationStartRequest is the request body for starting impersonation.
type ImpersonationStartRequest struct {
	TargetUserID int64  `json:"targetUserId"`
	Reason       string `json:"reason"`
}

// ImpersonationStartResponse is the response for a successful start.
type ImpersonationStartResponse struct {
	Success bool                  `json:"success"`
	Session *ImpersonationSummary `json:"session"`
}

// ImpersonationEndResponse is the response for a successful end.
type ImpersonationEndResponse struct {
	Success  bool  `json:"success"`
	Duration int64 `json:"duration"`
}

// ImpersonationStatusResponse is the response for the status endpoint.
type ImpersonationStatusResponse struct {
	IsImpersonating bool                  `json:"isImpersonating"`
	Session         *ImpersonationSummary `json:"session"`
}

// ImpersonationErrorResponse is returned when an impersonation operation is refused.
type ImpersonationErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
