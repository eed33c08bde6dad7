package audit

import (
	"context"
	"time"

	"github.com/juanfont/masquerade/types"
)

// FormatDuration renders a duration in seconds as e.g. "5m32s".
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return (time.Duration(seconds) * time.Second).String()
}

// NewView resolves the identities on an entry for display. Start entries
// never carry a duration.
func NewView(ctx context.Context, e Entry, resolver Resolver) types.AuditLogView {
	view := types.AuditLogView{
		ID:        e.ID,
		Admin:     resolve(ctx, resolver, e.AdminID),
		Target:    resolve(ctx, resolver, e.TargetUserID),
		EventType: string(e.EventType),
		EventTime: e.EventTime.UTC(),
		Reason:    e.Reason,
	}
	if e.EventType == EventEnd && e.DurationSeconds != nil {
		formatted := FormatDuration(*e.DurationSeconds)
		view.DurationFormatted = &formatted
	}
	return view
}

func resolve(ctx context.Context, resolver Resolver, id int64) string {
	if resolver == nil {
		return types.UnknownUserLabel
	}
	name := resolver.ResolveDisplayName(ctx, id)
	if name == "" {
		return types.UnknownUserLabel
	}
	return name
}
