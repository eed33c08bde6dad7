package impersonation

import (
	"context"
	"math"

	"github.com/juanfont/masquerade/audit"
	"github.com/juanfont/masquerade/types"
)

// AuditLog is the read side of the impersonation audit log. It needs no
// session state, so tools that only inspect the log can use it directly.
type AuditLog struct {
	store    audit.Store
	resolver audit.Resolver
}

// NewAuditLog creates an AuditLog reading from store.
func NewAuditLog(store audit.Store, resolver audit.Resolver) *AuditLog {
	return &AuditLog{store: store, resolver: resolver}
}

// ClampPage normalizes a requested page and limit.
func ClampPage(page, limit int) (int, int) {
	if limit < MinPageLimit {
		limit = MinPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if page < 0 {
		page = 0
	}
	if page > math.MaxInt/limit {
		page = math.MaxInt / limit
	}
	return page, limit
}

// ListAuditLog returns one page of the audit log, most recent first, with
// identities resolved at read time.
func (l *AuditLog) ListAuditLog(ctx context.Context, page, limit int) (*types.AuditLogPage, error) {
	page, limit = ClampPage(page, limit)
	offset := page * limit

	entries, err := l.store.ListDescending(ctx, offset, limit)
	if err != nil {
		return nil, newError(CodeInternal, "listing audit log", err)
	}
	total, err := l.store.Count(ctx)
	if err != nil {
		return nil, newError(CodeInternal, "counting audit log", err)
	}

	items := make([]types.AuditLogView, 0, len(entries))
	for _, e := range entries {
		items = append(items, audit.NewView(ctx, e, l.resolver))
	}

	return &types.AuditLogPage{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	}, nil
}
