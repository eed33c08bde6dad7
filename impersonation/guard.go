// Package impersonation implements the impersonation session lifecycle:
// who may act as whom, the per-login-session state, and the audit trail
// every start and end must leave behind.
package impersonation

import (
	"context"
	"errors"
	"slices"

	"github.com/juanfont/masquerade/types"
)

// PermissionChecker reports whether a user holds the impersonation capability.
type PermissionChecker interface {
	CanImpersonate(ctx context.Context, userID int64) (bool, error)
}

// UserLookup loads users. It returns types.ErrNotFound for unknown IDs.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID int64) (*types.User, error)
}

// RolePermissions grants the capability to users holding one of Roles.
type RolePermissions struct {
	Users UserLookup
	Roles []types.Role
}

// CanImpersonate implements PermissionChecker.
func (p *RolePermissions) CanImpersonate(ctx context.Context, userID int64) (bool, error) {
	user, err := p.Users.GetUserByID(ctx, userID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsActive() && slices.Contains(p.Roles, user.Role), nil
}

// Policy bounds which targets an admin may assume.
type Policy struct {
	// AllowPeerTargets permits impersonating users of the same role.
	AllowPeerTargets bool
}

// Permits reports whether admin may assume target's privilege level.
func (p Policy) Permits(admin, target *types.User) bool {
	if target.Role.Rank() < admin.Role.Rank() {
		return true
	}
	return p.AllowPeerTargets && target.Role.Rank() == admin.Role.Rank()
}

// Decision is the outcome of Guard.CanStart. The zero value allows.
type Decision struct {
	Err *Error
}

// Allowed returns true if every check passed.
func (d Decision) Allowed() bool {
	return d.Err == nil
}

func deny(code Code, msg string, err error) Decision {
	return Decision{Err: newError(code, msg, err)}
}

// Guard decides whether an admin may start impersonating a target.
type Guard struct {
	permissions PermissionChecker
	users       UserLookup
	policy      Policy
}

// NewGuard creates a Guard.
func NewGuard(permissions PermissionChecker, users UserLookup, policy Policy) *Guard {
	return &Guard{permissions: permissions, users: users, policy: policy}
}

// CanStart runs the checks in order and reports the first failure. It has no
// side effects.
func (g *Guard) CanStart(ctx context.Context, adminID, targetUserID int64, current *Session) Decision {
	capable, err := g.permissions.CanImpersonate(ctx, adminID)
	if err != nil {
		return deny(CodeInternal, "checking impersonation capability", err)
	}
	if !capable {
		return deny(CodeAuthorization, "missing impersonation capability", nil)
	}

	target, err := g.users.GetUserByID(ctx, targetUserID)
	if errors.Is(err, types.ErrNotFound) || (err == nil && !target.IsActive()) {
		return deny(CodeTargetNotFound, "target user not found", nil)
	}
	if err != nil {
		return deny(CodeInternal, "loading target user", err)
	}

	if targetUserID == adminID {
		return deny(CodeSelfImpersonation, "cannot impersonate yourself", nil)
	}

	if current != nil {
		return deny(CodeAlreadyImpersonating, "stop the current impersonation first", nil)
	}

	admin, err := g.users.GetUserByID(ctx, adminID)
	if err != nil {
		return deny(CodeInternal, "loading admin user", err)
	}
	if !g.policy.Permits(admin, target) {
		return deny(CodeForbidden, "target holds a privilege level the admin may not assume", nil)
	}

	return Decision{}
}
