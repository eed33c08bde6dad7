// Package types provides common types shared by the masquerade packages.
package types

import (
	"database/sql"
	"strings"
	"time"
)

// Role is the privilege level held by a user.
type Role string

const (
	RoleUser       Role = "user"
	RoleSupport    Role = "support"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Rank orders roles by privilege. Unknown roles rank below RoleUser.
func (r Role) Rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleSupport:
		return 2
	case RoleAdmin:
		return 3
	case RoleSuperAdmin:
		return 4
	default:
		return 0
	}
}

// IsValid returns true if the role is one of the known roles.
func (r Role) IsValid() bool {
	return r.Rank() > 0
}

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.IsValid()
}

// User represents an application user.
type User struct {
	ID          int64  `db:"id" json:"id"`
	Email       string `db:"email" json:"email"`
	DisplayName string `db:"display_name" json:"display_name"`
	Role        Role   `db:"role" json:"role"`

	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	ModifiedAt time.Time    `db:"modified_at" json:"modified_at"`
	DeletedAt  sql.NullTime `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Name returns the label shown for the user in audit views.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

// IsActive returns true if the user is not soft-deleted.
func (u *User) IsActive() bool {
	return !u.DeletedAt.Valid
}
