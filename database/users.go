package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/juanfont/masquerade/types"
	"github.com/rs/zerolog/log"
)

// UserStore reads and writes the users table. It also resolves user IDs to
// display names for audit views.
type UserStore struct {
	db *Database
}

// NewUserStore creates a UserStore.
func NewUserStore(db *Database) *UserStore {
	return &UserStore{db: db}
}

// CreateUser inserts a user and sets its ID.
func (s *UserStore) CreateUser(ctx context.Context, user *types.User) error {
	if !user.Role.IsValid() {
		return fmt.Errorf("creating user %q: invalid role %q", user.Email, user.Role)
	}
	res, err := s.db.db.NamedExecContext(ctx, `
INSERT INTO users (email, display_name, role)
VALUES (:email, :display_name, :role)`, user)
	if err != nil {
		return fmt.Errorf("creating user %q: %w", user.Email, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUserByID loads a user, including soft-deleted ones. It returns
// types.ErrNotFound when no row exists.
func (s *UserStore) GetUserByID(ctx context.Context, userID int64) (*types.User, error) {
	var user types.User
	err := s.db.db.GetContext(ctx, &user, `SELECT * FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %d: %w", userID, err)
	}
	return &user, nil
}

// ListUsers returns all users ordered by ID.
func (s *UserStore) ListUsers(ctx context.Context) ([]types.User, error) {
	users := []types.User{}
	if err := s.db.db.SelectContext(ctx, &users, `SELECT * FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// DeleteUser removes a user row. Audit entries referencing the user are kept
// and render with the unknown label afterwards.
func (s *UserStore) DeleteUser(ctx context.Context, userID int64) error {
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("deleting user %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ResolveDisplayName implements audit.Resolver.
func (s *UserStore) ResolveDisplayName(ctx context.Context, userID int64) string {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			log.Warn().Err(err).Int64("user_id", userID).Msg("Failed to resolve user display name")
		}
		return types.UnknownUserLabel
	}
	if name := user.Name(); name != "" {
		return name
	}
	return types.UnknownUserLabel
}
