// Package database provides the SQLite storage for users and the
// impersonation audit log.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/juanfont/masquerade/database/sqliteconfig"
	"github.com/rs/zerolog/log"
	"github.com/tailscale/squibble"

	_ "modernc.org/sqlite"
)

// Database errors.
var (
	ErrBuildConnectionURL = errors.New("failed to build SQLite connection URL")
	ErrOpenDatabase       = errors.New("failed to open database")
	ErrPingDatabase       = errors.New("failed to ping database")
	ErrApplySchema        = errors.New("failed to apply schema")
)

// Database wraps the sqlx database connection.
type Database struct {
	db *sqlx.DB
}

// New opens the database at path with the production configuration and
// applies the schema.
func New(path string) (*Database, error) {
	return NewWithConfig(sqliteconfig.Default(path))
}

// NewWithConfig opens a database with custom configuration and applies the schema.
func NewWithConfig(cfg *sqliteconfig.Config) (*Database, error) {
	isNewDatabase := false
	if cfg.Path != ":memory:" {
		if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
			isNewDatabase = true
		}
	}

	connectionURL, err := cfg.ToURL()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildConnectionURL, err)
	}

	log.Debug().
		Str("path", cfg.Path).
		Str("config", connectionURL).
		Bool("new_database", isNewDatabase).
		Msg("Opening SQLite database")

	db, err := sqlx.Open("sqlite", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenDatabase, err)
	}

	// SQLite concurrency settings: Single connection model
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrPingDatabase, err)
	}

	s := &squibble.Schema{Current: Schema()}
	if err := s.Apply(context.Background(), db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrApplySchema, err)
	}

	log.Info().
		Str("path", cfg.Path).
		Msg("Database opened successfully")

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying *sqlx.DB for advanced operations.
func (d *Database) DB() *sqlx.DB {
	return d.db
}

// Schema returns the database schema. The audit log has no foreign keys to
// users so that its history survives user deletion, and triggers reject any
// UPDATE or DELETE on it.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT UNIQUE NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'user',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    modified_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

CREATE TABLE IF NOT EXISTS impersonation_audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    admin_id INTEGER NOT NULL,
    target_user_id INTEGER NOT NULL,
    event_type TEXT NOT NULL CHECK (event_type IN ('start', 'end')),
    event_time DATETIME NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    duration_seconds INTEGER CHECK (duration_seconds IS NULL OR duration_seconds >= 0),
    start_id INTEGER,
    end_cause TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    user_agent TEXT NOT NULL DEFAULT '',
    details TEXT,
    CHECK (event_type = 'end' OR admin_id <> target_user_id),
    CHECK ((event_type = 'end') = (duration_seconds IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_impersonation_audit_log_time ON impersonation_audit_log(event_time DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_impersonation_audit_log_admin ON impersonation_audit_log(admin_id, event_time);

CREATE TRIGGER IF NOT EXISTS impersonation_audit_log_no_update
BEFORE UPDATE ON impersonation_audit_log
BEGIN
    SELECT RAISE(ABORT, 'impersonation audit log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS impersonation_audit_log_no_delete
BEFORE DELETE ON impersonation_audit_log
BEGIN
    SELECT RAISE(ABORT, 'impersonation audit log is append-only');
END;
`
}
