// Package sqliteconfig builds modernc.org/sqlite connection strings from a
// validated set of pragmas.
package sqliteconfig

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by config validation.
var (
	ErrPathEmpty           = errors.New("path cannot be empty")
	ErrBusyTimeoutNegative = errors.New("busy_timeout must be >= 0")
	ErrInvalidJournalMode  = errors.New("invalid journal_mode")
	ErrWALAutocheckpoint   = errors.New("wal_autocheckpoint must be >= -1")
	ErrInvalidSynchronous  = errors.New("invalid synchronous")
	ErrInvalidTxLock       = errors.New("invalid txlock")
)

// DefaultBusyTimeout is the default busy timeout in milliseconds.
const DefaultBusyTimeout = 10000

// JournalMode represents SQLite journal_mode pragma values.
type JournalMode string

const (
	JournalModeWAL      JournalMode = "WAL"
	JournalModeDelete   JournalMode = "DELETE"
	JournalModeTruncate JournalMode = "TRUNCATE"
	JournalModeMemory   JournalMode = "MEMORY"
)

// Synchronous represents SQLite synchronous pragma values.
type Synchronous string

const (
	SynchronousNormal Synchronous = "NORMAL"
	SynchronousFull   Synchronous = "FULL"
	SynchronousExtra  Synchronous = "EXTRA"
)

// TxLock represents the driver's transaction lock mode.
type TxLock string

const (
	TxLockDeferred  TxLock = "deferred"
	TxLockImmediate TxLock = "immediate"
	TxLockExclusive TxLock = "exclusive"
)

var (
	journalModes = []JournalMode{JournalModeWAL, JournalModeDelete, JournalModeTruncate, JournalModeMemory}
	syncModes    = []Synchronous{SynchronousNormal, SynchronousFull, SynchronousExtra}
	txLocks      = []TxLock{TxLockDeferred, TxLockImmediate, TxLockExclusive}
)

func oneOf[T comparable](v T, allowed []T) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Config holds SQLite database configuration. Empty enum fields leave the
// SQLite default in place.
type Config struct {
	Path              string // file path or ":memory:"
	BusyTimeout       int    // milliseconds, 0 leaves it unset
	JournalMode       JournalMode
	WALAutocheckpoint int // pages, -1 leaves it unset
	Synchronous       Synchronous
	ForeignKeys       bool
	TxLock            TxLock
}

// Default returns the production configuration. The audit log is the
// record of who acted as whom, so commits are fully synchronous.
func Default(path string) *Config {
	return &Config{
		Path:              path,
		BusyTimeout:       DefaultBusyTimeout,
		JournalMode:       JournalModeWAL,
		WALAutocheckpoint: 1000,
		Synchronous:       SynchronousFull,
		ForeignKeys:       true,
		TxLock:            TxLockImmediate,
	}
}

// Memory returns a configuration for in-memory databases.
func Memory() *Config {
	return &Config{
		Path:              ":memory:",
		WALAutocheckpoint: -1,
		ForeignKeys:       true,
	}
}

// Validate checks if all configuration values are valid.
func (c *Config) Validate() error {
	switch {
	case c.Path == "":
		return ErrPathEmpty
	case c.BusyTimeout < 0:
		return fmt.Errorf("%w, got %d", ErrBusyTimeoutNegative, c.BusyTimeout)
	case c.JournalMode != "" && !oneOf(c.JournalMode, journalModes):
		return fmt.Errorf("%w: %s", ErrInvalidJournalMode, c.JournalMode)
	case c.WALAutocheckpoint < -1:
		return fmt.Errorf("%w, got %d", ErrWALAutocheckpoint, c.WALAutocheckpoint)
	case c.Synchronous != "" && !oneOf(c.Synchronous, syncModes):
		return fmt.Errorf("%w: %s", ErrInvalidSynchronous, c.Synchronous)
	case c.TxLock != "" && !oneOf(c.TxLock, txLocks):
		return fmt.Errorf("%w: %s", ErrInvalidTxLock, c.TxLock)
	}
	return nil
}

// ToURL builds the connection string with one _pragma parameter per setting.
func (c *Config) ToURL() (string, error) {
	if err := c.Validate(); err != nil {
		return "", fmt.Errorf("invalid config: %w", err)
	}

	var params []string
	if c.TxLock != "" {
		params = append(params, "_txlock="+string(c.TxLock))
	}

	pragma := func(format string, args ...interface{}) {
		params = append(params, "_pragma="+fmt.Sprintf(format, args...))
	}
	if c.BusyTimeout > 0 {
		pragma("busy_timeout=%d", c.BusyTimeout)
	}
	if c.JournalMode != "" {
		pragma("journal_mode=%s", c.JournalMode)
	}
	if c.WALAutocheckpoint >= 0 {
		pragma("wal_autocheckpoint=%d", c.WALAutocheckpoint)
	}
	if c.Synchronous != "" {
		pragma("synchronous=%s", c.Synchronous)
	}
	if c.ForeignKeys {
		pragma("foreign_keys=ON")
	}

	url := ":memory:"
	if c.Path != ":memory:" {
		url = "file:" + c.Path
	}
	if len(params) > 0 {
		url += "?" + strings.Join(params, "&")
	}
	return url, nil
}
