package store

import (
	"errors"
	"strings"
)

var (
	// ErrStoreUnavailable means the database file could not be opened or
	// created. Fatal: callers surface it immediately, nothing retries it.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConnTimeout means the pool stayed exhausted past the acquire
	// timeout. Recoverable: back off and retry, or fail the enclosing run.
	ErrConnTimeout = errors.New("connection acquire timed out")

	// ErrTxConflict means a write lost the lock race past the busy timeout.
	// Recoverable: retry the whole logical operation from scratch.
	ErrTxConflict = errors.New("transaction conflict")

	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("connection pool closed")
)

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// mattn/go-sqlite3 wraps errors as sqlite3.Error with a Code field; matching
// on the message avoids importing the CGO package outside the driver import.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}
