// Package statedb owns the SQLite-backed state store: users, sessions,
// novels, and pipeline jobs. All non-vector, non-file state lives here.
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// defaultBusyTimeoutMS is the SQLite busy_timeout in milliseconds.
const defaultBusyTimeoutMS = 5000

// Open opens (creating if necessary) a SQLite database at dbPath, sets the
// WAL-mode pragmas, and runs pending migrations.
func Open(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("statedb: create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", normalizeDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("statedb: open database: %w", err)
	}

	// A single writer per process keeps WAL contention predictable; readers
	// still see consistent snapshots under WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busyTimeout := defaultBusyTimeoutMS
	if v := os.Getenv("STORYFORGE_BUSY_TIMEOUT_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			busyTimeout = parsed
		}
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-8000",
	}
	for _, pragma := range pragmas {
		if err := RetryWithBackoff(context.Background(), func() error {
			_, err := db.ExecContext(context.Background(), pragma)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("statedb: set pragma %q: %w", pragma, err)
		}
	}

	if err := RunMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statedb: run migrations: %w", err)
	}

	return db, nil
}

func normalizeDSN(dbPath string) string {
	if dbPath == ":memory:" {
		return "file::memory:?cache=shared"
	}
	if strings.HasPrefix(dbPath, "file:") {
		return dbPath
	}
	return "file:" + dbPath + "?mode=rwc&_txlock=immediate"
}

// RetryWithBackoff retries operation with exponential back-off on
// SQLITE_BUSY/SQLITE_LOCKED contention, giving up immediately on any other
// error (constraint violations are never transient).
func RetryWithBackoff(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := operation()
		if err == nil {
			return nil
		}
		if isRetryableError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func isRetryableError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "SQLITE_BUSY")
}
