package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultBusyTimeout is used when Options.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

// Options configures Open.
type Options struct {
	// BusyTimeout bounds lock waits. Zero means DefaultBusyTimeout.
	BusyTimeout time.Duration

	// JournalMode is "WAL" (default) or "DELETE". Rebuild uses DELETE for
	// the generation it is about to rename into place, so the database is a
	// single self-contained file.
	JournalMode string

	// Migrations are applied in order; Migrations[i] upgrades user_version
	// i to i+1. Each entry may hold several statements.
	Migrations []string
}

// Store wraps one projection database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the SQLite database at path, applies pragmas and
// runs pending migrations. Safe to call repeatedly on the same file.
func Open(path string, opts Options) (*Store, error) {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}

	// busy_timeout goes in the DSN as well as the pragma so it already
	// applies while the connection is being established.
	dsn := fmt.Sprintf("%s?_txlock=immediate&_busy_timeout=%d", path, busy.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, Classify("open database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, Classify("connect to database", err)
	}

	// SQLite allows one writer; a single pooled connection also keeps the
	// per-connection pragmas below in force for the store's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, busy, journal); err != nil {
		db.Close()
		return nil, Classify("apply pragmas", err)
	}

	if err := runMigrations(db, opts.Migrations); err != nil {
		db.Close()
		return nil, Classify("apply schema", err)
	}

	return &Store{db: db, path: path}, nil
}

// New wraps an already-open database without touching its configuration.
// Tests use it with sqlmock.
func New(db *sql.DB, path string) *Store {
	return &Store{db: db, path: path}
}

// Close closes the database connection. Calling it again is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// BeginTx starts a write transaction.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Classify("begin transaction", err)
	}
	return tx, nil
}

// Checkpoint folds the WAL back into the main database file and truncates
// it. Rebuild calls this before swapping a new generation in.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return Classify("checkpoint", err)
	}
	return nil
}

// SchemaVersion returns the applied migration count.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, Classify("get user_version", err)
	}
	return version, nil
}

func applyPragmas(db *sql.DB, busy time.Duration, journal string) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode = %s", journal),
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// runMigrations applies migrations past the stored user_version inside one
// transaction, so a failed upgrade leaves the previous version intact.
func runMigrations(db *sql.DB, migrations []string) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
	}
	if version == len(migrations) {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migrate to v%d: %w", i+1, err)
		}
	}

	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", len(migrations))); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
