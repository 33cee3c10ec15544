package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/keel/internal/errclass"
	"github.com/roach88/keel/internal/ir"
)

var testMigrations = []string{
	`CREATE TABLE items (id TEXT PRIMARY KEY, title TEXT NOT NULL, rank INTEGER, note TEXT);`,
	`CREATE TABLE links (from_id TEXT NOT NULL REFERENCES items(id), to_id TEXT NOT NULL REFERENCES items(id), PRIMARY KEY (from_id, to_id));`,
}

func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, Options{Migrations: testMigrations})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, Options{Migrations: testMigrations})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, Options{Migrations: testMigrations})
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path, Options{Migrations: testMigrations})
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if version != len(testMigrations) {
		t.Errorf("user_version = %d, want %d", version, len(testMigrations))
	}
}

func TestOpen_IncrementalMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, Options{Migrations: testMigrations[:1]})
	if err != nil {
		t.Fatalf("Open() v1 failed: %v", err)
	}
	s.Close()

	s, err = Open(path, Options{Migrations: testMigrations})
	if err != nil {
		t.Fatalf("Open() v2 failed: %v", err)
	}
	defer s.Close()

	var name string
	err = s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='links'").Scan(&name)
	if err != nil {
		t.Errorf("links table not created by migration: %v", err)
	}
}

func TestOpen_NewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, Options{Migrations: testMigrations})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	s.Close()

	_, err = Open(path, Options{Migrations: testMigrations[:1]})
	if err == nil {
		t.Fatal("expected error opening newer schema with older migrations")
	}
	if !errors.Is(err, errclass.ErrIO) {
		t.Errorf("expected E_IO, got %v", err)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"), Options{})
	if err == nil {
		t.Fatal("expected error for unopenable path")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db returned %v", err)
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name, want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		if err := s.verifyPragma(tt.name, tt.want); err != nil {
			t.Error(err)
		}
	}
}

func TestPragmas_CustomOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gen.db")
	s, err := Open(path, Options{BusyTimeout: 2 * time.Second, JournalMode: "DELETE"})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("journal_mode", "delete"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("busy_timeout", "2000"); err != nil {
		t.Error(err)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	s := createTestStore(t)
	_, err := s.DB().Exec("INSERT INTO links (from_id, to_id) VALUES ('a', 'b')")
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

func TestDump_DeterministicOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, stmt := range []string{
		"INSERT INTO items (id, title, rank) VALUES ('b', 'second', 2)",
		"INSERT INTO items (id, title, rank, note) VALUES ('a', 'first', 1, 'n')",
		"INSERT INTO links (from_id, to_id) VALUES ('b', 'a')",
	} {
		if _, err := s.DB().Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	dump, err := s.Dump(ctx, []Table{{Name: "items", OrderBy: "id"}, {Name: "links", OrderBy: "from_id, to_id"}})
	if err != nil {
		t.Fatalf("Dump() failed: %v", err)
	}

	got, err := ir.MarshalCanonical(dump)
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	want := `{"items":[{"id":"a","note":"n","rank":1,"title":"first"},{"id":"b","rank":2,"title":"second"}],"links":[{"from_id":"b","to_id":"a"}]}`
	if string(got) != want {
		t.Errorf("dump =\n%s\nwant\n%s", got, want)
	}
}

func TestDump_RejectsReal(t *testing.T) {
	s := createTestStore(t)
	if _, err := s.DB().Exec("CREATE TABLE f (id INTEGER PRIMARY KEY, v REAL); INSERT INTO f VALUES (1, 1.5)"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := s.Dump(context.Background(), []Table{{Name: "f", OrderBy: "id"}}); err == nil {
		t.Fatal("expected error for REAL column")
	}
}

func TestClassify(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	err := Classify("write", busy)
	if !errors.Is(err, errclass.ErrIO) || !errclass.IsRetryable(err) {
		t.Errorf("busy error not classified as retryable E_IO: %v", err)
	}

	err = Classify("read", sql.ErrNoRows)
	if !errors.Is(err, errclass.ErrNotFound) {
		t.Errorf("ErrNoRows not classified as E_NOT_FOUND: %v", err)
	}

	validation := errclass.ErrValidation.WithMessage("cycle")
	if got := Classify("write", validation); got != error(validation) {
		t.Errorf("classified error was rewrapped: %v", got)
	}

	if Classify("noop", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestCheckpoint(t *testing.T) {
	s := createTestStore(t)
	if _, err := s.DB().Exec("INSERT INTO items (id, title) VALUES ('a', 'x')"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint() failed: %v", err)
	}
}
