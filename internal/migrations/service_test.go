package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"testing"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open() error: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFSPerDialect(t *testing.T) {
	for _, d := range []Dialect{Postgres, SQLite} {
		fsys, err := FS(d)
		if err != nil {
			t.Fatalf("FS(%s) error: %v", d, err)
		}
		names, err := fs.Glob(fsys, "*.sql")
		if err != nil {
			t.Fatalf("glob %s: %v", d, err)
		}
		if len(names) != 2 {
			t.Fatalf("expected 2 migrations for %s, got %v", d, names)
		}
	}
	if _, err := FS("mysql"); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}

func TestUpAppliesSchemaToSQLite(t *testing.T) {
	db := openSQLite(t)
	svc, err := NewService(db, SQLite)
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}

	version, err := svc.Up(context.Background())
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}

	var maxUsers string
	if err := db.QueryRow(`SELECT value FROM settings WHERE key = 'max_users'`).Scan(&maxUsers); err != nil {
		t.Fatalf("query seeded setting: %v", err)
	}
	if maxUsers != "50" {
		t.Fatalf("expected seeded max_users 50, got %q", maxUsers)
	}

	// Re-running is a no-op.
	if _, err := svc.Up(context.Background()); err != nil {
		t.Fatalf("second Up() error: %v", err)
	}

	statuses, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	for _, st := range statuses {
		if !st.Applied {
			t.Fatalf("expected %s to be applied", st.Name)
		}
	}
	if statuses[0].Name != "00001_users_settings.sql" {
		t.Fatalf("unexpected first migration %q", statuses[0].Name)
	}
}

func TestNewServiceRequiresDB(t *testing.T) {
	if _, err := NewService(nil, SQLite); err == nil {
		t.Fatal("expected error for nil database")
	}
}
