// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bizsync.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil {
		t.Errorf("Database query failed: %v", err)
	}
	if result != 1 {
		t.Errorf("Expected 1, got %d", result)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}
}

// TestOpenMigrated verifies both schema sets produce their tables.
func TestOpenMigrated(t *testing.T) {
	tests := []struct {
		set    MigrationSet
		tables []string
	}{
		{LocalSchema, []string{"action_queue", "documents", "schema_migrations"}},
		{RemoteSchema, []string{"documents", "schema_migrations"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.set), func(t *testing.T) {
			db, err := OpenMigrated(filepath.Join(t.TempDir(), "test.db"), tt.set)
			if err != nil {
				t.Fatalf("OpenMigrated() failed: %v", err)
			}
			defer db.Close()

			for _, table := range tt.tables {
				var name string
				err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
				if err != nil {
					t.Errorf("table %s not found: %v", table, err)
				}
			}
		})
	}
}

// TestOpenMigrated_Reopen verifies migrations are not applied twice.
func TestOpenMigrated_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenMigrated(path, LocalSchema)
	if err != nil {
		t.Fatalf("first OpenMigrated() failed: %v", err)
	}
	db.Close()

	db, err = OpenMigrated(path, LocalSchema)
	if err != nil {
		t.Fatalf("second OpenMigrated() failed: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("applied migrations = %d, want 2", count)
	}
}
