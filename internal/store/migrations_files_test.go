package store

import (
	"path/filepath"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	ups, err := listMigrations(migrationsDir, "up")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := listMigrations(migrationsDir, "down")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}

	seen := map[string]bool{}
	for _, up := range ups {
		if seen[up.version] {
			t.Fatalf("duplicate up migration file for version %s", up.version)
		}
		seen[up.version] = true
	}
	for _, down := range downs {
		if !seen[down.version] {
			t.Fatalf("down migration %s has no matching up file", down.name)
		}
		delete(seen, down.version)
	}
	for version := range seen {
		t.Fatalf("version %s must include both up and down files", version)
	}
}

func TestListMigrationsOrdersByName(t *testing.T) {
	ups, err := listMigrations(filepath.Join("..", "..", "db", "migrations"), "up")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	for i := 1; i < len(ups); i++ {
		if ups[i-1].name >= ups[i].name {
			t.Fatalf("%s sorted after %s", ups[i-1].name, ups[i].name)
		}
	}
}

func TestListMigrationsMissingDir(t *testing.T) {
	if _, err := listMigrations(filepath.Join(t.TempDir(), "nope"), "up"); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
