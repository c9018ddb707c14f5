package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var migrationPattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

type migrationFile struct {
	version   string
	name      string
	path      string
	direction string
}

func listMigrations(migrationsDir, direction string) ([]migrationFile, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationPattern.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		files = append(files, migrationFile{
			version:   match[1],
			name:      entry.Name(),
			path:      filepath.Join(migrationsDir, entry.Name()),
			direction: match[2],
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// ApplyMigrations runs every *.up.sql file not yet recorded, in name order,
// each in its own transaction. It returns the names it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	files, err := listMigrations(migrationsDir, "up")
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		if migrated, err := isMigrated(ctx, db, file.name); err != nil {
			return applied, err
		} else if migrated {
			continue
		}

		contents, err := os.ReadFile(file.path)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file.name, err)
		}

		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
				return fmt.Errorf("execute migration %s: %w", file.name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, file.name); err != nil {
				return fmt.Errorf("record migration %s: %w", file.name, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, file.name)
	}

	return applied, nil
}

// RollbackMigrations runs the *.down.sql files of applied versions, newest
// first, and forgets them.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	downs, err := listMigrations(migrationsDir, "down")
	if err != nil {
		return nil, err
	}
	sort.Slice(downs, func(i, j int) bool { return downs[i].name > downs[j].name })

	var rolledBack []string
	for _, down := range downs {
		upName := strings.TrimSuffix(down.name, ".down.sql") + ".up.sql"
		migrated, err := isMigrated(ctx, db, upName)
		if err != nil {
			return rolledBack, err
		}
		if !migrated {
			continue
		}

		contents, err := os.ReadFile(down.path)
		if err != nil {
			return rolledBack, fmt.Errorf("read migration %s: %w", down.name, err)
		}
		err = inTx(ctx, db, func(tx *sql.Tx) error {
			if text := strings.TrimSpace(string(contents)); text != "" {
				if _, err := tx.ExecContext(ctx, text); err != nil {
					return fmt.Errorf("execute migration %s: %w", down.name, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, upName); err != nil {
				return fmt.Errorf("forget migration %s: %w", upName, err)
			}
			return nil
		})
		if err != nil {
			return rolledBack, err
		}
		rolledBack = append(rolledBack, down.name)
	}
	return rolledBack, nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
