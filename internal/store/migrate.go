package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// ApplyMigrations runs every *.up.sql file in fsys that is not yet recorded
// in schema_migrations, in lexical order, one transaction per file.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}

	files, err := migrationFiles(fsys, ".up.sql")
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, file := range files {
		version := path.Base(file)
		if migrated, err := isMigrated(ctx, db, version); err != nil {
			return applied, err
		} else if migrated {
			continue
		}

		contents, err := fs.ReadFile(fsys, file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", version, err)
		}

		err = runMigration(ctx, db, version, string(contents), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version)
			return err
		})
		if err != nil {
			return applied, err
		}
		applied++
	}

	return applied, nil
}

// RollbackLast reverts the most recently applied migration using its
// matching .down.sql file. It returns the reverted version, or "" when
// nothing has been applied.
func RollbackLast(ctx context.Context, db *sql.DB, fsys fs.FS) (string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return "", err
	}

	var version string
	err := db.QueryRowContext(ctx, `SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read last migration: %w", err)
	}

	downName := strings.TrimSuffix(version, ".up.sql") + ".down.sql"
	contents, err := fs.ReadFile(fsys, downName)
	if err != nil {
		return "", fmt.Errorf("read down migration %s: %w", downName, err)
	}

	err = runMigration(ctx, db, downName, string(contents), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version=$1`, version)
		return err
	})
	if err != nil {
		return "", err
	}
	return version, nil
}

func runMigration(ctx context.Context, db *sql.DB, name, body string, record func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", name, err)
	}

	if err := record(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func migrationFiles(fsys fs.FS, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
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
