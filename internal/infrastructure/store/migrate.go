package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// Schema returns the event store migrations for d.
func Schema(d Dialect) fs.FS {
	sub, err := fs.Sub(migrationFS, path.Join("migrations", d.name))
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrate applies the event store, snapshot and checkpoint schema.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	return ApplyMigrations(ctx, db, d, "store", Schema(d))
}

// ApplyMigrations executes each *.sql file in fsys at most once, in name
// order. Applied files are recorded under namespace so several packages can
// share the migration table.
func ApplyMigrations(ctx context.Context, db *sql.DB, d Dialect, namespace string, fsys fs.FS) error {
	if db == nil {
		return fmt.Errorf("sql db is required")
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`, migrationTable)
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		name := namespace + "/" + file

		applied, err := migrationApplied(ctx, db, d, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := upSection(string(content))
		if strings.TrimSpace(up) == "" {
			continue
		}

		err = WithTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, up); err != nil {
				return fmt.Errorf("exec migration %s: %w", name, err)
			}
			_, err := tx.ExecContext(ctx, d.Rebind(
				"INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING"),
				name, time.Now().UTC().UnixMilli())
			if err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func upSection(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, downMarker)
	if downIdx == -1 {
		return content[upIdx+len(upMarker):]
	}
	return content[upIdx+len(upMarker) : downIdx]
}

func migrationApplied(ctx context.Context, db *sql.DB, d Dialect, name string) (bool, error) {
	var found int
	err := db.QueryRowContext(ctx, d.Rebind("SELECT 1 FROM "+migrationTable+" WHERE name = ?"), name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
