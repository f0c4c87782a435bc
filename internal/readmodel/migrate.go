package readmodel

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"path"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// ErrNotFound is returned when a read-model row does not exist.
var ErrNotFound = errors.New("read model not found")

//go:embed migrations
var migrationFS embed.FS

// Migrate creates the read-model tables.
func Migrate(ctx context.Context, db *sql.DB, d store.Dialect) error {
	sub, err := fs.Sub(migrationFS, path.Join("migrations", d.Name()))
	if err != nil {
		return err
	}
	return store.ApplyMigrations(ctx, db, d, "readmodel", sub)
}

// tenantFilter returns the clause deleting or selecting rows of tenantID,
// or every row for the wildcard tenant.
func tenantFilter(tenantID string) (string, []any) {
	if tenantID == store.WildcardTenant {
		return "", nil
	}
	return " WHERE tenant_id = ?", []any{tenantID}
}
