package customer

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/example/eventcore/internal/infrastructure/store"
)

//go:embed migrations
var migrationFS embed.FS

// Migrate creates the customers current-state table.
func Migrate(ctx context.Context, db *sql.DB, d store.Dialect) error {
	sub, err := fs.Sub(migrationFS, path.Join("migrations", d.Name()))
	if err != nil {
		return err
	}
	return store.ApplyMigrations(ctx, db, d, "customer", sub)
}

// PersistState writes the customer's current state in the same transaction
// that appends its events.
func (c *Customer) PersistState(ctx context.Context, tx store.DBTX, d store.Dialect) (int64, error) {
	version := c.Version() + int64(len(c.PendingEvents()))
	res, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO customers
	(tenant_id, customer_id, email, name, active, version, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, customer_id) DO UPDATE SET
		email = excluded.email, name = excluded.name, active = excluded.active,
		version = excluded.version, updated_at = excluded.updated_at`),
		c.Stream().TenantID, c.ID, c.Email, c.Name, c.Active, version, c.UpdatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("persist customer %s: %w", c.ID, err)
	}
	return res.RowsAffected()
}

// State is the persisted current state of a customer.
type State struct {
	TenantID   string
	CustomerID string
	Email      string
	Name       string
	Active     bool
	Version    int64
}

// LoadState reads the current-state row without replaying events.
func LoadState(ctx context.Context, q store.DBTX, d store.Dialect, tenantID, customerID string) (State, error) {
	var s State
	err := q.QueryRowContext(ctx, d.Rebind(`SELECT tenant_id, customer_id, email, name, active, version
	FROM customers WHERE tenant_id = ? AND customer_id = ?`), tenantID, customerID).Scan(
		&s.TenantID, &s.CustomerID, &s.Email, &s.Name, &s.Active, &s.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrCustomerNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("load customer %s: %w", customerID, err)
	}
	return s, nil
}
