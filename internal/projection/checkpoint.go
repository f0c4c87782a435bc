package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// ErrCheckpointBehind is returned when an advance would move a checkpoint
// backwards. Only Reset may do that.
var ErrCheckpointBehind = errors.New("checkpoint would move backwards")

// Checkpoint is the last position a projection has fully applied.
type Checkpoint struct {
	ProjectionName string
	TenantID       string
	Position       int64
	// Cursor is opaque to the store; projections may keep their own resume
	// token in it.
	Cursor    string
	UpdatedAt time.Time
}

// CheckpointStore persists checkpoints in the projection_checkpoints table.
// Every method takes the DBTX so that checkpoint moves commit together with
// the read-model writes of the same batch.
type CheckpointStore struct {
	dialect store.Dialect
	now     func() time.Time
}

func NewCheckpointStore(d store.Dialect) *CheckpointStore {
	return &CheckpointStore{dialect: d, now: time.Now}
}

// Load returns the checkpoint for (name, tenantID), creating it at position
// zero on first use.
func (s *CheckpointStore) Load(ctx context.Context, q store.DBTX, name, tenantID string) (Checkpoint, error) {
	_, err := q.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO projection_checkpoints
	(projection_name, tenant_id, position, cursor_token, updated_at) VALUES (?, ?, 0, '', ?)
	ON CONFLICT (projection_name, tenant_id) DO NOTHING`), name, tenantID, s.now().UnixMilli())
	if err != nil {
		return Checkpoint{}, ctxErr(ctx, fmt.Errorf("create checkpoint %s/%s: %w", name, tenantID, err))
	}

	cp := Checkpoint{ProjectionName: name, TenantID: tenantID}
	var updated int64
	err = q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT position, cursor_token, updated_at
	FROM projection_checkpoints WHERE projection_name = ? AND tenant_id = ?`), name, tenantID).
		Scan(&cp.Position, &cp.Cursor, &updated)
	if err != nil {
		return Checkpoint{}, ctxErr(ctx, fmt.Errorf("load checkpoint %s/%s: %w", name, tenantID, err))
	}
	cp.UpdatedAt = time.UnixMilli(updated).UTC()
	return cp, nil
}

// Advance stores cp. It fails with ErrCheckpointBehind if the stored
// position is already past cp.Position.
func (s *CheckpointStore) Advance(ctx context.Context, q store.DBTX, cp Checkpoint) error {
	res, err := q.ExecContext(ctx, s.dialect.Rebind(`UPDATE projection_checkpoints
	SET position = ?, cursor_token = ?, updated_at = ?
	WHERE projection_name = ? AND tenant_id = ? AND position <= ?`),
		cp.Position, cp.Cursor, s.now().UnixMilli(), cp.ProjectionName, cp.TenantID, cp.Position)
	if err != nil {
		return ctxErr(ctx, fmt.Errorf("advance checkpoint %s/%s: %w", cp.ProjectionName, cp.TenantID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s to %d", ErrCheckpointBehind, cp.ProjectionName, cp.TenantID, cp.Position)
	}
	return nil
}

// Reset moves the checkpoint back to zero.
func (s *CheckpointStore) Reset(ctx context.Context, q store.DBTX, name, tenantID string) error {
	_, err := q.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO projection_checkpoints
	(projection_name, tenant_id, position, cursor_token, updated_at) VALUES (?, ?, 0, '', ?)
	ON CONFLICT (projection_name, tenant_id) DO UPDATE SET
		position = 0, cursor_token = '', updated_at = excluded.updated_at`),
		name, tenantID, s.now().UnixMilli())
	if err != nil {
		return ctxErr(ctx, fmt.Errorf("reset checkpoint %s/%s: %w", name, tenantID, err))
	}
	return nil
}

// List returns every checkpoint ordered by projection and tenant.
func (s *CheckpointStore) List(ctx context.Context, q store.DBTX) ([]Checkpoint, error) {
	rows, err := q.QueryContext(ctx, `SELECT projection_name, tenant_id, position, cursor_token, updated_at
	FROM projection_checkpoints ORDER BY projection_name, tenant_id`)
	if err != nil {
		return nil, ctxErr(ctx, fmt.Errorf("list checkpoints: %w", err))
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp      Checkpoint
			updated int64
		)
		if err := rows.Scan(&cp.ProjectionName, &cp.TenantID, &cp.Position, &cp.Cursor, &updated); err != nil {
			return nil, err
		}
		cp.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, cp)
	}
	return out, rows.Err()
}

// MarkApplied records that the projection applied eventID. It reports false
// when the event was already recorded, which lets delta-style projections
// stay idempotent across replays.
func MarkApplied(ctx context.Context, tx store.DBTX, d store.Dialect, name, eventID string) (bool, error) {
	res, err := tx.ExecContext(ctx, d.Rebind(`INSERT INTO projection_applied_events (projection_name, event_id)
	VALUES (?, ?) ON CONFLICT (projection_name, event_id) DO NOTHING`), name, eventID)
	if err != nil {
		return false, ctxErr(ctx, fmt.Errorf("mark %s applied by %s: %w", eventID, name, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClearApplied forgets the events the projection has applied for tenantID,
// or for every tenant when tenantID is store.WildcardTenant.
func ClearApplied(ctx context.Context, tx store.DBTX, d store.Dialect, name, tenantID string) error {
	q := `DELETE FROM projection_applied_events WHERE projection_name = ?`
	args := []any{name}
	if tenantID != store.WildcardTenant {
		q += ` AND event_id IN (SELECT CAST(event_id AS TEXT) FROM events WHERE tenant_id = ?)`
		args = append(args, tenantID)
	}
	if _, err := tx.ExecContext(ctx, d.Rebind(q), args...); err != nil {
		return ctxErr(ctx, fmt.Errorf("clear applied events of %s: %w", name, err))
	}
	return nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, store.ErrCancelled) {
		return store.Cancelled(ctx.Err())
	}
	return err
}
