package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultSnapshotRetention = 3

// SQLSnapshotStore keeps a bounded history of snapshots per stream in the
// same database as the events.
type SQLSnapshotStore struct {
	db        DBTX
	dialect   Dialect
	retention int
}

func NewSQLSnapshotStore(db DBTX, d Dialect) *SQLSnapshotStore {
	return &SQLSnapshotStore{db: db, dialect: d, retention: defaultSnapshotRetention}
}

// WithRetention sets how many snapshots are kept per stream.
func (s *SQLSnapshotStore) WithRetention(n int) *SQLSnapshotStore {
	if n > 0 {
		s.retention = n
	}
	return s
}

func (s *SQLSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	if err := CheckContext(ctx); err != nil {
		return err
	}
	if snap.Checksum == "" {
		snap.Checksum = Checksum(snap.State)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO snapshots
	(tenant_id, stream_id, version, stream_type, payload, checksum, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, stream_id, version) DO UPDATE SET
		payload = excluded.payload, checksum = excluded.checksum, created_at = excluded.created_at`),
		snap.TenantID, snap.StreamID, snap.Version, snap.StreamType,
		[]byte(snap.State), snap.Checksum, snap.CreatedAt.UnixMilli())
	if err != nil {
		return wrapCtx(ctx, fmt.Errorf("save snapshot: %w", err))
	}

	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM snapshots
	WHERE tenant_id = ? AND stream_id = ? AND version NOT IN (
		SELECT version FROM snapshots WHERE tenant_id = ? AND stream_id = ?
		ORDER BY version DESC LIMIT ?)`),
		snap.TenantID, snap.StreamID, snap.TenantID, snap.StreamID, s.retention)
	if err != nil {
		return wrapCtx(ctx, fmt.Errorf("prune snapshots: %w", err))
	}
	return nil
}

func (s *SQLSnapshotStore) LoadLatest(ctx context.Context, tenantID, streamID string, maxVersion int64) (Snapshot, error) {
	if err := CheckContext(ctx); err != nil {
		return Snapshot{}, err
	}

	query := `SELECT tenant_id, stream_id, stream_type, version, payload, checksum, created_at
	FROM snapshots WHERE tenant_id = ? AND stream_id = ?`
	args := []any{tenantID, streamID}
	if maxVersion > 0 {
		query += " AND version <= ?"
		args = append(args, maxVersion)
	}
	query += " ORDER BY version DESC LIMIT 1"

	var (
		snap      Snapshot
		state     []byte
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...).Scan(
		&snap.TenantID, &snap.StreamID, &snap.StreamType, &snap.Version, &state, &snap.Checksum, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, wrapCtx(ctx, fmt.Errorf("load snapshot: %w", err))
	}
	snap.State = state
	snap.CreatedAt = time.UnixMilli(createdAt).UTC()
	return snap, nil
}
