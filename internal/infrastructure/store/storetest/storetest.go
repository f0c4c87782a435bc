// Package storetest provides a migrated SQLite database for tests in other
// packages.
package storetest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/stretchr/testify/require"
)

// Open returns a fresh SQLite database with the event store schema applied.
// It is closed when the test ends.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "eventcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db, store.SQLite))
	return db
}

// Append commits req in its own transaction.
func Append(t testing.TB, db *sql.DB, es store.EventStore, req store.AppendRequest) store.AppendResult {
	t.Helper()
	var res store.AppendResult
	err := store.WithTx(context.Background(), db, func(tx *sql.Tx) error {
		var err error
		res, err = es.Append(context.Background(), tx, req)
		return err
	})
	require.NoError(t, err)
	return res
}
