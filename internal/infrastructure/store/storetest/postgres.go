//go:build integration

package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Postgres starts a throwaway PostgreSQL container and returns a migrated
// connection to it. The container is terminated when the test ends.
func Postgres(t testing.TB) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pg, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "eventcore",
			"POSTGRES_PASSWORD": "eventcore",
			"POSTGRES_DB":       "eventcore",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://eventcore:eventcore@%s:%s/eventcore?sslmode=disable", host, port.Port())
	db, err := store.ConnectPostgres(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.Migrate(ctx, db, store.Postgres))
	return db
}
