package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/rs/zerolog"
)

// Postgres holds a session-level advisory lock on a dedicated connection.
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewPostgres(db *sql.DB, log zerolog.Logger) *Postgres {
	return &Postgres{db: db, log: log}
}

// advisoryKey maps a lock name onto the bigint key space of pg_advisory_lock.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func (p *Postgres) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, store.Cancelled(ctx.Err())
		}
		return nil, fmt.Errorf("lock %s: acquire connection: %w", key, err)
	}

	id := advisoryKey(key)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, store.Cancelled(ctx.Err())
		}
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", id); err != nil {
				p.log.Warn().Err(err).Str("key", key).Msg("advisory unlock failed")
			}
			_ = conn.Close()
		})
	}, nil
}
