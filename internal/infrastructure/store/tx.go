package store

import (
	"context"
	"database/sql"
	"fmt"
)

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	if err := CheckContext(ctx); err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrapCtx(ctx, fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrapCtx(ctx, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapCtx(ctx, fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}
