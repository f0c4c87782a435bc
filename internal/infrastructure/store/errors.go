package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConflict means the stream head moved past the expected version.
	ErrConflict = errors.New("concurrency conflict")
	// ErrDuplicateWrite means the idempotency key was already committed.
	// Callers treat it as success and use the prior outcome.
	ErrDuplicateWrite = errors.New("duplicate write")
	ErrNotFound       = errors.New("not found")
	// ErrSerialization covers payloads that cannot be encoded or decoded,
	// including snapshots whose checksum does not match.
	ErrSerialization = errors.New("serialization failure")
	ErrCancelled     = errors.New("operation cancelled")

	ErrNoEvents       = errors.New("append requires at least one event")
	ErrInvalidRequest = errors.New("invalid request")
)

// ConflictError carries the version the writer expected and the one it found.
type ConflictError struct {
	TenantID string
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s/%s: expected version %d, actual %d",
		e.TenantID, e.StreamID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// DuplicateWriteError is returned by Append when the idempotency key has
// already been committed. Prior holds the outcome of the original write; it
// is empty when the original write was committed concurrently and could not
// be read back in the same transaction.
type DuplicateWriteError struct {
	Key   string
	Prior AppendResult
}

func (e *DuplicateWriteError) Error() string {
	return fmt.Sprintf("duplicate write for idempotency key %q", e.Key)
}

func (e *DuplicateWriteError) Is(target error) bool { return target == ErrDuplicateWrite }

// Cancelled wraps a context error so that callers can match either
// ErrCancelled or the underlying context.Canceled / DeadlineExceeded.
func Cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// CheckContext returns a Cancelled error if ctx is done.
func CheckContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return Cancelled(err)
	}
	return nil
}

// wrapCtx maps driver errors caused by cancellation onto ErrCancelled.
func wrapCtx(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Cancelled(ctxErr)
	}
	return err
}
