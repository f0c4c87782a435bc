package unitofwork

import (
	"context"
	"errors"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// RetryOnConflict runs fn until it succeeds, fails with something other than
// a concurrency conflict, or attempts are exhausted. fn must load, mutate and
// commit from scratch on every call.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return store.Cancelled(ctx.Err())
			case <-time.After(time.Duration(i) * 5 * time.Millisecond):
			}
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return err
}
