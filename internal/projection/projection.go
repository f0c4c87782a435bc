// Package projection keeps read models up to date by replaying the event
// store from a per-projection checkpoint.
package projection

import (
	"context"

	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/infrastructure/store"
)

// Projection folds events into a read model.
//
// Apply and Reset run inside the runner's transaction; everything they write
// through tx commits atomically with the checkpoint. Apply must be
// idempotent: the same record can be delivered again after a crash or when
// two checkpoints of the same projection overlap.
type Projection interface {
	Name() string
	// StreamTypes limits the records read; empty means every stream type.
	StreamTypes() []string
	// Events is the set of events the projection understands. Records with
	// other names are skipped.
	Events() *event.Registry
	Apply(ctx context.Context, tx store.DBTX, rec store.Record, ev event.Event) error
	// Reset removes everything the projection wrote for tenantID, or for
	// all tenants when tenantID is store.WildcardTenant.
	Reset(ctx context.Context, tx store.DBTX, tenantID string) error
}

// BatchResult describes one or more runner batches.
type BatchResult struct {
	Read    int
	Applied int
	Skipped int
	// From and To are the checkpoint positions before and after.
	From int64
	To   int64
	// Lag is the head position minus To, measured after the batch.
	Lag int64
}

func (r *BatchResult) add(o BatchResult, first bool) {
	if first {
		r.From = o.From
	}
	r.Read += o.Read
	r.Applied += o.Applied
	r.Skipped += o.Skipped
	r.To = o.To
	r.Lag = o.Lag
}
