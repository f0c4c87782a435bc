package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/rs/zerolog"
)

// Snapshotter lets an aggregate choose its own snapshot encoding. Aggregates
// that do not implement it are snapshotted with encoding/json.
type Snapshotter interface {
	SnapshotState() ([]byte, error)
	RestoreState([]byte) error
}

// Source is everything needed to rebuild an aggregate.
type Source struct {
	DB        store.DBTX
	Events    store.EventStore
	Snapshots store.SnapshotStore // optional
	Registry  *event.Registry
	Logger    zerolog.Logger
}

// Load rebuilds the aggregate for stream from its latest usable snapshot plus
// the events recorded after it. It returns store.ErrNotFound if the stream
// has no history.
func Load[T Aggregate](ctx context.Context, src Source, stream store.StreamRef, newAggregate func() T) (T, error) {
	var zero T

	agg, from := restoreFromSnapshot(ctx, src, stream, newAggregate)

	for rec, err := range src.Events.ReadStream(ctx, src.DB, stream.TenantID, stream.StreamID, from) {
		if err != nil {
			return zero, fmt.Errorf("read stream %s: %w", stream.StreamID, err)
		}
		e, err := src.Registry.DecodeRecord(rec)
		if err != nil {
			if errors.Is(err, event.ErrUnknownEvent) {
				err = fmt.Errorf("%w: %w", store.ErrSerialization, err)
			}
			return zero, fmt.Errorf("decode event %d of %s: %w", rec.Version, stream.StreamID, err)
		}
		if err := agg.Apply(e); err != nil {
			return zero, fmt.Errorf("apply event %d of %s: %w", rec.Version, stream.StreamID, err)
		}
		agg.SetVersion(rec.Version)
	}

	if agg.Version() == 0 {
		return zero, store.ErrNotFound
	}
	return agg, nil
}

// restoreFromSnapshot returns a fresh aggregate, primed from the latest
// snapshot when one is available and valid, and the version to replay from.
// Snapshot problems are logged and fall back to a full replay.
func restoreFromSnapshot[T Aggregate](ctx context.Context, src Source, stream store.StreamRef, newAggregate func() T) (T, int64) {
	fresh := func() T {
		agg := newAggregate()
		agg.Init(stream)
		return agg
	}
	if src.Snapshots == nil {
		return fresh(), 0
	}

	log := src.Logger.With().Str("stream_id", stream.StreamID).Logger()
	snap, err := src.Snapshots.LoadLatest(ctx, stream.TenantID, stream.StreamID, 0)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("snapshot unavailable, replaying full stream")
		}
		return fresh(), 0
	}
	if err := snap.Verify(); err != nil {
		log.Warn().Err(err).Int64("version", snap.Version).Msg("discarding corrupt snapshot")
		return fresh(), 0
	}

	agg := fresh()
	if s, ok := any(agg).(Snapshotter); ok {
		err = s.RestoreState(snap.State)
	} else {
		err = json.Unmarshal(snap.State, agg)
	}
	if err != nil {
		log.Warn().Err(err).Int64("version", snap.Version).Msg("discarding unreadable snapshot")
		return fresh(), 0
	}
	agg.Init(stream)
	agg.SetVersion(snap.Version)
	return agg, snap.Version
}

// SnapshotPolicy decides when a commit should be followed by a snapshot.
type SnapshotPolicy struct {
	// Every is the number of events between snapshots; 0 disables them.
	Every int64
}

// Due reports whether moving from version before to after crossed a
// snapshot boundary.
func (p SnapshotPolicy) Due(before, after int64) bool {
	return p.Every > 0 && after/p.Every > before/p.Every
}

// TakeSnapshot captures agg at its current version.
func TakeSnapshot(agg Aggregate, now time.Time) (store.Snapshot, error) {
	var (
		state []byte
		err   error
	)
	if s, ok := agg.(Snapshotter); ok {
		state, err = s.SnapshotState()
	} else {
		state, err = json.Marshal(agg)
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: marshal aggregate state: %w", store.ErrSerialization, err)
	}
	return store.NewSnapshot(agg.Stream(), agg.Version(), state, now), nil
}
