package aggregate

import (
	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/infrastructure/store"
)

// Aggregate defines the interface for event-sourced aggregates. Embedding
// Root provides everything except Apply.
type Aggregate interface {
	Init(stream store.StreamRef)
	Stream() store.StreamRef
	Version() int64
	SetVersion(int64)
	PendingEvents() []event.Event
	Record(event.Event)
	ClearEvents()
	// Apply folds e into the aggregate's state. It is used both when
	// replaying history and when raising new events, so it must not
	// validate business rules.
	Apply(e event.Event) error
}

// Root holds the bookkeeping shared by all aggregates.
type Root struct {
	stream  store.StreamRef
	version int64
	pending []event.Event
}

func (r *Root) Init(stream store.StreamRef) { r.stream = stream }

func (r *Root) Stream() store.StreamRef { return r.stream }

// Version is the last persisted version the aggregate has seen.
func (r *Root) Version() int64 { return r.version }

func (r *Root) SetVersion(v int64) { r.version = v }

// PendingEvents returns a copy of the events raised since the last commit.
func (r *Root) PendingEvents() []event.Event {
	out := make([]event.Event, len(r.pending))
	copy(out, r.pending)
	return out
}

func (r *Root) Record(e event.Event) { r.pending = append(r.pending, e) }

func (r *Root) ClearEvents() { r.pending = nil }

// Raise applies e to a and records it as pending.
func Raise(a Aggregate, e event.Event) error {
	if err := a.Apply(e); err != nil {
		return err
	}
	a.Record(e)
	return nil
}
