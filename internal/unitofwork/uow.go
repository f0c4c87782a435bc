// Package unitofwork commits the aggregates touched by one operation in a
// single transaction and publishes their events afterwards.
package unitofwork

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrAlreadyCommitted = errors.New("unit of work already committed")

// StatePersister is implemented by aggregates that keep a current-state row
// next to their event stream. PersistState runs inside the commit
// transaction, after the aggregate's events were appended, and returns the
// number of rows it wrote. It is skipped when the append was already
// recorded under the same idempotency key.
type StatePersister interface {
	PersistState(ctx context.Context, tx store.DBTX, d store.Dialect) (int64, error)
}

// CommitOptions carries the write context stamped on every appended event.
type CommitOptions struct {
	// IdempotencyKey identifies the logical operation. Retrying a commit
	// with the same key after an ambiguous failure is safe. Empty means a
	// fresh key per commit.
	IdempotencyKey string
	CorrelationID  string
	CausationID    string
	ActorID        string
	Metadata       map[string]string
}

// Manager creates units of work and holds the dependencies they share.
type Manager struct {
	db        *sql.DB
	dialect   store.Dialect
	events    store.EventStore
	snapshots store.SnapshotStore
	policy    aggregate.SnapshotPolicy
	registry  *event.Registry
	bus       *Bus
	metrics   metrics.Recorder
	log       zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Manager)

// WithSnapshots enables snapshots on load and after commits that cross a
// policy boundary. A zero policy snapshots every
// store.DefaultSnapshotThreshold events.
func WithSnapshots(s store.SnapshotStore, policy aggregate.SnapshotPolicy) Option {
	if policy.Every <= 0 {
		policy.Every = store.DefaultSnapshotThreshold
	}
	return func(m *Manager) {
		m.snapshots = s
		m.policy = policy
	}
}

func WithBus(b *Bus) Option { return func(m *Manager) { m.bus = b } }

func WithMetrics(r metrics.Recorder) Option { return func(m *Manager) { m.metrics = r } }

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "unitofwork").Logger() }
}

func WithTracer(t trace.Tracer) Option { return func(m *Manager) { m.tracer = t } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(db *sql.DB, d store.Dialect, events store.EventStore, registry *event.Registry, opts ...Option) *Manager {
	m := &Manager{
		db:       db,
		dialect:  d,
		events:   events,
		registry: registry,
		metrics:  metrics.Nop{},
		log:      zerolog.Nop(),
		tracer:   otel.Tracer("github.com/example/eventcore/internal/unitofwork"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Source returns what aggregate.Load needs to rebuild aggregates outside a
// unit of work.
func (m *Manager) Source() aggregate.Source {
	return aggregate.Source{
		DB:        m.db,
		Events:    m.events,
		Snapshots: m.snapshots,
		Registry:  m.registry,
		Logger:    m.log,
	}
}

// PriorWrite returns the outcome recorded for stream by an earlier commit
// with idempotency key key.
func (m *Manager) PriorWrite(ctx context.Context, key string, stream store.StreamRef) (store.AppendResult, bool, error) {
	return m.events.PriorWrite(ctx, m.db, WriteKey(key, stream))
}

// Begin starts an operation. The returned context carries the unit's
// collector so that code deeper in the call chain can register aggregates
// with aggregate.Track.
func (m *Manager) Begin(ctx context.Context) (context.Context, *UnitOfWork) {
	u := &UnitOfWork{m: m, collector: aggregate.NewCollector()}
	return aggregate.WithCollector(ctx, u.collector), u
}

// UnitOfWork is the working set of one operation. It is not safe to commit
// from several goroutines at once.
type UnitOfWork struct {
	m         *Manager
	collector *aggregate.Collector

	mu        sync.Mutex
	committed bool
	replayed  []store.AppendResult
}

// Track registers agg for the next commit.
func (u *UnitOfWork) Track(agg aggregate.Aggregate) { u.collector.Register(agg) }

func (u *UnitOfWork) Collector() *aggregate.Collector { return u.collector }

// Load rebuilds an aggregate and tracks it in u.
func Load[T aggregate.Aggregate](ctx context.Context, u *UnitOfWork, stream store.StreamRef, newAggregate func() T) (T, error) {
	agg, err := aggregate.Load(ctx, u.m.Source(), stream, newAggregate)
	if err != nil {
		return agg, err
	}
	u.Track(agg)
	return agg, nil
}

type outcome struct {
	agg       aggregate.Aggregate
	events    []event.Event
	result    store.AppendResult
	duplicate bool
}

// Commit atomically appends the pending events of every tracked aggregate
// and returns the number of records modified. After the transaction commits
// it clears pending events, takes due snapshots and publishes the committed
// events to the bus. A failed commit leaves the aggregates untouched.
//
// An aggregate whose append was already recorded under the same key is left
// as it was: its pending events were not written and it does not reflect the
// store. Replayed reports those appends; reload the aggregates to continue.
func (u *UnitOfWork) Commit(ctx context.Context, opts CommitOptions) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.committed {
		return 0, ErrAlreadyCommitted
	}
	m := u.m

	ctx, span := m.tracer.Start(ctx, "unitofwork.Commit")
	defer span.End()
	start := m.now()

	if err := store.CheckContext(ctx); err != nil {
		return 0, err
	}

	pending := u.collector.Pending()
	span.SetAttributes(attribute.Int("unitofwork.aggregates", len(pending)))
	if len(pending) == 0 {
		u.collector.Drain()
		u.committed = true
		return 0, nil
	}

	key := opts.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	var (
		outcomes []outcome
		modified int
		failed   store.StreamRef
	)
	err := store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		outcomes, modified = outcomes[:0], 0
		for _, agg := range pending {
			failed = agg.Stream()
			events := agg.PendingEvents()
			req, err := u.appendRequest(agg, events, key, opts)
			if err != nil {
				return err
			}

			res, err := m.events.Append(ctx, tx, req)
			var dup *store.DuplicateWriteError
			if errors.As(err, &dup) && len(dup.Prior.Records) > 0 {
				// The state row was written by the original commit.
				outcomes = append(outcomes, outcome{agg: agg, result: dup.Prior, duplicate: true})
				modified += len(dup.Prior.Records)
				continue
			}
			if err != nil {
				return err
			}
			outcomes = append(outcomes, outcome{agg: agg, events: events, result: res})
			modified += len(res.Records)

			if p, ok := agg.(StatePersister); ok {
				n, err := p.PersistState(ctx, tx, m.dialect)
				if err != nil {
					return err
				}
				modified += int(n)
			}
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			m.metrics.ConcurrencyConflict(failed.StreamType)
		case errors.Is(err, store.ErrDuplicateWrite):
			// A concurrent commit with the same key won the race.
			m.metrics.DuplicateWrite(failed.StreamType)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	u.committed = true
	u.collector.Drain()

	var envs []Envelope
	u.replayed = u.replayed[:0]
	for _, o := range outcomes {
		streamType := o.agg.Stream().StreamType
		if o.duplicate {
			u.replayed = append(u.replayed, o.result)
			m.metrics.DuplicateWrite(streamType)
			m.log.Debug().Str("stream_id", o.result.Stream.StreamID).Msg("commit already applied")
			continue
		}
		o.agg.ClearEvents()
		o.agg.SetVersion(o.result.LastVersion)
		m.metrics.EventsAppended(streamType, len(o.result.Records))
		for i, rec := range o.result.Records {
			envs = append(envs, Envelope{Record: rec, Event: o.events[i]})
		}
		u.snapshot(ctx, o)
	}

	if m.bus != nil {
		m.bus.Publish(ctx, envs)
	}

	elapsed := m.now().Sub(start)
	m.metrics.CommitDuration(elapsed)
	span.SetAttributes(attribute.Int("unitofwork.modified", modified))
	m.log.Debug().
		Int("aggregates", len(outcomes)).
		Int("modified", modified).
		Dur("elapsed", elapsed).
		Msg("unit of work committed")
	return modified, nil
}

// Replayed returns the prior outcomes that answered the last Commit instead
// of a new append.
func (u *UnitOfWork) Replayed() []store.AppendResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.replayed)
}

// WriteKey is the per-stream idempotency key a commit with key records for
// stream.
func WriteKey(key string, stream store.StreamRef) string {
	return fmt.Sprintf("%s/%s/%s", key, stream.TenantID, stream.StreamID)
}

func (u *UnitOfWork) appendRequest(agg aggregate.Aggregate, events []event.Event, key string, opts CommitOptions) (store.AppendRequest, error) {
	stream := agg.Stream()
	req := store.AppendRequest{
		Stream:          stream,
		ExpectedVersion: agg.Version(),
		IdempotencyKey:  WriteKey(key, stream),
		CorrelationID:   opts.CorrelationID,
		CausationID:     opts.CausationID,
		ActorID:         opts.ActorID,
	}
	now := u.m.now()
	for _, e := range events {
		ne, err := u.m.registry.Encode(e)
		if err != nil {
			return store.AppendRequest{}, fmt.Errorf("encode %s for %s: %w", e.EventName(), stream.StreamID, err)
		}
		ne.Metadata = opts.Metadata
		ne.CreatedAt = now
		req.Events = append(req.Events, ne)
	}
	return req, nil
}

// snapshot saves a snapshot when the commit crossed a policy boundary.
// Failures only cost a longer replay later, so they are logged.
func (u *UnitOfWork) snapshot(ctx context.Context, o outcome) {
	m := u.m
	if m.snapshots == nil || !m.policy.Due(o.result.FirstVersion-1, o.result.LastVersion) {
		return
	}
	log := m.log.With().Str("stream_id", o.agg.Stream().StreamID).Int64("version", o.result.LastVersion).Logger()
	snap, err := aggregate.TakeSnapshot(o.agg, m.now())
	if err != nil {
		log.Warn().Err(err).Msg("snapshot skipped")
		return
	}
	if err := m.snapshots.Save(context.WithoutCancel(ctx), snap); err != nil {
		log.Warn().Err(err).Msg("snapshot save failed")
	}
}
