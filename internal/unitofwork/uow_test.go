package unitofwork_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/customer"
	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/infrastructure/store/storetest"
	"github.com/example/eventcore/internal/unitofwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *sql.DB
	events *store.SQLEventStore
	bus    *unitofwork.Bus
	mgr    *unitofwork.Manager
}

func newFixture(t *testing.T, opts ...unitofwork.Option) *fixture {
	t.Helper()
	db := storetest.Open(t)
	require.NoError(t, customer.Migrate(context.Background(), db, store.SQLite))

	registry := event.NewRegistry()
	order.RegisterEvents(registry)
	customer.RegisterEvents(registry)

	es := store.NewSQLEventStore(store.SQLite)
	bus := unitofwork.NewBus(zerolog.Nop())
	opts = append([]unitofwork.Option{
		unitofwork.WithBus(bus),
		unitofwork.WithClock(func() time.Time { return testNow }),
	}, opts...)
	return &fixture{
		db:     db,
		events: es,
		bus:    bus,
		mgr:    unitofwork.NewManager(db, store.SQLite, es, registry, opts...),
	}
}

func (f *fixture) streamNames(t *testing.T, stream store.StreamRef) []string {
	t.Helper()
	var names []string
	for rec, err := range f.events.ReadStream(context.Background(), f.db, stream.TenantID, stream.StreamID, 0) {
		require.NoError(t, err)
		names = append(names, rec.Name)
	}
	return names
}

func placeOrder(t *testing.T, f *fixture, orderID string) {
	t.Helper()
	ctx, uow := f.mgr.Begin(context.Background())
	o, err := order.Place("t1", orderID, "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 500}}, testNow)
	require.NoError(t, err)
	uow.Track(o)
	_, err = uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err)
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []unitofwork.Envelope
	err  error
}

func (h *recordingHandler) Handle(_ context.Context, env unitofwork.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, env)
	return h.err
}

func (h *recordingHandler) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.seen))
	for i, env := range h.seen {
		out[i] = env.Record.Name
	}
	return out
}

// ============================================
// Commit
// ============================================

func TestCommit_AppendsAllTrackedAggregates(t *testing.T) {
	f := newFixture(t)
	ctx, uow := f.mgr.Begin(context.Background())

	c, err := customer.Register("t1", "c-1", "ada@example.com", "Ada", testNow)
	require.NoError(t, err)
	o, err := order.Place("t1", "o-1", "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 2, Price: 300}}, testNow)
	require.NoError(t, err)
	require.NoError(t, o.Pay(testNow))

	uow.Track(c)
	uow.Track(o)
	n, err := uow.Commit(ctx, unitofwork.CommitOptions{CorrelationID: "corr-1", ActorID: "admin"})
	require.NoError(t, err)

	// 1 customer event + 1 customer state row + 2 order events
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(1), c.Version())
	assert.Equal(t, int64(2), o.Version())
	assert.Empty(t, c.PendingEvents())
	assert.Empty(t, o.PendingEvents())
	assert.Equal(t, 0, uow.Collector().Len())

	assert.Equal(t, []string{order.EventOrderPlaced, order.EventOrderPaid}, f.streamNames(t, o.Stream()))
	state, err := customer.LoadState(context.Background(), f.db, store.SQLite, "t1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)

	recs, err := f.events.ReadAll(context.Background(), f.db, store.ReadAllQuery{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, "corr-1", rec.CorrelationID)
		assert.Equal(t, "admin", rec.ActorID)
	}
}

func TestCommit_TracksAggregatesThroughContext(t *testing.T) {
	f := newFixture(t)
	ctx, uow := f.mgr.Begin(context.Background())

	o, err := order.Place("t1", "o-1", "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 100}}, testNow)
	require.NoError(t, err)
	assert.True(t, aggregate.Track(ctx, o))

	n, err := uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCommit_NothingPendingIsNoop(t *testing.T) {
	f := newFixture(t)
	placeOrder(t, f, "o-1")

	ctx, uow := f.mgr.Begin(context.Background())
	_, err := unitofwork.Load(ctx, uow, order.Stream("t1", "o-1"), order.New)
	require.NoError(t, err)

	n, err := uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCommit_SecondCommitFails(t *testing.T) {
	f := newFixture(t)
	ctx, uow := f.mgr.Begin(context.Background())
	o, err := order.Place("t1", "o-1", "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 100}}, testNow)
	require.NoError(t, err)
	uow.Track(o)

	_, err = uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err)
	_, err = uow.Commit(ctx, unitofwork.CommitOptions{})
	assert.ErrorIs(t, err, unitofwork.ErrAlreadyCommitted)
}

func TestCommit_ConflictRollsBackEveryAggregate(t *testing.T) {
	f := newFixture(t)
	placeOrder(t, f, "o-1")

	ctx1, first := f.mgr.Begin(context.Background())
	o1, err := unitofwork.Load(ctx1, first, order.Stream("t1", "o-1"), order.New)
	require.NoError(t, err)

	// The customer is tracked first so its state row is written before the
	// order append fails.
	ctx2, second := f.mgr.Begin(context.Background())
	c, err := customer.Register("t1", "c-9", "bob@example.com", "Bob", testNow)
	require.NoError(t, err)
	second.Track(c)
	o2, err := unitofwork.Load(ctx2, second, order.Stream("t1", "o-1"), order.New)
	require.NoError(t, err)

	require.NoError(t, o1.Pay(testNow))
	_, err = first.Commit(ctx1, unitofwork.CommitOptions{})
	require.NoError(t, err)

	require.NoError(t, o2.Cancel("changed mind", testNow))

	_, err = second.Commit(ctx2, unitofwork.CommitOptions{})
	require.ErrorIs(t, err, store.ErrConflict)

	// Nothing from the failed unit is visible.
	assert.Equal(t, []string{order.EventOrderPlaced, order.EventOrderPaid}, f.streamNames(t, o1.Stream()))
	assert.Empty(t, f.streamNames(t, c.Stream()))
	_, err = customer.LoadState(context.Background(), f.db, store.SQLite, "t1", "c-9")
	assert.ErrorIs(t, err, customer.ErrCustomerNotFound)

	// The losing aggregates keep their pending events and versions.
	assert.Len(t, o2.PendingEvents(), 1)
	assert.Equal(t, int64(1), o2.Version())
	assert.Equal(t, int64(0), c.Version())
}

func TestCommit_RetryWithSameKeyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	h := &recordingHandler{}
	f.bus.Subscribe("recorder", h)

	commit := func() (int, *order.Order, *unitofwork.UnitOfWork) {
		ctx, uow := f.mgr.Begin(context.Background())
		o, err := order.Place("t1", "o-1", "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 100}}, testNow)
		require.NoError(t, err)
		require.NoError(t, o.Pay(testNow))
		uow.Track(o)
		n, err := uow.Commit(ctx, unitofwork.CommitOptions{IdempotencyKey: "op-1"})
		require.NoError(t, err)
		return n, o, uow
	}

	n1, first, uow1 := commit()
	n2, second, uow2 := commit()

	assert.Equal(t, 2, n1)
	assert.Equal(t, 2, n2)
	assert.Equal(t, int64(2), first.Version())
	assert.Empty(t, uow1.Replayed())

	// The retried aggregate was not written and is left as it was.
	assert.Equal(t, int64(0), second.Version())
	assert.Len(t, second.PendingEvents(), 2)
	replayed := uow2.Replayed()
	require.Len(t, replayed, 1)
	assert.Equal(t, "o-1", replayed[0].Stream.StreamID)
	assert.Equal(t, int64(2), replayed[0].LastVersion)

	assert.Len(t, f.streamNames(t, first.Stream()), 2)
	// The duplicate is not published again.
	assert.Equal(t, []string{order.EventOrderPlaced, order.EventOrderPaid}, h.names())
}

func TestCommit_DuplicateKeyLeavesStateRowUntouched(t *testing.T) {
	f := newFixture(t)

	ctx, uow := f.mgr.Begin(context.Background())
	c, err := customer.Register("t1", "c-1", "ada@example.com", "Ada", testNow)
	require.NoError(t, err)
	uow.Track(c)
	_, err = uow.Commit(ctx, unitofwork.CommitOptions{IdempotencyKey: "k"})
	require.NoError(t, err)

	ctx, uow = f.mgr.Begin(context.Background())
	loaded, err := unitofwork.Load(ctx, uow, customer.Stream("t1", "c-1"), customer.New)
	require.NoError(t, err)
	require.NoError(t, loaded.Rename("Bob", testNow))
	n, err := uow.Commit(ctx, unitofwork.CommitOptions{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, uow.Replayed(), 1)

	state, err := customer.LoadState(context.Background(), f.db, store.SQLite, "t1", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", state.Name)
	assert.Equal(t, int64(1), state.Version)
	assert.Equal(t, []string{customer.EventCustomerRegistered}, f.streamNames(t, customer.Stream("t1", "c-1")))
}

func TestManager_PriorWrite(t *testing.T) {
	f := newFixture(t)
	stream := order.Stream("t1", "o-1")

	_, found, err := f.mgr.PriorWrite(context.Background(), "op-1", stream)
	require.NoError(t, err)
	assert.False(t, found)

	ctx, uow := f.mgr.Begin(context.Background())
	o, err := order.Place("t1", "o-1", "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 100}}, testNow)
	require.NoError(t, err)
	uow.Track(o)
	_, err = uow.Commit(ctx, unitofwork.CommitOptions{IdempotencyKey: "op-1"})
	require.NoError(t, err)

	prior, found, err := f.mgr.PriorWrite(context.Background(), "op-1", stream)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), prior.LastVersion)
	require.Len(t, prior.Records, 1)
	assert.Equal(t, order.EventOrderPlaced, prior.Records[0].Name)

	_, found, err = f.mgr.PriorWrite(context.Background(), "op-1", order.Stream("t1", "o-2"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCommit_SnapshotPolicyDefaultsToThreshold(t *testing.T) {
	f := newFixture(t)
	snapshots := store.NewSQLSnapshotStore(f.db, store.SQLite)
	registry := event.NewRegistry()
	customer.RegisterEvents(registry)
	f.mgr = unitofwork.NewManager(f.db, store.SQLite, f.events, registry,
		unitofwork.WithSnapshots(snapshots, aggregate.SnapshotPolicy{}),
		unitofwork.WithClock(func() time.Time { return testNow }))

	ctx, uow := f.mgr.Begin(context.Background())
	c, err := customer.Register("t1", "c-1", "ada@example.com", "Ada", testNow)
	require.NoError(t, err)
	for i := 1; i < store.DefaultSnapshotThreshold; i++ {
		require.NoError(t, c.Rename(fmt.Sprintf("Ada %d", i), testNow))
	}
	uow.Track(c)
	_, err = uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err)

	snap, err := snapshots.LoadLatest(context.Background(), "t1", "c-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(store.DefaultSnapshotThreshold), snap.Version)
}

func TestCommit_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, uow := f.mgr.Begin(context.Background())
	o, err := order.Place("t1", "o-1", "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 100}}, testNow)
	require.NoError(t, err)
	uow.Track(o)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = uow.Commit(cancelled, unitofwork.CommitOptions{})
	require.ErrorIs(t, err, store.ErrCancelled)
	assert.Len(t, o.PendingEvents(), 1)
	assert.Empty(t, f.streamNames(t, o.Stream()))

	// The unit can still be committed once the caller retries.
	n, err := uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCommit_UnregisteredEventFailsWithoutWriting(t *testing.T) {
	db := storetest.Open(t)
	registry := event.NewRegistry()
	customer.RegisterEvents(registry)
	es := store.NewSQLEventStore(store.SQLite)
	mgr := unitofwork.NewManager(db, store.SQLite, es, registry)

	ctx, uow := mgr.Begin(context.Background())
	o, err := order.Place("t1", "o-1", "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 100}}, testNow)
	require.NoError(t, err)
	uow.Track(o)

	_, err = uow.Commit(ctx, unitofwork.CommitOptions{})
	assert.ErrorIs(t, err, store.ErrSerialization)

	head, err := es.HeadPosition(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

// ============================================
// Post-commit work
// ============================================

func TestCommit_PublishesInCommitOrder(t *testing.T) {
	f := newFixture(t)
	failing := &recordingHandler{err: errors.New("downstream unavailable")}
	h := &recordingHandler{}
	f.bus.Subscribe("failing", failing)
	f.bus.Subscribe("recorder", h)

	ctx, uow := f.mgr.Begin(context.Background())
	c, err := customer.Register("t1", "c-1", "ada@example.com", "Ada", testNow)
	require.NoError(t, err)
	o, err := order.Place("t1", "o-1", "c-1", []order.OrderItem{{ProductID: "p-1", Quantity: 1, Price: 100}}, testNow)
	require.NoError(t, err)
	require.ErrorIs(t, o.Ship(testNow), order.ErrOrderNotPaid)
	uow.Track(c)
	uow.Track(o)

	_, err = uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err, "handler failures must not fail the commit")

	assert.Equal(t, []string{customer.EventCustomerRegistered, order.EventOrderPlaced}, h.names())
	require.Len(t, h.seen, 2)
	assert.Less(t, h.seen[0].Record.Position, h.seen[1].Record.Position)
	placed, ok := h.seen[1].Event.(order.OrderPlaced)
	require.True(t, ok)
	assert.Equal(t, 100, placed.Total)
	assert.Len(t, failing.seen, 2)
}

func TestCommit_TakesSnapshotWhenDue(t *testing.T) {
	f := newFixture(t)
	snapshots := store.NewSQLSnapshotStore(f.db, store.SQLite)
	registry := event.NewRegistry()
	order.RegisterEvents(registry)
	f.mgr = unitofwork.NewManager(f.db, store.SQLite, f.events, registry,
		unitofwork.WithSnapshots(snapshots, aggregate.SnapshotPolicy{Every: 2}),
		unitofwork.WithClock(func() time.Time { return testNow }))

	placeOrder(t, f, "o-1")
	_, err := snapshots.LoadLatest(context.Background(), "t1", "o-1", 0)
	require.ErrorIs(t, err, store.ErrNotFound)

	ctx, uow := f.mgr.Begin(context.Background())
	o, err := unitofwork.Load(ctx, uow, order.Stream("t1", "o-1"), order.New)
	require.NoError(t, err)
	require.NoError(t, o.Pay(testNow))
	_, err = uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err)

	snap, err := snapshots.LoadLatest(context.Background(), "t1", "o-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	require.NoError(t, snap.Verify())

	// Loading now starts from the snapshot.
	_, uow = f.mgr.Begin(context.Background())
	loaded, err := unitofwork.Load(context.Background(), uow, order.Stream("t1", "o-1"), order.New)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, loaded.Status)
	assert.Equal(t, int64(2), loaded.Version())
}

// ============================================
// RetryOnConflict
// ============================================

func TestRetryOnConflict_ReloadsAndSucceeds(t *testing.T) {
	f := newFixture(t)
	placeOrder(t, f, "o-1")

	// A competing writer sneaks in during the first attempt.
	attempts := 0
	err := unitofwork.RetryOnConflict(context.Background(), 3, func(ctx context.Context) error {
		attempts++
		ctx, uow := f.mgr.Begin(ctx)
		o, err := unitofwork.Load(ctx, uow, order.Stream("t1", "o-1"), order.New)
		if err != nil {
			return err
		}
		if attempts == 1 {
			ctx2, other := f.mgr.Begin(context.Background())
			rival, err := unitofwork.Load(ctx2, other, order.Stream("t1", "o-1"), order.New)
			require.NoError(t, err)
			require.NoError(t, rival.Pay(testNow))
			_, err = other.Commit(ctx2, unitofwork.CommitOptions{})
			require.NoError(t, err)
		}
		if err := o.Cancel("fraud", testNow); err != nil {
			return err
		}
		_, err = uow.Commit(ctx, unitofwork.CommitOptions{})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t,
		[]string{order.EventOrderPlaced, order.EventOrderPaid, order.EventOrderCancelled},
		f.streamNames(t, order.Stream("t1", "o-1")))
}

func TestRetryOnConflict_StopsOnOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := unitofwork.RetryOnConflict(context.Background(), 5, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflict_GivesUp(t *testing.T) {
	calls := 0
	err := unitofwork.RetryOnConflict(context.Background(), 3, func(context.Context) error {
		calls++
		return &store.ConflictError{StreamID: "o-1", Expected: 1, Actual: 2}
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflict_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := unitofwork.RetryOnConflict(ctx, 3, func(context.Context) error {
		cancel()
		return store.ErrConflict
	})
	assert.ErrorIs(t, err, store.ErrCancelled)
}
