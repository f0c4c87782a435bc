package projection_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/eventcore/internal/domain/customer"
	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/infrastructure/store/storetest"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/projection"
	"github.com/example/eventcore/internal/query"
	"github.com/example/eventcore/internal/readmodel"
	"github.com/example/eventcore/internal/unitofwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingMetrics struct {
	metrics.Nop
	mu       sync.Mutex
	failures map[string]int
	lag      map[string]int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{failures: map[string]int{}, lag: map[string]int64{}}
}

func (m *recordingMetrics) ProjectionFailure(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[name]++
}

func (m *recordingMetrics) ProjectionLag(name string, lag int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lag[name] = lag
}

type testEnv struct {
	db      *sql.DB
	events  *store.SQLEventStore
	mgr     *unitofwork.Manager
	runner  *projection.Runner
	metrics *recordingMetrics
}

func newTestEnv(t *testing.T, opts ...projection.RunnerOption) *testEnv {
	t.Helper()
	db := storetest.Open(t)
	require.NoError(t, readmodel.Migrate(context.Background(), db, store.SQLite))

	registry := event.NewRegistry()
	order.RegisterEvents(registry)
	customer.RegisterEvents(registry)
	es := store.NewSQLEventStore(store.SQLite)
	m := newRecordingMetrics()
	opts = append([]projection.RunnerOption{projection.WithMetrics(m)}, opts...)

	return &testEnv{
		db:      db,
		events:  es,
		mgr:     unitofwork.NewManager(db, store.SQLite, es, registry),
		runner:  projection.NewRunner(db, store.SQLite, es, opts...),
		metrics: m,
	}
}

// do runs fn inside a fresh unit of work and commits it.
func (e *testEnv) do(t *testing.T, fn func(ctx context.Context, uow *unitofwork.UnitOfWork)) {
	t.Helper()
	ctx, uow := e.mgr.Begin(context.Background())
	fn(ctx, uow)
	_, err := uow.Commit(ctx, unitofwork.CommitOptions{})
	require.NoError(t, err)
}

func (e *testEnv) registerCustomer(t *testing.T, tenant, id, name string) {
	t.Helper()
	e.do(t, func(_ context.Context, uow *unitofwork.UnitOfWork) {
		c, err := customer.Register(tenant, id, id+"@example.com", name, testNow)
		require.NoError(t, err)
		uow.Track(c)
	})
}

func (e *testEnv) placeOrder(t *testing.T, tenant, id, customerID string, price, qty int) {
	t.Helper()
	e.do(t, func(_ context.Context, uow *unitofwork.UnitOfWork) {
		o, err := order.Place(tenant, id, customerID, []order.OrderItem{{ProductID: "p-1", Quantity: qty, Price: price}}, testNow)
		require.NoError(t, err)
		uow.Track(o)
	})
}

func (e *testEnv) changeOrder(t *testing.T, tenant, id string, fn func(o *order.Order) error) {
	t.Helper()
	e.do(t, func(ctx context.Context, uow *unitofwork.UnitOfWork) {
		o, err := unitofwork.Load(ctx, uow, order.Stream(tenant, id), order.New)
		require.NoError(t, err)
		require.NoError(t, fn(o))
	})
}

func (e *testEnv) changeCustomer(t *testing.T, tenant, id string, fn func(c *customer.Customer) error) {
	t.Helper()
	e.do(t, func(ctx context.Context, uow *unitofwork.UnitOfWork) {
		c, err := unitofwork.Load(ctx, uow, customer.Stream(tenant, id), customer.New)
		require.NoError(t, err)
		require.NoError(t, fn(c))
	})
}

func (e *testEnv) checkpoint(t *testing.T, name string) int64 {
	t.Helper()
	cp, err := e.runner.Checkpoints().Load(context.Background(), e.db, name, e.runner.Tenant())
	require.NoError(t, err)
	return cp.Position
}

func (e *testEnv) orderSummaries(t *testing.T, p *projection.OrderSummaries) []readmodel.OrderSummary {
	t.Helper()
	out, err := p.Store().Find(context.Background(), e.db, query.New().OrderBy("tenant_id", false).OrderBy("order_id", false))
	require.NoError(t, err)
	return out
}

func (e *testEnv) customerStats(t *testing.T, p *projection.CustomerStats) []readmodel.CustomerStats {
	t.Helper()
	out, err := p.Store().Find(context.Background(), e.db, query.New().OrderBy("tenant_id", false).OrderBy("customer_id", false))
	require.NoError(t, err)
	return out
}

// ============================================
// CheckpointStore
// ============================================

func TestCheckpointStore_LoadCreatesAtZero(t *testing.T) {
	env := newTestEnv(t)
	cps := projection.NewCheckpointStore(store.SQLite)

	cp, err := cps.Load(context.Background(), env.db, "p", store.WildcardTenant)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Position)
	assert.Equal(t, "p", cp.ProjectionName)
	assert.Equal(t, store.WildcardTenant, cp.TenantID)
}

func TestCheckpointStore_AdvanceIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	cps := projection.NewCheckpointStore(store.SQLite)
	ctx := context.Background()

	cp, err := cps.Load(ctx, env.db, "p", "t1")
	require.NoError(t, err)
	cp.Position, cp.Cursor = 10, "page-2"
	require.NoError(t, cps.Advance(ctx, env.db, cp))

	cp.Position = 4
	assert.ErrorIs(t, cps.Advance(ctx, env.db, cp), projection.ErrCheckpointBehind)

	got, err := cps.Load(ctx, env.db, "p", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Position)
	assert.Equal(t, "page-2", got.Cursor)

	require.NoError(t, cps.Reset(ctx, env.db, "p", "t1"))
	got, err = cps.Load(ctx, env.db, "p", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Position)
	assert.Empty(t, got.Cursor)
}

func TestCheckpointStore_ListIsScopedByTenant(t *testing.T) {
	env := newTestEnv(t)
	cps := projection.NewCheckpointStore(store.SQLite)
	ctx := context.Background()

	for _, tenant := range []string{"t2", "t1", store.WildcardTenant} {
		_, err := cps.Load(ctx, env.db, "orders", tenant)
		require.NoError(t, err)
	}
	cp := projection.Checkpoint{ProjectionName: "orders", TenantID: "t1", Position: 7}
	require.NoError(t, cps.Advance(ctx, env.db, cp))

	all, err := cps.List(ctx, env.db)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, store.WildcardTenant, all[0].TenantID)
	assert.Equal(t, "t1", all[1].TenantID)
	assert.Equal(t, int64(7), all[1].Position)
	assert.Equal(t, int64(0), all[2].Position)
}

func TestMarkApplied_ClaimsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := projection.MarkApplied(ctx, env.db, store.SQLite, "p", "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := projection.MarkApplied(ctx, env.db, store.SQLite, "p", "evt-1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := projection.MarkApplied(ctx, env.db, store.SQLite, "q", "evt-1")
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, projection.ClearApplied(ctx, env.db, store.SQLite, "p", store.WildcardTenant))
	first, err = projection.MarkApplied(ctx, env.db, store.SQLite, "p", "evt-1")
	require.NoError(t, err)
	assert.True(t, first)
}

// ============================================
// Runner
// ============================================

func TestRunner_FiltersByStreamTypeAndCheckpointsLastRecord(t *testing.T) {
	env := newTestEnv(t)
	for i, id := range []string{"1", "2", "3", "4", "5"} {
		env.placeOrder(t, "t1", "o-"+id, "c-"+id, 100*(i+1), 1)
		env.registerCustomer(t, "t1", "c-"+id, "Customer "+id)
	}
	orderRecs, err := env.events.ReadAll(context.Background(), env.db, store.ReadAllQuery{StreamTypes: []string{order.StreamType}})
	require.NoError(t, err)
	require.Len(t, orderRecs, 5)

	p := projection.NewOrderSummaries(store.SQLite)
	res, err := env.runner.RunOnce(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Read)
	assert.Equal(t, 5, res.Applied)
	assert.Equal(t, int64(0), res.From)
	assert.Equal(t, orderRecs[4].Position, res.To)
	assert.Equal(t, orderRecs[4].Position, env.checkpoint(t, p.Name()))
	assert.Equal(t, int64(1), res.Lag, "the trailing customer event is beyond the checkpoint")
	assert.Equal(t, int64(1), env.metrics.lag[p.Name()])

	summaries := env.orderSummaries(t, p)
	require.Len(t, summaries, 5)
	assert.Equal(t, 500, summaries[4].Total)

	// Nothing new: an empty batch leaves the checkpoint alone.
	res, err = env.runner.RunOnce(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Read)
	assert.Equal(t, orderRecs[4].Position, res.To)
}

func TestRunner_HonoursBatchSize(t *testing.T) {
	env := newTestEnv(t, projection.WithBatchSize(2))
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		env.placeOrder(t, "t1", "o-"+id, "c-1", 100, 1)
	}
	p := projection.NewOrderSummaries(store.SQLite)

	res, err := env.runner.RunOnce(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	res, err = env.runner.CatchUp(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, int64(0), res.Lag)
	assert.Len(t, env.orderSummaries(t, p), 5)
}

type placedCounter struct {
	registry *event.Registry
	applied  []string
}

func newPlacedCounter() *placedCounter {
	r := event.NewRegistry()
	event.Register[order.OrderPlaced](r, 2)
	return &placedCounter{registry: r}
}

func (p *placedCounter) Name() string            { return "placed_counter" }
func (p *placedCounter) StreamTypes() []string   { return nil }
func (p *placedCounter) Events() *event.Registry { return p.registry }

func (p *placedCounter) Apply(_ context.Context, _ store.DBTX, rec store.Record, _ event.Event) error {
	p.applied = append(p.applied, rec.StreamID)
	return nil
}

func (p *placedCounter) Reset(context.Context, store.DBTX, string) error {
	p.applied = nil
	return nil
}

func TestRunner_SkipsUnknownEvents(t *testing.T) {
	env := newTestEnv(t)
	env.registerCustomer(t, "t1", "c-1", "Ada")
	env.placeOrder(t, "t1", "o-1", "c-1", 100, 1)
	env.changeOrder(t, "t1", "o-1", func(o *order.Order) error { return o.Pay(testNow) })

	p := newPlacedCounter()
	res, err := env.runner.RunOnce(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Read)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"o-1"}, p.applied)
	assert.Equal(t, res.To, env.checkpoint(t, p.Name()))
}

type failingSummaries struct {
	*projection.OrderSummaries
	failOn string
}

func (f failingSummaries) Apply(ctx context.Context, tx store.DBTX, rec store.Record, ev event.Event) error {
	if err := f.OrderSummaries.Apply(ctx, tx, rec, ev); err != nil {
		return err
	}
	if rec.StreamID == f.failOn {
		return errors.New("read model rejected the row")
	}
	return nil
}

func TestRunner_FailedBatchLeavesCheckpointUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.placeOrder(t, "t1", "o-1", "c-1", 100, 1)
	env.placeOrder(t, "t1", "o-2", "c-1", 100, 1)
	env.placeOrder(t, "t1", "o-3", "c-1", 100, 1)

	inner := projection.NewOrderSummaries(store.SQLite)
	p := failingSummaries{OrderSummaries: inner, failOn: "o-2"}

	_, err := env.runner.RunOnce(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read model rejected the row")

	assert.Equal(t, int64(0), env.checkpoint(t, p.Name()))
	assert.Empty(t, env.orderSummaries(t, inner), "writes of the failed batch are rolled back")
	assert.Equal(t, 1, env.metrics.failures[p.Name()])

	// Once the fault is gone the same records are applied.
	res, err := env.runner.RunOnce(context.Background(), inner)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
}

func TestRunner_UndecodableRecordIsSerializationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.placeOrder(t, "t1", "o-1", "c-1", 100, 1)
	storetest.Append(t, env.db, env.events, store.AppendRequest{
		Stream:          order.Stream("t1", "o-1"),
		ExpectedVersion: 1,
		IdempotencyKey:  "bad-payload",
		Events: []store.NewEvent{{
			Name:          order.EventOrderPaid,
			SchemaVersion: 1,
			Payload:       []byte(`{"order_id": "o-1", "paid_at": "yesterday"}`),
		}},
	})

	p := projection.NewOrderSummaries(store.SQLite)
	_, err := env.runner.RunOnce(context.Background(), p)
	require.ErrorIs(t, err, store.ErrSerialization)
	assert.Equal(t, int64(0), env.checkpoint(t, p.Name()))
}

type cancellingProjection struct {
	*projection.OrderSummaries
	cancel context.CancelFunc
}

func (c cancellingProjection) Apply(ctx context.Context, tx store.DBTX, rec store.Record, ev event.Event) error {
	c.cancel()
	return c.OrderSummaries.Apply(context.WithoutCancel(ctx), tx, rec, ev)
}

func TestRunner_CancellationAbortsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.placeOrder(t, "t1", "o-1", "c-1", 100, 1)
	env.placeOrder(t, "t1", "o-2", "c-1", 100, 1)

	ctx, cancel := context.WithCancel(context.Background())
	inner := projection.NewOrderSummaries(store.SQLite)
	_, err := env.runner.RunOnce(ctx, cancellingProjection{OrderSummaries: inner, cancel: cancel})
	require.ErrorIs(t, err, store.ErrCancelled)

	assert.Equal(t, int64(0), env.checkpoint(t, inner.Name()))
	assert.Empty(t, env.orderSummaries(t, inner))
}

func TestRunner_TenantScopedCheckpoints(t *testing.T) {
	env := newTestEnv(t, projection.WithTenant("t2"))
	env.placeOrder(t, "t1", "o-1", "c-1", 100, 1)
	env.placeOrder(t, "t2", "o-1", "c-1", 200, 1)

	p := projection.NewOrderSummaries(store.SQLite)
	res, err := env.runner.CatchUp(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	summaries := env.orderSummaries(t, p)
	require.Len(t, summaries, 1)
	assert.Equal(t, "t2", summaries[0].TenantID)
	assert.Equal(t, 200, summaries[0].Total)
}

// ============================================
// Rebuild and idempotency
// ============================================

func seedHistory(t *testing.T, env *testEnv, orders *projection.OrderSummaries, stats *projection.CustomerStats) {
	t.Helper()
	catchUp := func() {
		_, err := env.runner.CatchUp(context.Background(), orders)
		require.NoError(t, err)
		_, err = env.runner.CatchUp(context.Background(), stats)
		require.NoError(t, err)
	}

	env.registerCustomer(t, "t1", "c-1", "Ada")
	env.registerCustomer(t, "t1", "c-2", "Grace")
	env.placeOrder(t, "t1", "o-1", "c-1", 250, 2)
	env.placeOrder(t, "t1", "o-2", "c-1", 300, 1)
	env.placeOrder(t, "t1", "o-3", "c-2", 700, 1)
	catchUp()

	env.changeOrder(t, "t1", "o-1", func(o *order.Order) error { return o.Pay(testNow) })
	env.changeOrder(t, "t1", "o-2", func(o *order.Order) error { return o.Cancel("out of stock", testNow) })
	env.changeCustomer(t, "t1", "c-1", func(c *customer.Customer) error { return c.Rename("Ada Lovelace", testNow) })
	catchUp()

	env.changeOrder(t, "t1", "o-1", func(o *order.Order) error { return o.Ship(testNow) })
	env.changeCustomer(t, "t1", "c-2", func(c *customer.Customer) error { return c.Deactivate(testNow) })
	catchUp()
}

func TestRunner_RebuildMatchesLiveProjection(t *testing.T) {
	env := newTestEnv(t, projection.WithBatchSize(3))
	orders := projection.NewOrderSummaries(store.SQLite)
	stats := projection.NewCustomerStats(store.SQLite)
	seedHistory(t, env, orders, stats)

	liveOrders := env.orderSummaries(t, orders)
	liveStats := env.customerStats(t, stats)

	require.Len(t, liveOrders, 3)
	assert.Equal(t, string(order.StatusShipped), liveOrders[0].Status)
	assert.Equal(t, int64(3), liveOrders[0].Version)
	assert.Equal(t, 2, liveOrders[0].ItemCount)
	assert.Equal(t, "out of stock", liveOrders[1].Reason)

	require.Len(t, liveStats, 2)
	assert.Equal(t, "Ada Lovelace", liveStats[0].Name)
	assert.Equal(t, 2, liveStats[0].OrdersPlaced)
	assert.Equal(t, 1, liveStats[0].OrdersCancelled)
	assert.Equal(t, 500, liveStats[0].LifetimeValue)
	assert.False(t, liveStats[1].Active)

	res, err := env.runner.Rebuild(context.Background(), orders)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Applied)
	_, err = env.runner.Rebuild(context.Background(), stats)
	require.NoError(t, err)

	assert.Equal(t, liveOrders, env.orderSummaries(t, orders))
	assert.Equal(t, liveStats, env.customerStats(t, stats))

	head, err := env.events.HeadPosition(context.Background(), env.db)
	require.NoError(t, err)
	assert.Less(t, env.checkpoint(t, orders.Name()), head)
	assert.Equal(t, head, env.checkpoint(t, stats.Name()))
}

func TestProjections_ApplyingTwiceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	orders := projection.NewOrderSummaries(store.SQLite)
	stats := projection.NewCustomerStats(store.SQLite)
	seedHistory(t, env, orders, stats)

	wantOrders := env.orderSummaries(t, orders)
	wantStats := env.customerStats(t, stats)

	recs, err := env.events.ReadAll(context.Background(), env.db, store.ReadAllQuery{})
	require.NoError(t, err)

	err = store.WithTx(context.Background(), env.db, func(tx *sql.Tx) error {
		for _, p := range []projection.Projection{orders, stats} {
			for _, rec := range recs {
				if !p.Events().Knows(rec.Name) {
					continue
				}
				ev, err := p.Events().DecodeRecord(rec)
				if err != nil {
					return err
				}
				if err := p.Apply(context.Background(), tx, rec, ev); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, wantOrders, env.orderSummaries(t, orders))
	assert.Equal(t, wantStats, env.customerStats(t, stats))
}

// ============================================
// Live path
// ============================================

type fakeNudger struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeNudger) Nudge(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
}

func TestLiveHandler_NudgesInterestedProjections(t *testing.T) {
	n := &fakeNudger{}
	h := projection.NewLiveHandler(n,
		projection.NewOrderSummaries(store.SQLite),
		projection.NewCustomerStats(store.SQLite))

	orderEnv := unitofwork.Envelope{Record: store.Record{StreamType: order.StreamType, Name: order.EventOrderPaid}}
	customerEnv := unitofwork.Envelope{Record: store.Record{StreamType: customer.StreamType, Name: customer.EventCustomerRenamed}}

	require.NoError(t, h.Handle(context.Background(), orderEnv))
	require.NoError(t, h.Handle(context.Background(), customerEnv))

	assert.Equal(t, []string{"order_summaries", "customer_stats", "customer_stats"}, n.names)
}

func TestLiveHandler_NotifyIgnoresUnknownEvents(t *testing.T) {
	n := &fakeNudger{}
	h := projection.NewLiveHandler(n, projection.NewOrderSummaries(store.SQLite))

	h.Notify(customer.StreamType, customer.EventCustomerRenamed)
	h.Notify(order.StreamType, "order.refunded")
	h.Notify(order.StreamType, order.EventOrderShipped)

	assert.Equal(t, []string{"order_summaries"}, n.names)
}

func TestScheduler_CatchesUpAndNudges(t *testing.T) {
	env := newTestEnv(t)
	p := projection.NewOrderSummaries(store.SQLite)
	s := projection.NewScheduler(env.runner, time.Hour, zerolog.Nop())
	require.NoError(t, s.Add(p))

	env.placeOrder(t, "t1", "o-1", "c-1", 100, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer func() { assert.NoError(t, s.Shutdown()) }()

	find := func(id string) bool {
		_, err := p.Store().Get(context.Background(), env.db, "t1", id)
		return err == nil
	}
	// Runs immediately on start.
	assert.Eventually(t, func() bool { return find("o-1") }, 2*time.Second, 10*time.Millisecond)

	// The interval is an hour, so only a nudge can pick this up.
	env.placeOrder(t, "t1", "o-2", "c-1", 100, 1)
	assert.Eventually(t, func() bool {
		s.Nudge(p.Name())
		return find("o-2")
	}, 2*time.Second, 20*time.Millisecond)
}
