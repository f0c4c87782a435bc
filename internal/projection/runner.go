package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/infrastructure/lock"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultBatchSize = 500

// Runner applies batches of stored records to projections. At most one
// runner works on a given projection and tenant at a time; the Locker
// enforces that across processes when it is shared.
type Runner struct {
	db          *sql.DB
	events      store.EventStore
	checkpoints *CheckpointStore
	locker      lock.Locker
	tenant      string
	batchSize   int
	metrics     metrics.Recorder
	log         zerolog.Logger
	tracer      trace.Tracer
}

type RunnerOption func(*Runner)

// WithTenant scopes the runner to one tenant. The default is every tenant.
func WithTenant(tenantID string) RunnerOption { return func(r *Runner) { r.tenant = tenantID } }

func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLocker(l lock.Locker) RunnerOption { return func(r *Runner) { r.locker = l } }

func WithMetrics(m metrics.Recorder) RunnerOption { return func(r *Runner) { r.metrics = m } }

func WithLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l.With().Str("component", "projection").Logger() }
}

func WithTracer(t trace.Tracer) RunnerOption { return func(r *Runner) { r.tracer = t } }

func NewRunner(db *sql.DB, d store.Dialect, events store.EventStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		db:          db,
		events:      events,
		checkpoints: NewCheckpointStore(d),
		locker:      lock.NewLocal(),
		tenant:      store.WildcardTenant,
		batchSize:   DefaultBatchSize,
		metrics:     metrics.Nop{},
		log:         zerolog.Nop(),
		tracer:      otel.Tracer("github.com/example/eventcore/internal/projection"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Checkpoints() *CheckpointStore { return r.checkpoints }

func (r *Runner) Tenant() string { return r.tenant }

func (r *Runner) lockKey(p Projection) string {
	return "projection/" + p.Name() + "/" + r.tenant
}

// RunOnce applies at most one batch. Records whose names the projection
// does not know are skipped. Any failure rolls the batch back and leaves the
// checkpoint where it was.
func (r *Runner) RunOnce(ctx context.Context, p Projection) (BatchResult, error) {
	unlock, err := r.locker.Lock(ctx, r.lockKey(p))
	if err != nil {
		return BatchResult{}, err
	}
	defer unlock()
	return r.runBatch(ctx, p)
}

// CatchUp runs batches until one comes back short. It stops at the first
// failure; the next call resumes from the last committed checkpoint.
func (r *Runner) CatchUp(ctx context.Context, p Projection) (BatchResult, error) {
	var total BatchResult
	for first := true; ; first = false {
		res, err := r.RunOnce(ctx, p)
		if err != nil {
			return total, err
		}
		total.add(res, first)
		if res.Read < r.batchSize {
			return total, nil
		}
	}
}

// Rebuild wipes the projection's read model and checkpoint, then replays the
// whole history. The lock is held throughout so no other runner sees the
// half-built state.
func (r *Runner) Rebuild(ctx context.Context, p Projection) (BatchResult, error) {
	unlock, err := r.locker.Lock(ctx, r.lockKey(p))
	if err != nil {
		return BatchResult{}, err
	}
	defer unlock()

	log := r.log.With().Str("projection", p.Name()).Str("tenant_id", r.tenant).Logger()
	log.Info().Msg("rebuilding projection")

	err = store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := p.Reset(ctx, tx, r.tenant); err != nil {
			return fmt.Errorf("reset %s: %w", p.Name(), err)
		}
		return r.checkpoints.Reset(ctx, tx, p.Name(), r.tenant)
	})
	if err != nil {
		r.metrics.ProjectionFailure(p.Name())
		return BatchResult{}, err
	}

	var total BatchResult
	for first := true; ; first = false {
		res, err := r.runBatch(ctx, p)
		if err != nil {
			return total, err
		}
		total.add(res, first)
		if res.Read == 0 {
			log.Info().Int("applied", total.Applied).Int64("position", total.To).Msg("projection rebuilt")
			return total, nil
		}
	}
}

func (r *Runner) runBatch(ctx context.Context, p Projection) (BatchResult, error) {
	name := p.Name()
	ctx, span := r.tracer.Start(ctx, "projection.batch", trace.WithAttributes(
		attribute.String("projection", name),
		attribute.String("tenant_id", r.tenant),
	))
	defer span.End()

	log := r.log.With().Str("projection", name).Logger()
	start := time.Now()
	registry := p.Events()

	var res BatchResult
	err := store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res = BatchResult{}
		cp, err := r.checkpoints.Load(ctx, tx, name, r.tenant)
		if err != nil {
			return err
		}
		res.From, res.To = cp.Position, cp.Position

		recs, err := r.events.ReadAll(ctx, tx, store.ReadAllQuery{
			After:       cp.Position,
			Limit:       r.batchSize,
			StreamTypes: p.StreamTypes(),
			TenantID:    r.tenant,
		})
		if err != nil {
			return err
		}
		res.Read = len(recs)
		if len(recs) == 0 {
			return nil
		}

		for _, rec := range recs {
			if err := store.CheckContext(ctx); err != nil {
				return err
			}
			if !registry.Knows(rec.Name) {
				log.Debug().Str("event", rec.Name).Int64("position", rec.Position).Msg("skipping unhandled event")
				res.Skipped++
				continue
			}
			ev, err := registry.DecodeRecord(rec)
			if err != nil {
				return fmt.Errorf("%s: position %d: %w", name, rec.Position, err)
			}
			if err := p.Apply(ctx, tx, rec, ev); err != nil {
				return fmt.Errorf("%s: apply %s at position %d: %w", name, rec.Name, rec.Position, err)
			}
			res.Applied++
		}

		cp.Position = recs[len(recs)-1].Position
		res.To = cp.Position
		return r.checkpoints.Advance(ctx, tx, cp)
	})
	if err != nil {
		r.metrics.ProjectionFailure(name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return BatchResult{}, err
	}

	r.metrics.ProjectionApplied(name, res.Applied)
	r.metrics.ProjectionSkipped(name, res.Skipped)
	r.metrics.ProjectionBatchDuration(name, time.Since(start))

	head, err := r.events.HeadPosition(ctx, r.db)
	if err != nil {
		log.Warn().Err(err).Msg("could not measure projection lag")
	} else {
		res.Lag = max(head-res.To, 0)
		r.metrics.ProjectionLag(name, res.Lag)
	}

	span.SetAttributes(attribute.Int("projection.applied", res.Applied), attribute.Int64("projection.position", res.To))
	if res.Read > 0 {
		log.Debug().
			Int("applied", res.Applied).
			Int("skipped", res.Skipped).
			Int64("position", res.To).
			Int64("lag", res.Lag).
			Msg("projection batch committed")
	}
	return res, nil
}
