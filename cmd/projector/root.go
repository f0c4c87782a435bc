package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/example/eventcore/internal/config"
	"github.com/example/eventcore/internal/domain/customer"
	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/lock"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logging"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/projection"
	"github.com/example/eventcore/internal/readmodel"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "projector",
	Short: "Event store maintenance and projection runner",
	Long: `Applies schema migrations, keeps the order and customer read models
up to date from the event store, and inspects projection checkpoints.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// app is the wiring shared by the subcommands.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	db      *sql.DB
	dialect store.Dialect
	events  *store.SQLEventStore
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	dialect, err := store.DialectFor(cfg.DatabaseDriver)
	if err != nil {
		return nil, err
	}
	var db *sql.DB
	if dialect.Name() == store.Postgres.Name() {
		db, err = store.ConnectPostgres(cfg.DatabaseURL)
	} else {
		db, err = store.OpenSQLite(cfg.DatabaseURL)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("driver", dialect.Name()).Msg("connected to event store")

	return &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		dialect: dialect,
		events:  store.NewSQLEventStore(dialect),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close database")
	}
}

func (a *app) migrate(ctx context.Context) error {
	if err := store.Migrate(ctx, a.db, a.dialect); err != nil {
		return fmt.Errorf("migrate event store: %w", err)
	}
	if err := customer.Migrate(ctx, a.db, a.dialect); err != nil {
		return fmt.Errorf("migrate customer state: %w", err)
	}
	if err := readmodel.Migrate(ctx, a.db, a.dialect); err != nil {
		return fmt.Errorf("migrate read models: %w", err)
	}
	return nil
}

func (a *app) registry() *event.Registry {
	r := event.NewRegistry()
	order.RegisterEvents(r)
	customer.RegisterEvents(r)
	return r
}

func (a *app) projections() []projection.Projection {
	return []projection.Projection{
		projection.NewOrderSummaries(a.dialect),
		projection.NewCustomerStats(a.dialect),
	}
}

// selectProjections returns the projections called names, or all of them
// when names is empty.
func (a *app) selectProjections(names []string) ([]projection.Projection, error) {
	all := a.projections()
	if len(names) == 0 {
		return all, nil
	}
	out := make([]projection.Projection, 0, len(names))
	for _, name := range names {
		var found projection.Projection
		for _, p := range all {
			if p.Name() == name {
				found = p
			}
		}
		if found == nil {
			return nil, fmt.Errorf("unknown projection %q", name)
		}
		out = append(out, found)
	}
	return out, nil
}

// locker builds the configured projection lock. The returned func releases
// backend resources.
func (a *app) locker(ctx context.Context) (lock.Locker, func(), error) {
	switch a.cfg.LockBackend {
	case "postgres":
		return lock.NewPostgres(a.db, a.log), func() {}, nil
	case "redis":
		client, err := lock.NewRedisClient(ctx, a.cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				a.log.Warn().Err(err).Msg("close redis client")
			}
		}
		return lock.NewRedis(client, a.cfg.LockTTL, a.log), closeFn, nil
	default:
		return lock.NewLocal(), func() {}, nil
	}
}

func (a *app) runner(l lock.Locker, rec metrics.Recorder) *projection.Runner {
	return projection.NewRunner(a.db, a.dialect, a.events,
		projection.WithTenant(a.cfg.ProjectionTenant),
		projection.WithBatchSize(a.cfg.ProjectionBatchSize),
		projection.WithLocker(l),
		projection.WithMetrics(rec),
		projection.WithLogger(a.log),
	)
}

// withApp wraps a subcommand body with config loading and cleanup.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
