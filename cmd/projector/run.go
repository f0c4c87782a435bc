package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/eventcore/internal/broadcast"
	"github.com/example/eventcore/internal/infrastructure/kafka"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/projection"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep every projection caught up with the event store",
	Long: `Runs each projection on a fixed interval, serves Prometheus metrics and,
when KAFKA_ENABLED is set, uses forwarded changes to trigger runs early.`,
	RunE: withApp(runProjector),
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runProjector(cmd *cobra.Command, a *app, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.migrate(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheus(reg)

	locker, closeLocker, err := a.locker(ctx)
	if err != nil {
		return err
	}
	defer closeLocker()

	projections := a.projections()
	sched := projection.NewScheduler(a.runner(locker, rec), a.cfg.ProjectionInterval, a.log)
	for _, p := range projections {
		if err := sched.Add(p); err != nil {
			return fmt.Errorf("schedule %s: %w", p.Name(), err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	a.log.Info().
		Int("projections", len(projections)).
		Dur("interval", a.cfg.ProjectionInterval).
		Str("tenant", a.cfg.ProjectionTenant).
		Msg("projection scheduler started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.MetricsAddr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	if a.cfg.KafkaEnabled {
		consumer := kafka.NewConsumer(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.cfg.KafkaConsumerGroup, a.log)
		live := projection.NewLiveHandler(sched, projections...)
		g.Go(func() error {
			defer consumer.Close()
			a.log.Info().Str("topic", a.cfg.KafkaTopic).Msg("relaying changes to scheduler")
			err := consumer.Consume(ctx, func(_ context.Context, _, value []byte) error {
				var c broadcast.Change
				if err := json.Unmarshal(value, &c); err != nil {
					return fmt.Errorf("decode change: %w", err)
				}
				live.Notify(c.StreamType, c.Name)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("metrics server shutdown")
		}
		return sched.Shutdown()
	})

	return g.Wait()
}
