package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/eventcore/internal/broadcast"
	"github.com/example/eventcore/internal/config"
	"github.com/example/eventcore/internal/infrastructure/kafka"
	"github.com/example/eventcore/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var tailFilter broadcast.Filter

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream committed changes from Kafka as JSON lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := broadcast.New(broadcast.WithQueueLimit(1000), broadcast.WithLogger(log))
		sub := b.Subscribe(tailFilter)
		defer sub.Close()

		// A tail is a throwaway reader, so it gets its own consumer group.
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaConsumerGroup+"-tail-"+sub.ID(), log)
		defer consumer.Close()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return consumer.Consume(ctx, kafka.BroadcastHandler(b))
		})
		g.Go(func() error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				c, err := sub.Next(ctx)
				if err != nil {
					return err
				}
				if err := enc.Encode(c); err != nil {
					return err
				}
			}
		})

		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailFilter.TenantID, "tenant", "", "only show changes for this tenant")
	tailCmd.Flags().StringSliceVar(&tailFilter.StreamTypes, "stream-type", nil, "only show these stream types")
	tailCmd.Flags().StringSliceVar(&tailFilter.Names, "event", nil, "only show these event names")
	rootCmd.AddCommand(tailCmd)
}
