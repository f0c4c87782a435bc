package main

import (
	"context"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/broadcast"
	"github.com/example/eventcore/internal/command"
	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/kafka"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/unitofwork"
	"github.com/spf13/cobra"
)

var seedOpts struct {
	tenant    string
	customers int
	orders    int
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write sample customers and orders through the command handlers",
	RunE:  withApp(runSeed),
}

func init() {
	seedCmd.Flags().StringVar(&seedOpts.tenant, "tenant", "demo", "tenant to write to")
	seedCmd.Flags().IntVar(&seedOpts.customers, "customers", 3, "number of customers")
	seedCmd.Flags().IntVar(&seedOpts.orders, "orders", 4, "orders per customer")
	rootCmd.AddCommand(seedCmd)
}

func (a *app) snapshots(ctx context.Context) (store.SnapshotStore, error) {
	switch a.cfg.SnapshotBackend {
	case "dynamodb":
		client, err := store.NewDynamoClient(ctx)
		if err != nil {
			return nil, err
		}
		return store.NewDynamoSnapshotStore(client, a.cfg.DynamoDBSnapshotTable, 30*24*time.Hour), nil
	case "sql":
		return store.NewSQLSnapshotStore(a.db, a.dialect).WithRetention(3), nil
	default:
		return nil, nil
	}
}

// manager builds a unit-of-work manager whose committed events fan out to
// changes and, when enabled, to Kafka.
func (a *app) manager(ctx context.Context, rec metrics.Recorder, changes *broadcast.Broadcaster) (*unitofwork.Manager, func(), error) {
	bus := unitofwork.NewBus(a.log)
	if changes != nil {
		bus.Subscribe("broadcaster", changes.Handler())
	}
	opts := []unitofwork.Option{
		unitofwork.WithBus(bus),
		unitofwork.WithMetrics(rec),
		unitofwork.WithLogger(a.log),
	}

	snaps, err := a.snapshots(ctx)
	if err != nil {
		return nil, nil, err
	}
	if snaps != nil {
		opts = append(opts, unitofwork.WithSnapshots(snaps, aggregate.SnapshotPolicy{Every: a.cfg.SnapshotEvery}))
	}

	closeFn := func() {}
	if a.cfg.KafkaEnabled {
		producer := kafka.NewProducer(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.log)
		bus.Subscribe("kafka-forwarder", kafka.NewForwarder(producer))
		closeFn = func() {
			if err := producer.Close(); err != nil {
				a.log.Warn().Err(err).Msg("close kafka producer")
			}
		}
	}

	return unitofwork.NewManager(a.db, a.dialect, a.events, a.registry(), opts...), closeFn, nil
}

func runSeed(cmd *cobra.Command, a *app, _ []string) error {
	ctx := cmd.Context()
	if err := a.migrate(ctx); err != nil {
		return err
	}
	changes := broadcast.New(broadcast.WithLogger(a.log))
	sub := changes.Subscribe(broadcast.Filter{TenantID: seedOpts.tenant})
	defer sub.Close()

	mgr, closeMgr, err := a.manager(ctx, metrics.Nop{}, changes)
	if err != nil {
		return err
	}
	defer closeMgr()

	h := command.NewHandler(mgr)
	meta := command.Meta{TenantID: seedOpts.tenant, ActorID: "seed"}
	placed := 0
	for i := range seedOpts.customers {
		customerID := fmt.Sprintf("customer-%d", i+1)
		_, err := h.RegisterCustomer(ctx, command.RegisterCustomer{
			Meta:       meta,
			CustomerID: customerID,
			Email:      customerID + "@example.com",
			Name:       fmt.Sprintf("Customer %d", i+1),
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", customerID, err)
		}

		for j := range seedOpts.orders {
			m := meta
			m.IdempotencyKey = fmt.Sprintf("seed/%s/%d", customerID, j)
			o, err := h.PlaceOrder(ctx, command.PlaceOrder{
				Meta:       m,
				CustomerID: customerID,
				Items:      []order.OrderItem{{ProductID: fmt.Sprintf("sku-%d", j%3), Quantity: j + 1, Price: 1200}},
			})
			if err != nil {
				return fmt.Errorf("place order: %w", err)
			}
			placed++

			// Spread the orders over every status.
			m.IdempotencyKey = ""
			switch j % 4 {
			case 1:
				err = h.PayOrder(ctx, command.PayOrder{Meta: m, OrderID: o.ID})
			case 2:
				if err = h.PayOrder(ctx, command.PayOrder{Meta: m, OrderID: o.ID}); err == nil {
					err = h.ShipOrder(ctx, command.ShipOrder{Meta: m, OrderID: o.ID})
				}
			case 3:
				err = h.CancelOrder(ctx, command.CancelOrder{Meta: m, OrderID: o.ID, Reason: "changed mind"})
			}
			if err != nil {
				return fmt.Errorf("advance order %s: %w", o.ID, err)
			}
		}
	}

	a.log.Info().Int("customers", seedOpts.customers).Int("orders", placed).Int("changes", sub.Len()).Str("tenant", seedOpts.tenant).Msg("seeded")
	return nil
}
