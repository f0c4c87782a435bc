package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/readmodel"
)

// OrderSummaries maintains one row per order. Each row carries the stream
// version it reflects, and older versions never overwrite newer ones, so
// replaying a record is harmless.
type OrderSummaries struct {
	store    *readmodel.OrderSummaryStore
	registry *event.Registry
}

func NewOrderSummaries(d store.Dialect) *OrderSummaries {
	r := event.NewRegistry()
	order.RegisterEvents(r)
	return &OrderSummaries{store: readmodel.NewOrderSummaryStore(d), registry: r}
}

func (p *OrderSummaries) Name() string { return "order_summaries" }

func (p *OrderSummaries) StreamTypes() []string { return []string{order.StreamType} }

func (p *OrderSummaries) Events() *event.Registry { return p.registry }

func (p *OrderSummaries) Store() *readmodel.OrderSummaryStore { return p.store }

func (p *OrderSummaries) Apply(ctx context.Context, tx store.DBTX, rec store.Record, ev event.Event) error {
	if placed, ok := ev.(order.OrderPlaced); ok {
		items := 0
		for _, it := range placed.Items {
			items += it.Quantity
		}
		_, err := p.store.Upsert(ctx, tx, readmodel.OrderSummary{
			TenantID:   rec.TenantID,
			OrderID:    placed.OrderID,
			CustomerID: placed.CustomerID,
			Status:     string(order.StatusPending),
			Total:      placed.Total,
			ItemCount:  items,
			Version:    rec.Version,
			PlacedAt:   placed.PlacedAt,
			UpdatedAt:  placed.PlacedAt,
		})
		return err
	}

	s, err := p.store.Get(ctx, tx, rec.TenantID, rec.StreamID)
	if errors.Is(err, readmodel.ErrNotFound) {
		return fmt.Errorf("order %s: %s before order.placed", rec.StreamID, rec.Name)
	}
	if err != nil {
		return err
	}
	if s.Version >= rec.Version {
		return nil
	}

	var at time.Time
	switch e := ev.(type) {
	case order.OrderPaid:
		s.Status, at = string(order.StatusPaid), e.PaidAt
	case order.OrderShipped:
		s.Status, at = string(order.StatusShipped), e.ShippedAt
	case order.OrderCancelled:
		s.Status, at, s.Reason = string(order.StatusCancelled), e.CancelledAt, e.Reason
	default:
		return nil
	}
	s.Version = rec.Version
	s.UpdatedAt = at
	_, err = p.store.Upsert(ctx, tx, s)
	return err
}

func (p *OrderSummaries) Reset(ctx context.Context, tx store.DBTX, tenantID string) error {
	return p.store.Delete(ctx, tx, tenantID)
}

var _ Projection = (*OrderSummaries)(nil)
