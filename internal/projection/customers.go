package projection

import (
	"context"
	"errors"

	"github.com/example/eventcore/internal/domain/customer"
	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/readmodel"
)

// CustomerStats keeps per-customer profile data and order counters. The
// counters are deltas, so every record is first claimed in the applied
// events ledger and a record already claimed is ignored.
type CustomerStats struct {
	dialect  store.Dialect
	store    *readmodel.CustomerStatsStore
	registry *event.Registry
}

func NewCustomerStats(d store.Dialect) *CustomerStats {
	r := event.NewRegistry()
	customer.RegisterEvents(r)
	order.RegisterEvents(r)
	return &CustomerStats{dialect: d, store: readmodel.NewCustomerStatsStore(d), registry: r}
}

func (p *CustomerStats) Name() string { return "customer_stats" }

func (p *CustomerStats) StreamTypes() []string {
	return []string{customer.StreamType, order.StreamType}
}

func (p *CustomerStats) Events() *event.Registry { return p.registry }

func (p *CustomerStats) Store() *readmodel.CustomerStatsStore { return p.store }

func (p *CustomerStats) Apply(ctx context.Context, tx store.DBTX, rec store.Record, ev event.Event) error {
	first, err := MarkApplied(ctx, tx, p.dialect, p.Name(), rec.EventID.String())
	if err != nil || !first {
		return err
	}

	switch e := ev.(type) {
	case customer.CustomerRegistered:
		return p.store.SaveProfile(ctx, tx, readmodel.CustomerStats{
			TenantID:   rec.TenantID,
			CustomerID: e.CustomerID,
			Email:      e.Email,
			Name:       e.Name,
			Active:     true,
			UpdatedAt:  e.RegisteredAt,
		})
	case customer.CustomerRenamed:
		return p.updateProfile(ctx, tx, rec, func(s *readmodel.CustomerStats) {
			s.Name, s.UpdatedAt = e.Name, e.RenamedAt
		})
	case customer.CustomerDeactivated:
		return p.updateProfile(ctx, tx, rec, func(s *readmodel.CustomerStats) {
			s.Active, s.UpdatedAt = false, e.DeactivatedAt
		})
	case customer.CustomerActivated:
		return p.updateProfile(ctx, tx, rec, func(s *readmodel.CustomerStats) {
			s.Active, s.UpdatedAt = true, e.ActivatedAt
		})

	case order.OrderPlaced:
		if err := p.store.SaveOrderRef(ctx, tx, rec.TenantID, e.OrderID, e.CustomerID, e.Total); err != nil {
			return err
		}
		return p.store.AddCounters(ctx, tx, rec.TenantID, e.CustomerID,
			readmodel.Counters{Placed: 1, Value: e.Total}, e.PlacedAt)
	case order.OrderCancelled:
		customerID, total, err := p.store.OrderRef(ctx, tx, rec.TenantID, e.OrderID)
		if errors.Is(err, readmodel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return p.store.AddCounters(ctx, tx, rec.TenantID, customerID,
			readmodel.Counters{Cancelled: 1, Value: -total}, e.CancelledAt)
	}
	return nil
}

func (p *CustomerStats) updateProfile(ctx context.Context, tx store.DBTX, rec store.Record, fn func(*readmodel.CustomerStats)) error {
	s, err := p.store.Get(ctx, tx, rec.TenantID, rec.StreamID)
	if errors.Is(err, readmodel.ErrNotFound) {
		s = readmodel.CustomerStats{TenantID: rec.TenantID, CustomerID: rec.StreamID}
	} else if err != nil {
		return err
	}
	fn(&s)
	return p.store.SaveProfile(ctx, tx, s)
}

func (p *CustomerStats) Reset(ctx context.Context, tx store.DBTX, tenantID string) error {
	if err := p.store.Delete(ctx, tx, tenantID); err != nil {
		return err
	}
	return ClearApplied(ctx, tx, p.dialect, p.Name(), tenantID)
}

var _ Projection = (*CustomerStats)(nil)
