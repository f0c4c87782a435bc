package command

import (
	"context"
	"errors"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/customer"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/unitofwork"
	"github.com/google/uuid"
)

var ErrCustomerExists = errors.New("customer already exists")

// DefaultRetries is how many times a command is attempted when it loses an
// optimistic concurrency race.
const DefaultRetries = 3

type Handler struct {
	uow     *unitofwork.Manager
	retries int
	now     func() time.Time
}

type Option func(*Handler)

func WithRetries(n int) Option { return func(h *Handler) { h.retries = n } }

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func NewHandler(uow *unitofwork.Manager, opts ...Option) *Handler {
	h := &Handler{uow: uow, retries: DefaultRetries, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// run executes fn in a fresh unit of work and commits it, starting over
// from scratch on a concurrency conflict. Every attempt shares one
// idempotency key.
//
// When the command's key is already recorded for stream, fn is not run and
// replayed is true: the command committed before and its outcome stands.
func (h *Handler) run(ctx context.Context, meta Meta, stream store.StreamRef, fn func(ctx context.Context, uow *unitofwork.UnitOfWork) error) (replayed bool, err error) {
	key := meta.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	} else {
		_, found, err := h.uow.PriorWrite(ctx, key, stream)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}

	err = unitofwork.RetryOnConflict(ctx, h.retries, func(ctx context.Context) error {
		ctx, uow := h.uow.Begin(ctx)
		if err := fn(ctx, uow); err != nil {
			return err
		}
		_, err := uow.Commit(ctx, unitofwork.CommitOptions{
			IdempotencyKey: key,
			CorrelationID:  meta.CorrelationID,
			ActorID:        meta.ActorID,
		})
		if errors.Is(err, store.ErrDuplicateWrite) {
			// A concurrent retry of the same command won.
			replayed = true
			return nil
		}
		if err == nil && len(uow.Replayed()) > 0 {
			replayed = true
		}
		return err
	})
	return replayed, err
}

func loadOrder(ctx context.Context, uow *unitofwork.UnitOfWork, tenantID, orderID string) (*order.Order, error) {
	o, err := unitofwork.Load(ctx, uow, order.Stream(tenantID, orderID), order.New)
	if errors.Is(err, store.ErrNotFound) {
		return nil, order.ErrOrderNotFound
	}
	return o, err
}

func loadCustomer(ctx context.Context, uow *unitofwork.UnitOfWork, tenantID, customerID string) (*customer.Customer, error) {
	c, err := unitofwork.Load(ctx, uow, customer.Stream(tenantID, customerID), customer.New)
	if errors.Is(err, store.ErrNotFound) {
		return nil, customer.ErrCustomerNotFound
	}
	return c, err
}

// RegisterCustomer creates a customer (emits CustomerRegistered event)
func (h *Handler) RegisterCustomer(ctx context.Context, cmd RegisterCustomer) (*customer.Customer, error) {
	stream := customer.Stream(cmd.TenantID, cmd.CustomerID)
	var c *customer.Customer
	replayed, err := h.run(ctx, cmd.Meta, stream, func(ctx context.Context, uow *unitofwork.UnitOfWork) error {
		if _, err := loadCustomer(ctx, uow, cmd.TenantID, cmd.CustomerID); err == nil {
			return ErrCustomerExists
		} else if !errors.Is(err, customer.ErrCustomerNotFound) {
			return err
		}

		var err error
		c, err = customer.Register(cmd.TenantID, cmd.CustomerID, cmd.Email, cmd.Name, h.now())
		if err != nil {
			return err
		}
		uow.Track(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return aggregate.Load(ctx, h.uow.Source(), stream, customer.New)
	}
	return c, nil
}

func (h *Handler) RenameCustomer(ctx context.Context, cmd RenameCustomer) error {
	_, err := h.run(ctx, cmd.Meta, customer.Stream(cmd.TenantID, cmd.CustomerID), func(ctx context.Context, uow *unitofwork.UnitOfWork) error {
		c, err := loadCustomer(ctx, uow, cmd.TenantID, cmd.CustomerID)
		if err != nil {
			return err
		}
		return c.Rename(cmd.Name, h.now())
	})
	return err
}

func (h *Handler) DeactivateCustomer(ctx context.Context, cmd DeactivateCustomer) error {
	_, err := h.run(ctx, cmd.Meta, customer.Stream(cmd.TenantID, cmd.CustomerID), func(ctx context.Context, uow *unitofwork.UnitOfWork) error {
		c, err := loadCustomer(ctx, uow, cmd.TenantID, cmd.CustomerID)
		if err != nil {
			return err
		}
		return c.Deactivate(h.now())
	})
	return err
}

func (h *Handler) ActivateCustomer(ctx context.Context, cmd ActivateCustomer) error {
	_, err := h.run(ctx, cmd.Meta, customer.Stream(cmd.TenantID, cmd.CustomerID), func(ctx context.Context, uow *unitofwork.UnitOfWork) error {
		c, err := loadCustomer(ctx, uow, cmd.TenantID, cmd.CustomerID)
		if err != nil {
			return err
		}
		return c.Activate(h.now())
	})
	return err
}

// PlaceOrder creates an order for an active customer (emits OrderPlaced event)
func (h *Handler) PlaceOrder(ctx context.Context, cmd PlaceOrder) (*order.Order, error) {
	orderID := cmd.OrderID
	switch {
	case orderID != "":
	case cmd.IdempotencyKey != "":
		// A retried command must land on the same stream.
		orderID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(cmd.TenantID+"/"+cmd.IdempotencyKey)).String()
	default:
		orderID = uuid.NewString()
	}

	stream := order.Stream(cmd.TenantID, orderID)
	var o *order.Order
	replayed, err := h.run(ctx, cmd.Meta, stream, func(ctx context.Context, uow *unitofwork.UnitOfWork) error {
		c, err := loadCustomer(ctx, uow, cmd.TenantID, cmd.CustomerID)
		if err != nil {
			return err
		}
		if !c.Active {
			return customer.ErrCustomerDeactivated
		}

		o, err = order.Place(cmd.TenantID, orderID, cmd.CustomerID, cmd.Items, h.now())
		if err != nil {
			return err
		}
		uow.Track(o)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return aggregate.Load(ctx, h.uow.Source(), stream, order.New)
	}
	return o, nil
}

// PayOrder marks an order as paid (emits OrderPaid event)
func (h *Handler) PayOrder(ctx context.Context, cmd PayOrder) error {
	_, err := h.run(ctx, cmd.Meta, order.Stream(cmd.TenantID, cmd.OrderID), func(ctx context.Context, uow *unitofwork.UnitOfWork) error {
		o, err := loadOrder(ctx, uow, cmd.TenantID, cmd.OrderID)
		if err != nil {
			return err
		}
		return o.Pay(h.now())
	})
	return err
}

// ShipOrder ships a paid order (emits OrderShipped event)
func (h *Handler) ShipOrder(ctx context.Context, cmd ShipOrder) error {
	_, err := h.run(ctx, cmd.Meta, order.Stream(cmd.TenantID, cmd.OrderID), func(ctx context.Context, uow *unitofwork.UnitOfWork) error {
		o, err := loadOrder(ctx, uow, cmd.TenantID, cmd.OrderID)
		if err != nil {
			return err
		}
		return o.Ship(h.now())
	})
	return err
}

// CancelOrder cancels an order (emits OrderCancelled event)
func (h *Handler) CancelOrder(ctx context.Context, cmd CancelOrder) error {
	_, err := h.run(ctx, cmd.Meta, order.Stream(cmd.TenantID, cmd.OrderID), func(ctx context.Context, uow *unitofwork.UnitOfWork) error {
		o, err := loadOrder(ctx, uow, cmd.TenantID, cmd.OrderID)
		if err != nil {
			return err
		}
		return o.Cancel(cmd.Reason, h.now())
	})
	return err
}
