package order

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/infrastructure/store"
)

const StreamType = "Order"

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusCancelled Status = "cancelled"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrEmptyOrder       = errors.New("order must have at least one item")
	ErrInvalidStatus    = errors.New("invalid order status transition")
	ErrOrderAlreadyPaid = errors.New("order is already paid")
	ErrOrderNotPaid     = errors.New("order must be paid before shipping")
	ErrOrderShipped     = errors.New("cannot cancel shipped order")
	ErrOrderCancelled   = errors.New("order is already cancelled")
	ErrUnexpectedEvent  = errors.New("unexpected event for order")
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusShipped, StatusCancelled},
	StatusShipped:   {}, // terminal state
	StatusCancelled: {}, // terminal state
}

type Order struct {
	aggregate.Root

	ID         string      `json:"id"`
	CustomerID string      `json:"customer_id"`
	Items      []OrderItem `json:"items"`
	Total      int         `json:"total"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func New() *Order { return &Order{} }

// Stream returns the stream an order is stored in.
func Stream(tenantID, orderID string) store.StreamRef {
	return store.StreamRef{TenantID: tenantID, StreamID: orderID, StreamType: StreamType}
}

// Place starts a new order.
func Place(tenantID, orderID, customerID string, items []OrderItem, now time.Time) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}

	var total int
	for _, item := range items {
		total += item.Price * item.Quantity
	}

	o := New()
	o.Init(Stream(tenantID, orderID))
	err := aggregate.Raise(o, OrderPlaced{
		OrderID:    orderID,
		CustomerID: customerID,
		Items:      slices.Clone(items),
		Total:      total,
		PlacedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CanTransitionTo checks if the order can transition to the target status
func (o *Order) CanTransitionTo(target Status) bool {
	return slices.Contains(validTransitions[o.Status], target)
}

// transitionError returns an appropriate error for an invalid transition
func (o *Order) transitionError(target Status) error {
	switch {
	case o.Status == StatusCancelled:
		return ErrOrderCancelled
	case o.Status == StatusShipped && target == StatusCancelled:
		return ErrOrderShipped
	case (o.Status == StatusPaid || o.Status == StatusShipped) && target == StatusPaid:
		return ErrOrderAlreadyPaid
	case o.Status == StatusPending && target == StatusShipped:
		return ErrOrderNotPaid
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, o.Status, target)
	}
}

func (o *Order) Pay(now time.Time) error {
	if !o.CanTransitionTo(StatusPaid) {
		return o.transitionError(StatusPaid)
	}
	return aggregate.Raise(o, OrderPaid{OrderID: o.ID, PaidAt: now})
}

func (o *Order) Ship(now time.Time) error {
	if !o.CanTransitionTo(StatusShipped) {
		return o.transitionError(StatusShipped)
	}
	return aggregate.Raise(o, OrderShipped{OrderID: o.ID, ShippedAt: now})
}

func (o *Order) Cancel(reason string, now time.Time) error {
	if !o.CanTransitionTo(StatusCancelled) {
		return o.transitionError(StatusCancelled)
	}
	return aggregate.Raise(o, OrderCancelled{OrderID: o.ID, Reason: reason, CancelledAt: now})
}

// Apply folds a single event into the order state (implements aggregate.Aggregate)
func (o *Order) Apply(e event.Event) error {
	oe, ok := e.(Event)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedEvent, e.EventName())
	}

	switch ev := oe.(type) {
	case OrderPlaced:
		o.ID = ev.OrderID
		o.CustomerID = ev.CustomerID
		o.Items = ev.Items
		o.Total = ev.Total
		o.Status = StatusPending
		o.CreatedAt = ev.PlacedAt
		o.UpdatedAt = ev.PlacedAt
	case OrderPaid:
		o.Status = StatusPaid
		o.UpdatedAt = ev.PaidAt
	case OrderShipped:
		o.Status = StatusShipped
		o.UpdatedAt = ev.ShippedAt
	case OrderCancelled:
		o.Status = StatusCancelled
		o.UpdatedAt = ev.CancelledAt
	}
	return nil
}
