package order

import (
	"encoding/json"
	"time"

	"github.com/example/eventcore/internal/domain/event"
)

const (
	EventOrderPlaced    = "order.placed"
	EventOrderPaid      = "order.paid"
	EventOrderShipped   = "order.shipped"
	EventOrderCancelled = "order.cancelled"
)

// Event is the closed set of order events.
type Event interface {
	event.Event
	isOrderEvent()
}

type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     int    `json:"price"`
}

type OrderPlaced struct {
	OrderID    string      `json:"order_id"`
	CustomerID string      `json:"customer_id"`
	Items      []OrderItem `json:"items"`
	Total      int         `json:"total"`
	PlacedAt   time.Time   `json:"placed_at"`
}

type OrderPaid struct {
	OrderID string    `json:"order_id"`
	PaidAt  time.Time `json:"paid_at"`
}

type OrderShipped struct {
	OrderID   string    `json:"order_id"`
	ShippedAt time.Time `json:"shipped_at"`
}

type OrderCancelled struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

func (OrderPlaced) EventName() string    { return EventOrderPlaced }
func (OrderPaid) EventName() string      { return EventOrderPaid }
func (OrderShipped) EventName() string   { return EventOrderShipped }
func (OrderCancelled) EventName() string { return EventOrderCancelled }

func (OrderPlaced) isOrderEvent()    {}
func (OrderPaid) isOrderEvent()      {}
func (OrderShipped) isOrderEvent()   {}
func (OrderCancelled) isOrderEvent() {}

// RegisterEvents adds the order events to r.
func RegisterEvents(r *event.Registry) {
	event.Register[OrderPlaced](r, 2)
	event.Register[OrderPaid](r, 1)
	event.Register[OrderShipped](r, 1)
	event.Register[OrderCancelled](r, 1)

	// Schema 1 of order.placed called the buyer user_id.
	r.Upcast(EventOrderPlaced, 1, func(payload []byte) ([]byte, error) {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, err
		}
		if userID, ok := fields["user_id"]; ok {
			fields["customer_id"] = userID
			delete(fields, "user_id")
		}
		return json.Marshal(fields)
	})
}
