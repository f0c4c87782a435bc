package command

import "github.com/example/eventcore/internal/domain/order"

// Meta is the write context every command carries.
type Meta struct {
	TenantID      string `json:"tenant_id"`
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// IdempotencyKey makes a retried command a no-op once it has committed.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Customer Commands
type RegisterCustomer struct {
	Meta
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

type RenameCustomer struct {
	Meta
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
}

type DeactivateCustomer struct {
	Meta
	CustomerID string `json:"customer_id"`
}

type ActivateCustomer struct {
	Meta
	CustomerID string `json:"customer_id"`
}

// Order Commands
type PlaceOrder struct {
	Meta
	// OrderID is generated when empty.
	OrderID    string            `json:"order_id,omitempty"`
	CustomerID string            `json:"customer_id"`
	Items      []order.OrderItem `json:"items"`
}

type PayOrder struct {
	Meta
	OrderID string `json:"order_id"`
}

type ShipOrder struct {
	Meta
	OrderID string `json:"order_id"`
}

type CancelOrder struct {
	Meta
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
