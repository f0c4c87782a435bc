package readmodel

import "time"

// OrderSummary is the read model for orders.
type OrderSummary struct {
	TenantID   string    `json:"tenant_id"`
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	ItemCount  int       `json:"item_count"`
	Reason     string    `json:"reason,omitempty"`
	Version    int64     `json:"version"` // last order stream version applied
	PlacedAt   time.Time `json:"placed_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CustomerStats is the read model for customers and their order activity.
// LifetimeValue is the total of placed orders minus cancelled ones.
type CustomerStats struct {
	TenantID        string    `json:"tenant_id"`
	CustomerID      string    `json:"customer_id"`
	Email           string    `json:"email"`
	Name            string    `json:"name"`
	Active          bool      `json:"active"`
	OrdersPlaced    int       `json:"orders_placed"`
	OrdersCancelled int       `json:"orders_cancelled"`
	LifetimeValue   int       `json:"lifetime_value"`
	UpdatedAt       time.Time `json:"updated_at"`
}
