package customer

import (
	"time"

	"github.com/example/eventcore/internal/domain/event"
)

const (
	EventCustomerRegistered  = "customer.registered"
	EventCustomerRenamed     = "customer.renamed"
	EventCustomerDeactivated = "customer.deactivated"
	EventCustomerActivated   = "customer.activated"
)

// Event is the closed set of customer events.
type Event interface {
	event.Event
	isCustomerEvent()
}

// CustomerRegistered is emitted when a new customer signs up
type CustomerRegistered struct {
	CustomerID   string    `json:"customer_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// CustomerRenamed is emitted when the display name changes
type CustomerRenamed struct {
	CustomerID string    `json:"customer_id"`
	Name       string    `json:"name"`
	RenamedAt  time.Time `json:"renamed_at"`
}

type CustomerDeactivated struct {
	CustomerID    string    `json:"customer_id"`
	DeactivatedAt time.Time `json:"deactivated_at"`
}

type CustomerActivated struct {
	CustomerID  string    `json:"customer_id"`
	ActivatedAt time.Time `json:"activated_at"`
}

func (CustomerRegistered) EventName() string  { return EventCustomerRegistered }
func (CustomerRenamed) EventName() string     { return EventCustomerRenamed }
func (CustomerDeactivated) EventName() string { return EventCustomerDeactivated }
func (CustomerActivated) EventName() string   { return EventCustomerActivated }

func (CustomerRegistered) isCustomerEvent()  {}
func (CustomerRenamed) isCustomerEvent()     {}
func (CustomerDeactivated) isCustomerEvent() {}
func (CustomerActivated) isCustomerEvent()   {}

// RegisterEvents adds the customer events to r.
func RegisterEvents(r *event.Registry) {
	event.Register[CustomerRegistered](r, 1)
	event.Register[CustomerRenamed](r, 1)
	event.Register[CustomerDeactivated](r, 1)
	event.Register[CustomerActivated](r, 1)
}
