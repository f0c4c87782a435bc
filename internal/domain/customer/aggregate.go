package customer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/infrastructure/store"
)

const StreamType = "Customer"

var (
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrInvalidEmail        = errors.New("email is required")
	ErrInvalidName         = errors.New("name is required")
	ErrCustomerDeactivated = errors.New("customer account is deactivated")
	ErrCustomerActive      = errors.New("customer account is already active")
	ErrUnexpectedEvent     = errors.New("unexpected event for customer")
)

type Customer struct {
	aggregate.Root

	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func New() *Customer { return &Customer{} }

func Stream(tenantID, customerID string) store.StreamRef {
	return store.StreamRef{TenantID: tenantID, StreamID: customerID, StreamType: StreamType}
}

func Register(tenantID, customerID, email, name string, now time.Time) (*Customer, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if email == "" {
		return nil, ErrInvalidEmail
	}
	if name == "" {
		return nil, ErrInvalidName
	}

	c := New()
	c.Init(Stream(tenantID, customerID))
	err := aggregate.Raise(c, CustomerRegistered{
		CustomerID:   customerID,
		Email:        email,
		Name:         name,
		RegisteredAt: now,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Customer) Rename(name string, now time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}
	if !c.Active {
		return ErrCustomerDeactivated
	}
	if name == c.Name {
		return nil
	}
	return aggregate.Raise(c, CustomerRenamed{CustomerID: c.ID, Name: name, RenamedAt: now})
}

func (c *Customer) Deactivate(now time.Time) error {
	if !c.Active {
		return ErrCustomerDeactivated
	}
	return aggregate.Raise(c, CustomerDeactivated{CustomerID: c.ID, DeactivatedAt: now})
}

func (c *Customer) Activate(now time.Time) error {
	if c.Active {
		return ErrCustomerActive
	}
	return aggregate.Raise(c, CustomerActivated{CustomerID: c.ID, ActivatedAt: now})
}

func (c *Customer) Apply(e event.Event) error {
	ce, ok := e.(Event)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnexpectedEvent, e.EventName())
	}

	switch ev := ce.(type) {
	case CustomerRegistered:
		c.ID = ev.CustomerID
		c.Email = ev.Email
		c.Name = ev.Name
		c.Active = true
		c.RegisteredAt = ev.RegisteredAt
		c.UpdatedAt = ev.RegisteredAt
	case CustomerRenamed:
		c.Name = ev.Name
		c.UpdatedAt = ev.RenamedAt
	case CustomerDeactivated:
		c.Active = false
		c.UpdatedAt = ev.DeactivatedAt
	case CustomerActivated:
		c.Active = true
		c.UpdatedAt = ev.ActivatedAt
	}
	return nil
}
