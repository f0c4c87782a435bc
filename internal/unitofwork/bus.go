package unitofwork

import (
	"context"
	"sync"

	"github.com/example/eventcore/internal/domain/event"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/rs/zerolog"
)

// Envelope is a committed event handed to in-process handlers.
type Envelope struct {
	Record store.Record
	Event  event.Event
}

// Handler reacts to committed events. Handlers run after the transaction
// has committed; an error is logged and does not undo the commit.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

type subscription struct {
	name    string
	handler Handler
}

// Bus delivers committed events to subscribed handlers, in commit order,
// on the committing goroutine. Delivery is at-least-once: a crash between
// commit and publish loses the in-process delivery, and projections catch up
// from the store instead.
type Bus struct {
	mu       sync.RWMutex
	handlers []subscription
	log      zerolog.Logger
}

func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "bus").Logger()}
}

// Subscribe registers h under name. Handlers are called in subscription order.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, subscription{name: name, handler: h})
}

// Publish hands each envelope to every handler. The caller's cancellation is
// not propagated: the events are already committed.
func (b *Bus) Publish(ctx context.Context, envs []Envelope) {
	if len(envs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	b.mu.RLock()
	handlers := make([]subscription, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, env := range envs {
		for _, sub := range handlers {
			if err := sub.handler.Handle(ctx, env); err != nil {
				b.log.Error().Err(err).
					Str("handler", sub.name).
					Str("event", env.Record.Name).
					Str("stream_id", env.Record.StreamID).
					Int64("position", env.Record.Position).
					Msg("event handler failed")
			}
		}
	}
}
