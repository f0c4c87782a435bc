package aggregate

import (
	"context"
	"sync"
)

// Collector is the working set of aggregates touched by one operation.
// Each unit of work owns exactly one; it is never shared between operations.
type Collector struct {
	mu    sync.Mutex
	order []Aggregate
	seen  map[Aggregate]struct{}
}

func NewCollector() *Collector {
	return &Collector{seen: make(map[Aggregate]struct{})}
}

// Register adds a to the working set. Registering the same aggregate again
// is a no-op.
func (c *Collector) Register(a Aggregate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[a]; ok {
		return
	}
	c.seen[a] = struct{}{}
	c.order = append(c.order, a)
}

// Aggregates returns the working set in registration order without
// clearing it.
func (c *Collector) Aggregates() []Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Aggregate, len(c.order))
	copy(out, c.order)
	return out
}

// Pending returns the registered aggregates that have uncommitted events.
func (c *Collector) Pending() []Aggregate {
	var out []Aggregate
	for _, a := range c.Aggregates() {
		if len(a.PendingEvents()) > 0 {
			out = append(out, a)
		}
	}
	return out
}

// Drain returns the working set and empties it.
func (c *Collector) Drain() []Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.order
	if out == nil {
		out = []Aggregate{}
	}
	c.order = nil
	c.seen = make(map[Aggregate]struct{})
	return out
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

type collectorKey struct{}

// WithCollector returns a context carrying c.
func WithCollector(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

// CollectorFrom returns the collector carried by ctx, if any.
func CollectorFrom(ctx context.Context) (*Collector, bool) {
	c, ok := ctx.Value(collectorKey{}).(*Collector)
	return c, ok && c != nil
}

// Track registers a with the collector carried by ctx. It reports false when
// ctx has no collector.
func Track(ctx context.Context, a Aggregate) bool {
	c, ok := CollectorFrom(ctx)
	if !ok {
		return false
	}
	c.Register(a)
	return true
}
