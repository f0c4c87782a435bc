// Package broadcast fans committed changes out to live subscribers. It is a
// best-effort push channel: a subscriber only sees changes published while it
// is subscribed, and nothing is persisted.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/unitofwork"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

var (
	ErrClosed   = errors.New("subscription closed")
	ErrOverflow = errors.New("subscription queue overflow")
)

// Change is the externally visible form of a committed event.
type Change struct {
	TenantID   string          `json:"tenant_id"`
	StreamID   string          `json:"stream_id"`
	StreamType string          `json:"stream_type"`
	Version    int64           `json:"version"`
	Position   int64           `json:"position"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// ChangeFromRecord converts a stored record.
func ChangeFromRecord(rec store.Record) Change {
	return Change{
		TenantID:   rec.TenantID,
		StreamID:   rec.StreamID,
		StreamType: rec.StreamType,
		Version:    rec.Version,
		Position:   rec.Position,
		Name:       rec.Name,
		Payload:    json.RawMessage(rec.Payload),
		OccurredAt: rec.CreatedAt,
	}
}

// Filter selects changes. Empty fields match anything.
type Filter struct {
	TenantID    string
	StreamTypes []string
	Names       []string
}

func (f Filter) Matches(c Change) bool {
	if f.TenantID != "" && f.TenantID != store.WildcardTenant && f.TenantID != c.TenantID {
		return false
	}
	if len(f.StreamTypes) > 0 && !slices.Contains(f.StreamTypes, c.StreamType) {
		return false
	}
	if len(f.Names) > 0 && !slices.Contains(f.Names, c.Name) {
		return false
	}
	return true
}

// Subscription is one subscriber's private queue.
type Subscription struct {
	id     string
	filter Filter
	b      *Broadcaster

	mu     sync.Mutex
	queue  []Change
	notify chan struct{}
	err    error
}

func (s *Subscription) ID() string { return s.id }

// Next blocks until a change is queued, the subscription is closed or ctx is
// done. After close it returns ErrClosed, or ErrOverflow if the subscriber
// fell too far behind.
func (s *Subscription) Next(ctx context.Context) (Change, error) {
	for {
		s.mu.Lock()
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return Change{}, err
		}
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue[0] = Change{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return c, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Change{}, store.Cancelled(ctx.Err())
		case <-s.notify:
		}
	}
}

// Len is the number of queued changes.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unsubscribes and discards anything still queued.
func (s *Subscription) Close() { s.b.Unsubscribe(s.id) }

func (s *Subscription) push(c Change, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false
	}
	if limit > 0 && len(s.queue) >= limit {
		s.closeLocked(ErrOverflow)
		return false
	}
	s.queue = append(s.queue, c)
	s.wake()
	return true
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(err)
}

func (s *Subscription) closeLocked(err error) {
	if s.err != nil {
		return
	}
	s.err = err
	s.queue = nil
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

type Option func(*Broadcaster)

// WithQueueLimit bounds every subscriber's queue. A subscriber whose queue is
// full when a change arrives is closed with ErrOverflow. Zero means
// unbounded.
func WithQueueLimit(n int) Option { return func(b *Broadcaster) { b.limit = n } }

func WithMetrics(m metrics.Recorder) Option { return func(b *Broadcaster) { b.metrics = m } }

func WithLogger(l zerolog.Logger) Option {
	return func(b *Broadcaster) { b.log = l.With().Str("component", "broadcast").Logger() }
}

type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	limit   int
	metrics metrics.Recorder
	log     zerolog.Logger
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:    make(map[string]*Subscription),
		metrics: metrics.Nop{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) Subscribe(f Filter) *Subscription {
	s := &Subscription{
		id:     gonanoid.Must(),
		filter: f,
		b:      b,
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[s.id] = s
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.BroadcastSubscribers(n)
	b.log.Debug().Str("subscription", s.id).Msg("subscribed")
	return s
}

// Unsubscribe closes the subscription and discards its queue. It reports
// false if id is not subscribed.
func (b *Broadcaster) Unsubscribe(id string) bool {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	n := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return false
	}
	s.close(ErrClosed)
	b.metrics.BroadcastSubscribers(n)
	return true
}

// Publish queues c for every matching subscriber and returns how many
// received it.
func (b *Broadcaster) Publish(c Change) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for id, s := range b.subs {
		if !s.filter.Matches(c) {
			continue
		}
		if s.push(c, b.limit) {
			delivered++
			continue
		}
		delete(b.subs, id)
		b.log.Warn().Str("subscription", id).Int("limit", b.limit).Msg("dropping slow subscriber")
	}
	b.metrics.BroadcastSubscribers(len(b.subs))
	return delivered
}

// Len is the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Handler returns a bus handler that publishes every committed event.
func (b *Broadcaster) Handler() unitofwork.Handler {
	return unitofwork.HandlerFunc(func(_ context.Context, env unitofwork.Envelope) error {
		b.Publish(ChangeFromRecord(env.Record))
		return nil
	})
}
