package kafka

import (
	"context"

	"github.com/example/eventcore/internal/broadcast"
	"github.com/example/eventcore/internal/unitofwork"
)

// Forwarder publishes committed events to Kafka as broadcast changes keyed by
// stream id. Other processes use them to push updates or nudge projections;
// the event store stays the source of truth.
type Forwarder struct {
	producer *Producer
}

func NewForwarder(p *Producer) *Forwarder {
	return &Forwarder{producer: p}
}

func (f *Forwarder) Handle(ctx context.Context, env unitofwork.Envelope) error {
	return f.producer.Publish(ctx, env.Record.StreamID, broadcast.ChangeFromRecord(env.Record))
}

var _ unitofwork.Handler = (*Forwarder)(nil)
