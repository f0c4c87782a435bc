package projection

import (
	"context"
	"slices"

	"github.com/example/eventcore/internal/unitofwork"
)

// Nudger triggers an out-of-band run of a projection.
type Nudger interface {
	Nudge(name string)
}

// LiveHandler keeps projections close to real time. It reacts to committed
// events by nudging the projection's scheduled run, so live updates go
// through the same checkpointed path as catch-up and rebuild.
type LiveHandler struct {
	nudger      Nudger
	projections []Projection
}

func NewLiveHandler(n Nudger, projections ...Projection) *LiveHandler {
	return &LiveHandler{nudger: n, projections: projections}
}

func (h *LiveHandler) Handle(_ context.Context, env unitofwork.Envelope) error {
	h.Notify(env.Record.StreamType, env.Record.Name)
	return nil
}

// Notify nudges every projection that reads events called name from
// streams of streamType. Committed changes relayed from other processes
// come in here.
func (h *LiveHandler) Notify(streamType, name string) {
	for _, p := range h.projections {
		if interested(p, streamType, name) {
			h.nudger.Nudge(p.Name())
		}
	}
}

func interested(p Projection, streamType, name string) bool {
	types := p.StreamTypes()
	if len(types) > 0 && !slices.Contains(types, streamType) {
		return false
	}
	return p.Events().Knows(name)
}

var _ unitofwork.Handler = (*LiveHandler)(nil)
