// Package metrics defines the counters and gauges reported by the event
// store, the unit of work and the projection runner.
package metrics

import "time"

// Recorder receives operational measurements.
type Recorder interface {
	EventsAppended(streamType string, n int)
	ConcurrencyConflict(streamType string)
	DuplicateWrite(streamType string)
	CommitDuration(d time.Duration)

	ProjectionApplied(projection string, n int)
	ProjectionSkipped(projection string, n int)
	ProjectionFailure(projection string)
	ProjectionLag(projection string, lag int64)
	ProjectionBatchDuration(projection string, d time.Duration)

	BroadcastSubscribers(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) EventsAppended(string, int) {}
func (Nop) ConcurrencyConflict(string) {}
func (Nop) DuplicateWrite(string) {}
func (Nop) CommitDuration(time.Duration) {}
func (Nop) ProjectionApplied(string, int) {}
func (Nop) ProjectionSkipped(string, int) {}
func (Nop) ProjectionFailure(string) {}
func (Nop) ProjectionLag(string, int64) {}
func (Nop) ProjectionBatchDuration(string, time.Duration) {}
func (Nop) BroadcastSubscribers(int) {}

var _ Recorder = Nop{}
