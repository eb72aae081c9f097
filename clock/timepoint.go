package clock

import (
	"time"
)

// Timepoint is a future for a point in time which may be awaited via Ready
// and, once resolved, carries the observed time as well as a Next Timepoint
// which may in turn be awaited.
//
// The campaign manager resolves a Timepoint at the end of every scheduling
// pass. Tests chain along Next to synchronize with the scheduler without
// sleeping.
type Timepoint struct {
	readyCh chan struct{}
	// Time at which this Timepoint resolved.
	// Must not be read until Ready selects.
	Time time.Time
	// Next Timepoint future, resolving after this one.
	// Must not be read until Ready selects.
	Next *Timepoint
}

// NewTimepoint returns a resolved Timepoint at the given time.
func NewTimepoint(t time.Time) *Timepoint {
	var readyCh = make(chan struct{})
	close(readyCh)

	return &Timepoint{
		readyCh: readyCh,
		Time:    t,
		Next:    &Timepoint{readyCh: make(chan struct{})},
	}
}

// Ready selects when the Timepoint has resolved.
func (t *Timepoint) Ready() <-chan struct{} { return t.readyCh }

// Resolve the Timepoint at the given time, creating its Next future.
func (t *Timepoint) Resolve(at time.Time) {
	t.Time = at
	t.Next = &Timepoint{readyCh: make(chan struct{})}
	close(t.readyCh)
}

// AwaitAfter chains along the Timepoint until it observes a resolution at or
// after |at|, and returns that Timepoint. It is a test helper for
// synchronizing with a scheduler driven by a Manual clock.
func AwaitAfter(tp *Timepoint, at time.Time) *Timepoint {
	for {
		<-tp.Ready()
		if !tp.Time.Before(at) {
			return tp
		}
		tp = tp.Next
	}
}
