// Package clock provides the time sources and wait primitives used by all
// agent workers. Components never read the system clock directly: they hold a
// Clock so that tests can drive time deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is a source of wall-clock and monotonic time.
//
// Wall time is used for campaign activation windows and record timestamps,
// which the cloud expresses as epoch milliseconds. Monotonic time is used for
// intervals (checkin cadence, publish throttling) which must not jump when
// the vehicle's clock is corrected.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// Monotonic returns a reading of a monotonic clock. Only differences
	// between two readings are meaningful.
	Monotonic() time.Duration
}

// EpochMs converts a wall-clock time to epoch milliseconds, the unit used by
// cloud documents and stream records.
func EpochMs(t time.Time) int64 { return t.UnixMilli() }

// Real is a Clock backed by the system clock.
type Real struct{ epoch time.Time }

// NewReal returns a Clock backed by the system clock.
func NewReal() *Real { return &Real{epoch: time.Now()} }

func (r *Real) Now() time.Time { return time.Now() }

func (r *Real) Monotonic() time.Duration { return time.Since(r.epoch) }

// Manual is a Clock for tests, advanced explicitly.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	mono time.Duration

	// Signals to notify when time advances, so waiters re-check deadlines.
	observers []*Signal
}

// NewManual returns a Manual clock starting at |start|.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Monotonic() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mono
}

// Advance moves both the wall and monotonic clocks forward by |d| and
// notifies any observing Signals.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mono += d
	var observers = append([]*Signal(nil), m.observers...)
	m.mu.Unlock()

	for _, s := range observers {
		s.Notify()
	}
}

// Observe registers a Signal to be notified whenever the clock advances.
func (m *Manual) Observe(s *Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, s)
}
