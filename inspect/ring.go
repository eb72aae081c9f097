package inspect

import (
	"github.com/fleetlab/vantage/schema"
)

// sample is one buffered observation of a signal.
type sample struct {
	timestampMs int64
	value       schema.Value
	handle      schema.RawHandle
	seq         uint64
}

// windowAgg accumulates one fixed window of a signal.
type windowAgg struct {
	startMs int64
	count   int64
	sum     float64
	min     float64
	max     float64
	last    schema.Value
}

// prevWindow is a finalized aggregate of the previous completed window.
// Reads never observe the in-flight window.
type prevWindow struct {
	valid bool
	last  schema.Value
	min   float64
	max   float64
	avg   float64
}

// signalState is the engine's per-signal state: the ring of recent samples,
// the in-flight and previous fixed-window aggregates, and sampling
// bookkeeping. It is owned exclusively by the engine goroutine.
type signalState struct {
	spec schema.SignalBufferSpec

	ring []sample
	head int // Index of the oldest sample.
	size int

	nextSeq      uint64
	lastSampleMs int64
	haveSample   bool

	cur  windowAgg
	prev prevWindow
}

func newSignalState(spec schema.SignalBufferSpec) *signalState {
	return &signalState{
		spec: spec,
		ring: make([]sample, spec.SampleBufferSize),
	}
}

// accepts applies the signal's minimum sample interval.
func (s *signalState) accepts(timestampMs int64) bool {
	if !s.haveSample || s.spec.MinSampleIntervalMs == 0 {
		return true
	}
	return timestampMs >= s.lastSampleMs+s.spec.MinSampleIntervalMs
}

// append adds a sample, overwriting the oldest on overflow, and rolls the
// fixed-window aggregate when the sample crosses a window boundary.
// It returns the handle of an overwritten buffer-backed sample, if any, so
// the engine can release its history reference.
func (s *signalState) append(timestampMs int64, value schema.Value, handle schema.RawHandle) schema.RawHandle {
	var evicted = schema.InvalidRawHandle

	var slot int
	if s.size < len(s.ring) {
		slot = (s.head + s.size) % len(s.ring)
		s.size++
	} else {
		slot = s.head
		evicted = s.ring[slot].handle
		s.head = (s.head + 1) % len(s.ring)
	}
	s.ring[slot] = sample{
		timestampMs: timestampMs,
		value:       value,
		handle:      handle,
		seq:         s.nextSeq,
	}
	s.nextSeq++
	s.lastSampleMs = timestampMs
	s.haveSample = true

	if s.spec.FixedWindowMs > 0 {
		s.rollWindow(timestampMs)
		if n, ok := value.AsNum(); ok {
			if s.cur.count == 0 || n < s.cur.min {
				s.cur.min = n
			}
			if s.cur.count == 0 || n > s.cur.max {
				s.cur.max = n
			}
			s.cur.count++
			s.cur.sum += n
			s.cur.last = value
		}
	}
	return evicted
}

// rollWindow finalizes the current aggregate when |timestampMs| falls past
// its window. Windows are aligned to epoch multiples of the width.
func (s *signalState) rollWindow(timestampMs int64) {
	var width = s.spec.FixedWindowMs
	var start = timestampMs - timestampMs%width

	if s.cur.startMs == 0 && s.cur.count == 0 {
		s.cur.startMs = start
		return
	}
	if start == s.cur.startMs {
		return
	}
	// The sample opens a new window. Finalize the previous one; windows with
	// no samples in between leave prev at the last completed aggregate only
	// when they are adjacent, otherwise the previous window is empty.
	if s.cur.count > 0 && start == s.cur.startMs+width {
		s.prev = prevWindow{
			valid: true,
			last:  s.cur.last,
			min:   s.cur.min,
			max:   s.cur.max,
			avg:   s.cur.sum / float64(s.cur.count),
		}
	} else {
		s.prev = prevWindow{}
	}
	s.cur = windowAgg{startMs: start}
}

// latest returns the most recent sample value.
func (s *signalState) latest() (sample, bool) {
	if s.size == 0 {
		return sample{}, false
	}
	return s.ring[(s.head+s.size-1)%len(s.ring)], true
}

// window reads an aggregate of the previous completed window.
func (s *signalState) window(fn schema.WindowFn) schema.Value {
	if !s.prev.valid {
		return schema.UndefinedValue
	}
	switch fn {
	case schema.WindowLast:
		return s.prev.last
	case schema.WindowMin:
		return schema.Num(s.prev.min)
	case schema.WindowMax:
		return schema.Num(s.prev.max)
	default:
		return schema.Num(s.prev.avg)
	}
}

// snapshot deep-copies up to |limit| most recent samples, oldest first.
func (s *signalState) snapshot(limit int) []sample {
	if limit > s.size || limit <= 0 {
		limit = s.size
	}
	var out = make([]sample, 0, limit)
	for i := s.size - limit; i < s.size; i++ {
		out = append(out, s.ring[(s.head+i)%len(s.ring)])
	}
	return out
}

// compatible reports whether live state may be carried over a matrix swap.
func (s *signalState) compatible(next schema.SignalBufferSpec) bool {
	return s.spec.SampleBufferSize == next.SampleBufferSize &&
		s.spec.FixedWindowMs == next.FixedWindowMs
}
