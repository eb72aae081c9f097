package inspect

import (
	"container/heap"
	"sync"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/schema"
)

// OutputQueue is the bounded priority queue carrying emitted triggers from
// the inspection engine to its consumer. Ordering is by scheme priority
// descending, FIFO within a priority. When full, the lowest-priority pending
// trigger is dropped first; pushes never block.
type OutputQueue struct {
	mu       sync.Mutex
	items    triggerHeap
	capacity int
	nextSeq  uint64
	dropped  uint64

	// Ready is notified on every successful push.
	Ready *clock.Signal
}

type queued struct {
	data *schema.TriggeredData
	seq  uint64
}

// NewOutputQueue returns an OutputQueue holding at most |capacity| triggers.
func NewOutputQueue(capacity int) *OutputQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &OutputQueue{capacity: capacity, Ready: clock.NewSignal()}
}

// Push enqueues |data|, evicting the lowest-priority pending trigger when
// the queue is full. It returns false when |data| itself was the victim.
func (q *OutputQueue) Push(data *schema.TriggeredData) bool {
	q.mu.Lock()

	if len(q.items) >= q.capacity {
		// Find the lowest-priority, youngest pending trigger.
		var victim = -1
		for i := range q.items {
			if victim == -1 || less(q.items[i], q.items[victim]) {
				victim = i
			}
		}
		q.dropped++
		triggersDroppedTotal.Inc()
		if q.items[victim].data.Metadata.Priority >= data.Metadata.Priority {
			// The incoming trigger is the lowest priority: drop it.
			q.mu.Unlock()
			return false
		}
		heap.Remove(&q.items, victim)
	}

	heap.Push(&q.items, queued{data: data, seq: q.nextSeq})
	q.nextSeq++
	q.mu.Unlock()

	q.Ready.Notify()
	return true
}

// Pop dequeues the highest-priority pending trigger.
func (q *OutputQueue) Pop() (*schema.TriggeredData, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(queued).data, true
}

// Len returns the number of pending triggers.
func (q *OutputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the count of triggers dropped due to backpressure.
func (q *OutputQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// less orders |a| after |b| when |a| is lower priority, or younger at equal
// priority. The heap root is the element to Pop first, so heap.Less is the
// inverse.
func less(a, b queued) bool {
	if a.data.Metadata.Priority != b.data.Metadata.Priority {
		return a.data.Metadata.Priority < b.data.Metadata.Priority
	}
	return a.seq > b.seq
}

type triggerHeap []queued

func (h triggerHeap) Len() int { return len(h) }

func (h triggerHeap) Less(i, j int) bool { return less(h[j], h[i]) }

func (h triggerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *triggerHeap) Push(x interface{}) { *h = append(*h, x.(queued)) }

func (h *triggerHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var item = old[n-1]
	*h = old[:n-1]
	return item
}
