package transport

import (
	"sync"
)

// Loopback is an in-process Sender and Receiver used by tests and by the
// development `serve` mode. Sent payloads are retained for inspection; they
// are not routed to local subscribers, which receive only what Deliver hands
// them.
type Loopback struct {
	mu          sync.Mutex
	alive       bool
	maxSendSize int
	topics      *TopicConfig

	// Next results to return from Send, consumed in order.
	// When exhausted, Send reports Success.
	scripted []Result

	sent        map[string][][]byte
	subscribers map[string][]func([]byte)
}

// NewLoopback returns a connected Loopback with the given max send size.
func NewLoopback(topics *TopicConfig, maxSendSize int) *Loopback {
	return &Loopback{
		alive:       true,
		maxSendSize: maxSendSize,
		topics:      topics,
		sent:        make(map[string][][]byte),
		subscribers: make(map[string][]func([]byte)),
	}
}

// ScriptResults queues results to be returned by the next Sends.
func (l *Loopback) ScriptResults(results ...Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scripted = append(l.scripted, results...)
}

// SetAlive flips the reported connection state.
func (l *Loopback) SetAlive(alive bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive = alive
}

func (l *Loopback) Send(topic string, payload []byte, done func(Result)) {
	l.mu.Lock()
	if len(payload) > l.maxSendSize {
		l.mu.Unlock()
		done(WrongInput)
		return
	}
	var result = Success
	if len(l.scripted) != 0 {
		result, l.scripted = l.scripted[0], l.scripted[1:]
	} else if !l.alive {
		result = NoConnection
	}
	if result == Success {
		l.sent[topic] = append(l.sent[topic], append([]byte(nil), payload...))
	}
	l.mu.Unlock()

	done(result)
}

func (l *Loopback) IsAlive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive
}

func (l *Loopback) MaxSendSize() int { return l.maxSendSize }

func (l *Loopback) Topics() *TopicConfig { return l.topics }

func (l *Loopback) Subscribe(topic string, fn func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers[topic] = append(l.subscribers[topic], fn)
	return nil
}

// Deliver routes a payload to all local subscribers of |topic|, as though it
// arrived from the cloud.
func (l *Loopback) Deliver(topic string, payload []byte) {
	l.mu.Lock()
	var fns = append(([]func([]byte))(nil), l.subscribers[topic]...)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// Sent returns the payloads accepted on |topic|, in order.
func (l *Loopback) Sent(topic string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.sent[topic]...)
}
