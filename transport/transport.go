// Package transport defines the contract between the agent core and the
// host-provided connectivity layer. The core never opens network connections
// itself: it publishes through a Sender and subscribes through a Receiver,
// both injected by the host. Topic strings are opaque to the core.
package transport

// Result reports the outcome of a Send.
type Result int

const (
	// Success means the payload was accepted by the transport.
	Success Result = iota
	// NoConnection means the transport is currently offline.
	NoConnection
	// QuotaReached means the transport refused the payload due to a quota.
	QuotaReached
	// WrongInput means the payload or topic was rejected as malformed,
	// for example because it exceeds MaxSendSize.
	WrongInput
	// TransmissionError means the send failed in flight.
	TransmissionError
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case NoConnection:
		return "NoConnection"
	case QuotaReached:
		return "QuotaReached"
	case WrongInput:
		return "WrongInput"
	default:
		return "TransmissionError"
	}
}

// Retryable reports whether a failed send may succeed if repeated later.
func (r Result) Retryable() bool {
	return r == NoConnection || r == QuotaReached || r == TransmissionError
}

// Sender publishes payloads to the cloud.
//
// Send returns quickly and invokes |done| exactly once when the outcome is
// known. The callback may fire on any goroutine, including synchronously
// before Send returns. The payload is not retained after Send returns.
type Sender interface {
	Send(topic string, payload []byte, done func(Result))
	// IsAlive reports whether the connection is established.
	IsAlive() bool
	// MaxSendSize is the largest payload Send will accept, in bytes.
	MaxSendSize() int
	// Topics returns the topic configuration of this connection.
	Topics() *TopicConfig
}

// Receiver delivers cloud documents to the core.
//
// Subscribe registers |fn| to be invoked with the raw payload of every
// message arriving on |topic|. The callback may fire on any goroutine.
type Receiver interface {
	Subscribe(topic string, fn func(payload []byte)) error
}
