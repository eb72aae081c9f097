// Package schema models the cloud documents the agent executes, decoder
// manifests and collection schemes, together with the runtime artifacts
// compiled from them and the data records flowing through the pipeline.
// Documents are built once from raw bytes and are immutable afterwards.
package schema

import (
	"errors"
)

// ErrInvalidFormat is returned when a document fails structural validation.
// The caller retains its previously accepted document in that case.
var ErrInvalidFormat = errors.New("invalid document format")

// SyncID identifies a cloud document revision. Two documents with the same
// SyncID but different content supersede one another; Checksum disambiguates.
type SyncID = string

// InterfaceID names a physical or logical signal source, e.g. a CAN bus.
type InterfaceID = string

// SignalID is a 32-bit identifier in a flat space partitioned by numeric
// range into kinds. The kind is derived from the value, never stored.
type SignalID uint32

// InvalidSignalID is the reserved null signal.
const InvalidSignalID SignalID = 0xFFFFFFFF

// SignalKind classifies a SignalID by its numeric range.
type SignalKind int

const (
	// KindRaw signals decode from raw bus frames.
	KindRaw SignalKind = iota
	// KindPID signals decode from OBD-II PID responses.
	KindPID
	// KindCustom signals come from custom decoders keyed by name.
	KindCustom
	// KindComplex signals carry structured payloads through the raw buffer.
	KindComplex
	// KindInternal signals are synthesized by the agent itself.
	KindInternal
)

// Range boundaries of the SignalID space.
const (
	pidRangeStart      SignalID = 0x20000000
	customRangeStart   SignalID = 0x40000000
	complexRangeStart  SignalID = 0x60000000
	internalRangeStart SignalID = 0x80000000
)

// Kind derives the SignalKind of |id|.
func (id SignalID) Kind() SignalKind {
	switch {
	case id >= internalRangeStart:
		return KindInternal
	case id >= complexRangeStart:
		return KindComplex
	case id >= customRangeStart:
		return KindCustom
	case id >= pidRangeStart:
		return KindPID
	default:
		return KindRaw
	}
}

func (k SignalKind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindPID:
		return "pid"
	case KindCustom:
		return "custom"
	case KindComplex:
		return "complex"
	default:
		return "internal"
	}
}

// SignalValueType is the declared runtime type of a decoded signal.
type SignalValueType string

const (
	// TypeNumber covers all scalar numeric signals.
	TypeNumber SignalValueType = "number"
	// TypeBool covers boolean signals.
	TypeBool SignalValueType = "bool"
	// TypeString covers variable-length string signals, held in the raw
	// buffer and referenced by handle.
	TypeString SignalValueType = "string"
	// TypeComplex covers structured frames (vision payloads), held in the
	// raw buffer and referenced by handle.
	TypeComplex SignalValueType = "complex"
)

// IsBufferBacked reports whether values of this type live in the raw buffer.
func (t SignalValueType) IsBufferBacked() bool {
	return t == TypeString || t == TypeComplex
}
