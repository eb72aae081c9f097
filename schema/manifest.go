package schema

import (
	"encoding/json"
	"fmt"
)

// SignalFormat describes how one signal is extracted from a raw bus frame.
type SignalFormat struct {
	SignalID  SignalID        `json:"signal_id"`
	StartBit  uint16          `json:"start_bit"`
	Length    uint16          `json:"length"`
	BigEndian bool            `json:"big_endian"`
	Signed    bool            `json:"signed"`
	Scaling   float64         `json:"scaling"`
	Offset    float64         `json:"offset"`
	Type      SignalValueType `json:"type"`
}

// FrameFormat describes one raw frame and the signals packed into it.
type FrameFormat struct {
	Length  uint8          `json:"length"`
	Signals []SignalFormat `json:"signals"`
}

// PIDFormat describes how a diagnostic signal is requested and decoded.
type PIDFormat struct {
	Mode    uint8   `json:"mode"`
	PID     uint16  `json:"pid"`
	Scaling float64 `json:"scaling"`
	Offset  float64 `json:"offset"`
}

// CustomFormat binds a signal to a named custom decoder on an interface.
type CustomFormat struct {
	Interface InterfaceID     `json:"interface"`
	Key       string          `json:"key"`
	Type      SignalValueType `json:"type"`
}

// ComplexTypeNode is one node of the complex-type graph for vision payloads.
// Children are indices into the graph vector.
type ComplexTypeNode struct {
	Name      string `json:"name"`
	Primitive string `json:"primitive,omitempty"`
	Array     bool   `json:"array,omitempty"`
	Fields    []int  `json:"fields,omitempty"`
}

// FrameRef locates the frame a raw signal decodes from.
type FrameRef struct {
	FrameID   uint32
	Interface InterfaceID
}

// manifestDoc is the JSON wire form of a decoder manifest.
type manifestDoc struct {
	SyncID SyncID                                 `json:"sync_id"`
	Frames map[InterfaceID]map[string]FrameFormat `json:"frames"`
	PIDs   map[string]PIDFormat                   `json:"pids"`
	Custom map[string]CustomFormat                `json:"custom"`
	Types  []ComplexTypeNode                      `json:"complex_types,omitempty"`
}

// DecoderManifest is a versioned table telling the agent how to turn raw bus
// bytes into typed signals. It is built once from raw document bytes and is
// immutable afterwards; every accessor is safe for concurrent use.
type DecoderManifest struct {
	syncID   SyncID
	checksum Checksum
	raw      []byte

	frames        map[InterfaceID]map[uint32]FrameFormat
	signalToFrame map[SignalID]FrameRef
	pids          map[SignalID]PIDFormat
	custom        map[SignalID]CustomFormat
	types         []ComplexTypeNode
}

// BuildDecoderManifest parses and validates |raw|. On failure the returned
// error wraps ErrInvalidFormat and the caller keeps its previous manifest.
func BuildDecoderManifest(raw []byte) (*DecoderManifest, error) {
	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing decoder manifest: %w (%w)", err, ErrInvalidFormat)
	}
	if doc.SyncID == "" {
		return nil, fmt.Errorf("decoder manifest without sync_id: %w", ErrInvalidFormat)
	}

	var m = &DecoderManifest{
		syncID:        doc.SyncID,
		checksum:      ChecksumOf(raw),
		raw:           append([]byte(nil), raw...),
		frames:        make(map[InterfaceID]map[uint32]FrameFormat),
		signalToFrame: make(map[SignalID]FrameRef),
		pids:          make(map[SignalID]PIDFormat),
		custom:        make(map[SignalID]CustomFormat),
		types:         doc.Types,
	}

	for ifc, frames := range doc.Frames {
		var byID = make(map[uint32]FrameFormat, len(frames))
		for key, frame := range frames {
			var frameID uint32
			if _, err := fmt.Sscanf(key, "%d", &frameID); err != nil {
				return nil, fmt.Errorf("frame id %q on %q: %w", key, ifc, ErrInvalidFormat)
			}
			for _, sig := range frame.Signals {
				if sig.Length == 0 {
					return nil, fmt.Errorf("signal %d has zero length: %w", sig.SignalID, ErrInvalidFormat)
				}
				if _, dup := m.signalToFrame[sig.SignalID]; dup {
					return nil, fmt.Errorf("signal %d decoded by multiple frames: %w", sig.SignalID, ErrInvalidFormat)
				}
				m.signalToFrame[sig.SignalID] = FrameRef{FrameID: frameID, Interface: ifc}
			}
			byID[frameID] = frame
		}
		m.frames[ifc] = byID
	}

	for key, pid := range doc.PIDs {
		var id, err = parseSignalID(key)
		if err != nil {
			return nil, err
		}
		if _, dup := m.signalToFrame[id]; dup {
			return nil, fmt.Errorf("signal %d has both frame and pid decoders: %w", id, ErrInvalidFormat)
		}
		m.pids[id] = pid
	}

	for key, custom := range doc.Custom {
		var id, err = parseSignalID(key)
		if err != nil {
			return nil, err
		}
		if custom.Key == "" {
			return nil, fmt.Errorf("custom decoder for signal %d without key: %w", id, ErrInvalidFormat)
		}
		if m.hasDecoder(id) {
			return nil, fmt.Errorf("signal %d has multiple decoders: %w", id, ErrInvalidFormat)
		}
		m.custom[id] = custom
	}

	for i, node := range doc.Types {
		for _, f := range node.Fields {
			if f < 0 || f >= len(doc.Types) || f == i {
				return nil, fmt.Errorf("complex type %q has out-of-range field %d: %w", node.Name, f, ErrInvalidFormat)
			}
		}
	}
	return m, nil
}

func parseSignalID(key string) (SignalID, error) {
	var id uint32
	if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
		return 0, fmt.Errorf("signal id %q: %w", key, ErrInvalidFormat)
	}
	return SignalID(id), nil
}

func (m *DecoderManifest) hasDecoder(id SignalID) bool {
	if _, ok := m.signalToFrame[id]; ok {
		return true
	}
	if _, ok := m.pids[id]; ok {
		return true
	}
	_, ok := m.custom[id]
	return ok
}

// SyncID returns the manifest's document id.
func (m *DecoderManifest) SyncID() SyncID { return m.syncID }

// Checksum returns the content checksum of the raw document bytes.
func (m *DecoderManifest) Checksum() Checksum { return m.checksum }

// Raw returns the original document bytes, for persistence.
func (m *DecoderManifest) Raw() []byte { return m.raw }

// HasSignal reports whether the manifest can decode |id|.
func (m *DecoderManifest) HasSignal(id SignalID) bool { return m.hasDecoder(id) }

// FrameOf returns the frame reference of a raw signal.
func (m *DecoderManifest) FrameOf(id SignalID) (FrameRef, bool) {
	ref, ok := m.signalToFrame[id]
	return ref, ok
}

// FrameFormatOf returns the format of (interface, frameID).
func (m *DecoderManifest) FrameFormatOf(ifc InterfaceID, frameID uint32) (FrameFormat, bool) {
	f, ok := m.frames[ifc][frameID]
	return f, ok
}

// PIDOf returns the PID format of a diagnostic signal.
func (m *DecoderManifest) PIDOf(id SignalID) (PIDFormat, bool) {
	f, ok := m.pids[id]
	return f, ok
}

// CustomOf returns the custom decoder binding of a signal.
func (m *DecoderManifest) CustomOf(id SignalID) (CustomFormat, bool) {
	f, ok := m.custom[id]
	return f, ok
}

// NamedSignal resolves a custom decoder key (e.g. "Vehicle.X") to its
// SignalID, or InvalidSignalID if the manifest does not bind it.
func (m *DecoderManifest) NamedSignal(key string) SignalID {
	for id, c := range m.custom {
		if c.Key == key {
			return id
		}
	}
	return InvalidSignalID
}

// ValueTypeOf returns the declared value type of |id|. Raw and PID signals
// are numeric unless their format declares otherwise.
func (m *DecoderManifest) ValueTypeOf(id SignalID) SignalValueType {
	if ref, ok := m.signalToFrame[id]; ok {
		for _, sig := range m.frames[ref.Interface][ref.FrameID].Signals {
			if sig.SignalID == id && sig.Type != "" {
				return sig.Type
			}
		}
		return TypeNumber
	}
	if _, ok := m.pids[id]; ok {
		return TypeNumber
	}
	if c, ok := m.custom[id]; ok && c.Type != "" {
		return c.Type
	}
	return TypeNumber
}

// ComplexTypes returns the complex-type graph, which may be empty.
func (m *DecoderManifest) ComplexTypes() []ComplexTypeNode { return m.types }
