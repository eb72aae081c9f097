// Package sender implements the upload half of the pipeline: the telemetry
// sender (serialize, compress, size-adapt, chunk, publish, spool on
// failure), the spool retrier, and the checkin sender.
package sender

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/fleetlab/vantage/schema"
)

// Serializer builds upload payloads from triggered data. The wire codec is a
// host choice: the agent core only requires this contract. Implementations
// are used from a single goroutine.
//
// The sender appends messages one at a time and watches EstimatedSize so it
// can chunk without re-serializing. Split and Restore support halving an
// oversize in-flight payload: Split detaches the second half of the appended
// messages (the first half stays in place), and Restore replaces the current
// content with a previously detached half.
type Serializer interface {
	// Setup clears the serializer and binds the trigger's envelope fields.
	Setup(eventID uint32, triggerTimeMs int64, meta schema.TriggerMetadata)
	// AppendSignal adds one captured signal. |raw| carries the bytes of a
	// buffer-backed value, nil otherwise.
	AppendSignal(cs schema.CollectedSignal, raw []byte)
	// AppendDTCs adds the active DTC snapshot.
	AppendDTCs(d *schema.DTCInfo)
	// AppendRawFrame adds one complex frame reference.
	AppendRawFrame(cs schema.CollectedSignal, raw []byte)
	// EstimatedSize returns a running estimate of the serialized size.
	EstimatedSize() int
	// MessageCount returns the number of appended messages.
	MessageCount() int
	// Serialize encodes the current content.
	Serialize() ([]byte, error)
	// Split detaches the second half of the appended messages.
	Split() interface{}
	// Restore replaces the current content with a detached half.
	Restore(half interface{})
}

// PayloadSignal is the wire form of one captured signal.
type PayloadSignal struct {
	SignalID   schema.SignalID `json:"signal_id"`
	RelativeMs int64           `json:"relative_time_ms"`
	Num        *float64        `json:"num,omitempty"`
	Bool       *bool           `json:"bool,omitempty"`
	Raw        string          `json:"raw,omitempty"` // Base64 of buffer-backed bytes.
}

// PayloadDTC is the wire form of the DTC block.
type PayloadDTC struct {
	ReceiveTimeMs int64    `json:"receive_time_ms"`
	Codes         []string `json:"codes"`
}

// Payload is the complete wire document.
type Payload struct {
	EventID       uint32          `json:"event_id"`
	TriggerTimeMs int64           `json:"trigger_time_ms"`
	CampaignID    schema.SyncID   `json:"campaign_id"`
	DecoderID     schema.SyncID   `json:"decoder_id"`
	Signals       []PayloadSignal `json:"signals,omitempty"`
	DTCs          *PayloadDTC     `json:"dtc_info,omitempty"`
	RawFrames     []PayloadSignal `json:"raw_frames,omitempty"`
}

// envelopeOverhead approximates the envelope's serialized size.
const envelopeOverhead = 128

// JSONSerializer is the default Serializer, encoding payloads as single-line
// JSON documents.
type JSONSerializer struct {
	doc       Payload
	estimated int
}

var _ Serializer = (*JSONSerializer)(nil)

// NewJSONSerializer returns an empty JSONSerializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

func (s *JSONSerializer) Setup(eventID uint32, triggerTimeMs int64, meta schema.TriggerMetadata) {
	s.doc = Payload{
		EventID:       eventID,
		TriggerTimeMs: triggerTimeMs,
		CampaignID:    meta.CampaignID,
		DecoderID:     meta.DecoderID,
	}
	s.estimated = envelopeOverhead
}

func encodeSignal(cs schema.CollectedSignal, triggerTimeMs int64, raw []byte) PayloadSignal {
	var out = PayloadSignal{
		SignalID:   cs.SignalID,
		RelativeMs: cs.TimestampMs - triggerTimeMs,
	}
	switch {
	case raw != nil:
		out.Raw = base64.StdEncoding.EncodeToString(raw)
	case cs.Value.Kind() == schema.BoolKind:
		var b, _ = cs.Value.AsBool()
		out.Bool = &b
	default:
		var n, _ = cs.Value.AsNum()
		out.Num = &n
	}
	return out
}

// signalOverhead approximates one encoded signal's fixed cost.
const signalOverhead = 48

func (s *JSONSerializer) AppendSignal(cs schema.CollectedSignal, raw []byte) {
	var sig = encodeSignal(cs, s.doc.TriggerTimeMs, raw)
	s.doc.Signals = append(s.doc.Signals, sig)
	s.estimated += signalOverhead + len(sig.Raw)
}

func (s *JSONSerializer) AppendDTCs(d *schema.DTCInfo) {
	var dtc = &PayloadDTC{ReceiveTimeMs: d.ReceiveTimeMs, Codes: append([]string(nil), d.Codes...)}
	s.doc.DTCs = dtc
	s.estimated += 32
	for _, code := range d.Codes {
		s.estimated += len(code) + 4
	}
}

func (s *JSONSerializer) AppendRawFrame(cs schema.CollectedSignal, raw []byte) {
	var sig = encodeSignal(cs, s.doc.TriggerTimeMs, raw)
	s.doc.RawFrames = append(s.doc.RawFrames, sig)
	s.estimated += signalOverhead + len(sig.Raw)
}

func (s *JSONSerializer) EstimatedSize() int { return s.estimated }

func (s *JSONSerializer) MessageCount() int {
	var n = len(s.doc.Signals) + len(s.doc.RawFrames)
	if s.doc.DTCs != nil {
		n += len(s.doc.DTCs.Codes)
	}
	return n
}

func (s *JSONSerializer) Serialize() ([]byte, error) {
	var out, err = json.Marshal(&s.doc)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return out, nil
}

// jsonHalf is a detached half of a payload's messages.
type jsonHalf struct {
	signals   []PayloadSignal
	rawFrames []PayloadSignal
	dtcs      *PayloadDTC
}

func (s *JSONSerializer) Split() interface{} {
	var half = &jsonHalf{}

	var keep = len(s.doc.Signals) / 2
	half.signals = append(half.signals, s.doc.Signals[keep:]...)
	s.doc.Signals = s.doc.Signals[:keep]

	keep = len(s.doc.RawFrames) / 2
	half.rawFrames = append(half.rawFrames, s.doc.RawFrames[keep:]...)
	s.doc.RawFrames = s.doc.RawFrames[:keep]

	if s.doc.DTCs != nil {
		keep = len(s.doc.DTCs.Codes) / 2
		half.dtcs = &PayloadDTC{
			ReceiveTimeMs: s.doc.DTCs.ReceiveTimeMs,
			Codes:         append([]string(nil), s.doc.DTCs.Codes[keep:]...),
		}
		s.doc.DTCs.Codes = s.doc.DTCs.Codes[:keep]
	}

	s.reestimate()
	return half
}

func (s *JSONSerializer) Restore(half interface{}) {
	var h = half.(*jsonHalf)
	s.doc.Signals = h.signals
	s.doc.RawFrames = h.rawFrames
	s.doc.DTCs = h.dtcs
	s.reestimate()
}

func (s *JSONSerializer) reestimate() {
	s.estimated = envelopeOverhead
	for _, sig := range s.doc.Signals {
		s.estimated += signalOverhead + len(sig.Raw)
	}
	for _, sig := range s.doc.RawFrames {
		s.estimated += signalOverhead + len(sig.Raw)
	}
	if s.doc.DTCs != nil {
		s.estimated += 32
		for _, code := range s.doc.DTCs.Codes {
			s.estimated += len(code) + 4
		}
	}
}

// DecodePayload parses a serialized JSON payload, for tests and local
// tooling.
func DecodePayload(raw []byte) (*Payload, error) {
	var doc Payload
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
