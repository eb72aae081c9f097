package schema

// This file holds the runtime artifacts the campaign manager compiles from
// accepted documents. Artifacts are immutable snapshots: the manager builds
// a fresh one on every change and publishes it to subscribers, which must
// never mutate it.

// SignalBufferSpec is the per-signal buffering requirement of an inspection
// matrix, unioned across all enabled schemes per the tie-break rules: buffer
// size takes the max, sample interval the min, and fixed windows must agree.
type SignalBufferSpec struct {
	SignalID            SignalID
	SampleBufferSize    int
	MinSampleIntervalMs int64
	FixedWindowMs       int64
	ValueType           SignalValueType
}

// CollectedSignalSpec names one signal a condition captures on trigger,
// bounded by the originating scheme's buffer size.
type CollectedSignalSpec struct {
	SignalID         SignalID
	SampleBufferSize int
	ConditionOnly    bool
	Partition        PartitionID
}

// ConditionWithMetadata is one condition of an inspection matrix, with the
// trigger policy of its originating scheme.
type ConditionWithMetadata struct {
	CampaignID        SyncID
	CampaignName      string
	DecoderID         SyncID
	Root              int
	SignalsNeeded     []SignalID
	Collected         []CollectedSignalSpec
	MinPublishMs      int64
	AfterDurationMs   int64
	RisingEdgeOnly    bool
	Priority          uint32
	Persist           bool
	Compress          bool
	IncludeActiveDTCs bool
	HasPartitions     bool
}

// InspectionMatrix is the compiled evaluation plan of all enabled schemes:
// a shared expression arena, one ConditionWithMetadata per scheme, and the
// unioned per-signal buffer requirements.
type InspectionMatrix struct {
	Arena      *ExprArena
	Conditions []ConditionWithMetadata
	Signals    []SignalBufferSpec
}

// SignalSpec returns the buffer spec of |id|, if present.
func (m *InspectionMatrix) SignalSpec(id SignalID) (SignalBufferSpec, bool) {
	for _, s := range m.Signals {
		if s.SignalID == id {
			return s, true
		}
	}
	return SignalBufferSpec{}, false
}

// FetchSchedule is the periodic schedule of one fetch request.
type FetchSchedule struct {
	MaxExecutions   int64
	PeriodMs        int64
	ResetIntervalMs int64
}

// CompiledFetch is one fetch request of a fetch matrix. Condition-driven
// requests carry a root into the matrix arena; periodic ones a schedule.
type CompiledFetch struct {
	RequestID uint32
	SignalID  SignalID
	Actions   []CompiledFetchAction

	Periodic       bool
	Schedule       FetchSchedule
	ConditionRoot  int
	RisingEdgeOnly bool
}

// CompiledFetchAction is one custom-function invocation with evaluated
// literal arguments.
type CompiledFetchAction struct {
	FuncName string
	Args     []Value
}

// FetchMatrix is the compiled fetch plan of all enabled schemes.
type FetchMatrix struct {
	Arena    *ExprArena
	Requests []CompiledFetch
}

// Protocol discriminates decoder dictionary variants.
type Protocol int

const (
	ProtocolRaw Protocol = iota
	ProtocolPID
	ProtocolCustom
	ProtocolComplex
)

func (p Protocol) String() string {
	switch p {
	case ProtocolRaw:
		return "raw"
	case ProtocolPID:
		return "pid"
	case ProtocolCustom:
		return "custom"
	default:
		return "complex"
	}
}

// DecoderDictionary is the projection of the active decoder manifest through
// the signals required by enabled schemes: the smallest table each vehicle
// adapter needs. Adapters must stay silent for signals absent from their
// protocol's table.
type DecoderDictionary struct {
	DecoderID SyncID

	// ProtocolRaw: frames to decode, per interface and frame id.
	Frames map[InterfaceID]map[uint32]FrameFormat
	// ProtocolPID: diagnostic requests per signal.
	PIDs map[SignalID]PIDFormat
	// ProtocolCustom and ProtocolComplex: named decoder bindings.
	Custom map[SignalID]CustomFormat

	// NamedSignals indexes Custom by decoder key.
	NamedSignals map[string]SignalID
}

// HasSignal reports whether any protocol of the dictionary decodes |id|.
func (d *DecoderDictionary) HasSignal(id SignalID) bool {
	if _, ok := d.PIDs[id]; ok {
		return true
	}
	if _, ok := d.Custom[id]; ok {
		return true
	}
	for _, frames := range d.Frames {
		for _, frame := range frames {
			for _, sig := range frame.Signals {
				if sig.SignalID == id {
					return true
				}
			}
		}
	}
	return false
}

// RawBufferSignalConfig is the per-signal raw buffer sizing issued to the
// raw buffer manager for variable-size signals.
type RawBufferSignalConfig struct {
	SignalID      SignalID
	ReservedBytes int64
	MaxBytes      int64
	MaxSamples    int
}
