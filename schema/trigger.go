package schema

// RawHandle references a variable-size value held by the raw buffer
// manager. Zero is never a valid handle.
type RawHandle uint32

// InvalidRawHandle is the null raw buffer handle.
const InvalidRawHandle RawHandle = 0

// Sample is one timestamped signal observation flowing into the inspection
// engine. Buffer-backed values carry a RawHandle instead of a numeric value.
type Sample struct {
	SignalID    SignalID
	TimestampMs int64
	Value       Value
	Handle      RawHandle
}

// CollectedSignal is one captured observation inside a TriggeredData.
type CollectedSignal struct {
	SignalID    SignalID
	TimestampMs int64
	Value       Value
	Handle      RawHandle
	Type        SignalValueType
}

// DTCInfo is a snapshot of active diagnostic trouble codes.
type DTCInfo struct {
	ReceiveTimeMs int64
	Codes         []string
}

// HasItems reports whether the snapshot carries any codes.
func (d *DTCInfo) HasItems() bool { return d != nil && len(d.Codes) > 0 }

// TriggerMetadata carries the originating scheme's upload policy.
type TriggerMetadata struct {
	CampaignID   SyncID
	CampaignName string
	DecoderID    SyncID
	Persist      bool
	Compress     bool
	Priority     uint32
}

// TriggeredData is one condition firing: the captured signal windows, the
// optional DTC snapshot, and raw-buffer references for complex frames. It is
// the unit routed to the telemetry sender or the stream manager.
type TriggeredData struct {
	EventID       uint32
	TriggerTimeMs int64
	Metadata      TriggerMetadata

	Signals       []CollectedSignal
	DTCs          *DTCInfo
	ComplexFrames []CollectedSignal

	// HasPartitions routes the trigger through the stream manager rather
	// than directly to the telemetry sender.
	HasPartitions bool
	// PartitionOf maps each captured signal to its stream partition.
	PartitionOf map[SignalID]PartitionID
}

// Empty reports whether the trigger carries no data at all.
func (t *TriggeredData) Empty() bool {
	return len(t.Signals) == 0 && !t.DTCs.HasItems() && len(t.ComplexFrames) == 0
}
