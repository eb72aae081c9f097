package schema

import (
	"encoding/json"
	"fmt"
)

// DefaultSchemeListSizeLimit bounds a collection scheme list document, as a
// guard against malformed input.
const DefaultSchemeListSizeLimit = 128 << 20

// PartitionID identifies a storage partition within a campaign.
type PartitionID = uint32

// DefaultPartition receives DTC blocks, raw frames, and any signal without
// an explicit partition assignment.
const DefaultPartition PartitionID = 0

// SignalCollectionInfo configures collection of one signal by a scheme.
type SignalCollectionInfo struct {
	SignalID            SignalID     `json:"signal_id"`
	SampleBufferSize    int          `json:"sample_buffer_size"`
	MinSampleIntervalMs int64        `json:"min_sample_interval_ms"`
	FixedWindowMs       int64        `json:"fixed_window_ms"`
	ConditionOnly       bool         `json:"condition_only"`
	FetchRequestIDs     []uint32     `json:"fetch_request_ids,omitempty"`
	Partition           *PartitionID `json:"partition_id,omitempty"`

	// Raw buffer overrides for string/complex signals.
	MaxBytes      int64 `json:"max_bytes,omitempty"`
	ReservedBytes int64 `json:"reserved_bytes,omitempty"`
	MaxSamples    int   `json:"max_samples,omitempty"`
}

// PartitionConfig configures one on-disk stream partition of a campaign.
type PartitionConfig struct {
	StorageLocation string `json:"storage_location"`
	MaxBytes        int64  `json:"max_bytes"`
	MinTTLSeconds   int64  `json:"min_ttl_s"`
}

// FetchAction is one custom-function invocation performed by a fetch request.
type FetchAction struct {
	FuncName string            `json:"func"`
	Args     []json.RawMessage `json:"args,omitempty"`
}

// FetchRequest obtains fresh samples of a signal that is not push-based,
// either periodically or when a boolean condition holds.
type FetchRequest struct {
	RequestID uint32        `json:"request_id"`
	SignalID  SignalID      `json:"signal_id"`
	Actions   []FetchAction `json:"actions"`

	// Periodic schedule; PeriodMs zero means condition-driven.
	MaxExecutions   int64 `json:"max_executions,omitempty"`
	PeriodMs        int64 `json:"period_ms,omitempty"`
	ResetIntervalMs int64 `json:"reset_interval_ms,omitempty"`

	// Condition-driven alternative.
	Condition      json.RawMessage `json:"condition,omitempty"`
	RisingEdgeOnly bool            `json:"trigger_only_on_rising_edge,omitempty"`
}

// schemeDoc is the JSON wire form of one collection scheme.
type schemeDoc struct {
	SyncID            SyncID `json:"sync_id"`
	DecoderManifestID SyncID `json:"decoder_manifest_id"`
	CampaignName      string `json:"campaign_name,omitempty"`

	StartTimeMs  int64  `json:"start_time"`
	ExpiryTimeMs int64  `json:"expiry_time"`
	Priority     uint32 `json:"priority"`

	Persist              bool  `json:"persist"`
	Compress             bool  `json:"compress"`
	MinPublishIntervalMs int64 `json:"minimum_publish_interval_ms"`
	AfterDurationMs      int64 `json:"after_duration_ms"`
	IncludeActiveDTCs    bool  `json:"include_active_dtcs"`
	RisingEdgeOnly       bool  `json:"trigger_only_on_rising_edge"`
	ForwardOnCondition   bool  `json:"forward_on_condition,omitempty"`

	Signals    []SignalCollectionInfo     `json:"signals"`
	Condition  json.RawMessage            `json:"condition"`
	Fetches    []FetchRequest             `json:"fetch_plan,omitempty"`
	Partitions map[string]PartitionConfig `json:"partition_config,omitempty"`
}

// CollectionScheme is one cloud-authored campaign: signals to collect, a
// boolean trigger condition, and an activation window. Built once from its
// document bytes; immutable afterwards.
type CollectionScheme struct {
	doc      schemeDoc
	checksum Checksum

	arena         *ExprArena
	conditionRoot int
	partitions    map[PartitionID]PartitionConfig
	signalSet     map[SignalID]*SignalCollectionInfo
}

func buildScheme(raw json.RawMessage) (*CollectionScheme, error) {
	var doc schemeDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing collection scheme: %w (%w)", err, ErrInvalidFormat)
	}
	if doc.SyncID == "" {
		return nil, fmt.Errorf("collection scheme without sync_id: %w", ErrInvalidFormat)
	}
	if doc.DecoderManifestID == "" {
		return nil, fmt.Errorf("scheme %q without decoder_manifest_id: %w", doc.SyncID, ErrInvalidFormat)
	}
	if doc.ExpiryTimeMs <= doc.StartTimeMs {
		return nil, fmt.Errorf("scheme %q expiry %d not after start %d: %w",
			doc.SyncID, doc.ExpiryTimeMs, doc.StartTimeMs, ErrInvalidFormat)
	}
	if len(doc.Condition) == 0 {
		return nil, fmt.Errorf("scheme %q without condition: %w", doc.SyncID, ErrInvalidFormat)
	}

	var s = &CollectionScheme{
		doc:        doc,
		checksum:   ChecksumOf(raw),
		arena:      new(ExprArena),
		partitions: make(map[PartitionID]PartitionConfig),
		signalSet:  make(map[SignalID]*SignalCollectionInfo),
	}

	var root, err = CompileCondition(s.arena, doc.Condition)
	if err != nil {
		return nil, fmt.Errorf("scheme %q: %w", doc.SyncID, err)
	}
	s.conditionRoot = root

	for key, cfg := range doc.Partitions {
		var id PartitionID
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			return nil, fmt.Errorf("scheme %q partition id %q: %w", doc.SyncID, key, ErrInvalidFormat)
		}
		if cfg.StorageLocation == "" {
			return nil, fmt.Errorf("scheme %q partition %d without storage_location: %w", doc.SyncID, id, ErrInvalidFormat)
		}
		if cfg.MaxBytes <= 0 {
			return nil, fmt.Errorf("scheme %q partition %d max_bytes must be positive: %w", doc.SyncID, id, ErrInvalidFormat)
		}
		s.partitions[id] = cfg
	}

	for i := range s.doc.Signals {
		var info = &s.doc.Signals[i]
		if info.SampleBufferSize < 1 {
			return nil, fmt.Errorf("scheme %q signal %d sample_buffer_size must be >= 1: %w",
				doc.SyncID, info.SignalID, ErrInvalidFormat)
		}
		if info.Partition != nil {
			if _, ok := s.partitions[*info.Partition]; !ok {
				return nil, fmt.Errorf("scheme %q signal %d references unknown partition %d: %w",
					doc.SyncID, info.SignalID, *info.Partition, ErrInvalidFormat)
			}
		}
		if _, dup := s.signalSet[info.SignalID]; dup {
			return nil, fmt.Errorf("scheme %q lists signal %d twice: %w", doc.SyncID, info.SignalID, ErrInvalidFormat)
		}
		s.signalSet[info.SignalID] = info
	}

	for i := range doc.Fetches {
		var f = &doc.Fetches[i]
		var periodic = f.PeriodMs != 0 || f.MaxExecutions != 0 || f.ResetIntervalMs != 0
		if periodic && f.PeriodMs <= 0 {
			return nil, fmt.Errorf("scheme %q fetch %d period_ms must be positive: %w",
				doc.SyncID, f.RequestID, ErrInvalidFormat)
		}
		if !periodic && len(f.Condition) == 0 {
			return nil, fmt.Errorf("scheme %q fetch %d is neither periodic nor conditional: %w",
				doc.SyncID, f.RequestID, ErrInvalidFormat)
		}
		if len(f.Actions) == 0 {
			return nil, fmt.Errorf("scheme %q fetch %d without actions: %w", doc.SyncID, f.RequestID, ErrInvalidFormat)
		}
	}
	return s, nil
}

// SyncID returns the scheme's document id.
func (s *CollectionScheme) SyncID() SyncID { return s.doc.SyncID }

// Checksum returns the content checksum of the scheme's document bytes.
func (s *CollectionScheme) Checksum() Checksum { return s.checksum }

// DecoderManifestID returns the manifest this scheme decodes against.
func (s *CollectionScheme) DecoderManifestID() SyncID { return s.doc.DecoderManifestID }

// CampaignName returns the human-assigned campaign name, defaulting to the
// SyncID. It names the stream directory on disk.
func (s *CollectionScheme) CampaignName() string {
	if s.doc.CampaignName != "" {
		return s.doc.CampaignName
	}
	return s.doc.SyncID
}

// StartTimeMs returns the activation start, epoch milliseconds.
func (s *CollectionScheme) StartTimeMs() int64 { return s.doc.StartTimeMs }

// ExpiryTimeMs returns the activation expiry, epoch milliseconds.
func (s *CollectionScheme) ExpiryTimeMs() int64 { return s.doc.ExpiryTimeMs }

// Priority returns the scheme priority; higher sorts first in the output
// queue.
func (s *CollectionScheme) Priority() uint32 { return s.doc.Priority }

// Persist reports whether failed uploads should be spooled.
func (s *CollectionScheme) Persist() bool { return s.doc.Persist }

// Compress reports whether payloads should be compressed.
func (s *CollectionScheme) Compress() bool { return s.doc.Compress }

// MinPublishIntervalMs returns the per-condition publish throttle.
func (s *CollectionScheme) MinPublishIntervalMs() int64 { return s.doc.MinPublishIntervalMs }

// AfterDurationMs returns how long evaluation of the condition is held off
// after the campaign is enabled or, once it has triggered, after its last
// trigger.
func (s *CollectionScheme) AfterDurationMs() int64 { return s.doc.AfterDurationMs }

// IncludeActiveDTCs reports whether triggers attach the active DTC snapshot.
func (s *CollectionScheme) IncludeActiveDTCs() bool { return s.doc.IncludeActiveDTCs }

// RisingEdgeOnly reports whether only false→true transitions trigger.
func (s *CollectionScheme) RisingEdgeOnly() bool { return s.doc.RisingEdgeOnly }

// ForwardOnCondition reports whether this campaign's stored partitions are
// forwarded without an external job.
func (s *CollectionScheme) ForwardOnCondition() bool { return s.doc.ForwardOnCondition }

// Signals returns the scheme's signal collection settings.
func (s *CollectionScheme) Signals() []SignalCollectionInfo { return s.doc.Signals }

// SignalInfo returns the collection settings for |id|.
func (s *CollectionScheme) SignalInfo(id SignalID) (*SignalCollectionInfo, bool) {
	info, ok := s.signalSet[id]
	return info, ok
}

// PartitionOf returns the partition receiving |id|, DefaultPartition if the
// signal carries no explicit assignment.
func (s *CollectionScheme) PartitionOf(id SignalID) PartitionID {
	if info, ok := s.signalSet[id]; ok && info.Partition != nil {
		return *info.Partition
	}
	return DefaultPartition
}

// Partitions returns the scheme's partition configurations.
func (s *CollectionScheme) Partitions() map[PartitionID]PartitionConfig { return s.partitions }

// HasPartitions reports whether the campaign stores to streams at all.
func (s *CollectionScheme) HasPartitions() bool { return len(s.partitions) > 0 }

// Condition returns the scheme's compiled condition arena and root index.
func (s *CollectionScheme) Condition() (*ExprArena, int) { return s.arena, s.conditionRoot }

// Fetches returns the scheme's fetch plan.
func (s *CollectionScheme) Fetches() []FetchRequest { return s.doc.Fetches }

// schemeListDoc is the JSON wire form of a scheme list document.
type schemeListDoc struct {
	Schemes []json.RawMessage `json:"schemes"`
}

// CollectionSchemeList is the full set of campaigns delivered by the cloud.
type CollectionSchemeList struct {
	checksum Checksum
	raw      []byte
	schemes  []*CollectionScheme
}

// BuildCollectionSchemeList parses and validates |raw|, enforcing
// |sizeLimit| (DefaultSchemeListSizeLimit when zero).
func BuildCollectionSchemeList(raw []byte, sizeLimit int) (*CollectionSchemeList, error) {
	if sizeLimit == 0 {
		sizeLimit = DefaultSchemeListSizeLimit
	}
	if len(raw) > sizeLimit {
		return nil, fmt.Errorf("scheme list of %d bytes exceeds limit %d: %w", len(raw), sizeLimit, ErrInvalidFormat)
	}
	var doc schemeListDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing scheme list: %w (%w)", err, ErrInvalidFormat)
	}

	var list = &CollectionSchemeList{
		checksum: ChecksumOf(raw),
		raw:      append([]byte(nil), raw...),
	}
	var seen = make(map[SyncID]struct{})
	for _, rawScheme := range doc.Schemes {
		var scheme, err = buildScheme(rawScheme)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[scheme.SyncID()]; dup {
			return nil, fmt.Errorf("scheme list repeats sync_id %q: %w", scheme.SyncID(), ErrInvalidFormat)
		}
		seen[scheme.SyncID()] = struct{}{}
		list.schemes = append(list.schemes, scheme)
	}
	return list, nil
}

// Checksum returns the content checksum of the list document.
func (l *CollectionSchemeList) Checksum() Checksum { return l.checksum }

// Raw returns the original document bytes, for persistence.
func (l *CollectionSchemeList) Raw() []byte { return l.raw }

// Schemes returns the parsed schemes in document order.
func (l *CollectionSchemeList) Schemes() []*CollectionScheme { return l.schemes }
