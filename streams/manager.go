// Package streams implements the store-and-forward subsystem: durable
// per-(campaign, partition) append-only logs with byte quotas and TTL
// protection, read checkpoints that survive restart, and the cooperative
// forwarder draining them to the telemetry sender.
package streams

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
)

// AppendResult reports the outcome of a stream append.
type AppendResult int

const (
	AppendSuccess AppendResult = iota
	AppendEmptyData
	AppendStreamNotFound
	AppendQuotaExceeded
	AppendFatal
)

func (r AppendResult) String() string {
	switch r {
	case AppendSuccess:
		return "Success"
	case AppendEmptyData:
		return "EmptyData"
	case AppendStreamNotFound:
		return "StreamNotFound"
	case AppendQuotaExceeded:
		return "QuotaExceeded"
	default:
		return "Fatal"
	}
}

// Config tunes the Manager.
type Config struct {
	// Root directory holding all campaign streams.
	Root string
	// SegmentSoftBytes is the size past which the active segment rolls.
	SegmentSoftBytes int64
}

func (c *Config) withDefaults() Config {
	var out = *c
	if out.SegmentSoftBytes <= 0 {
		out.SegmentSoftBytes = 4 << 20
	}
	return out
}

// campaignStreams is the partition set of one campaign.
type campaignStreams struct {
	scheme     *schema.CollectionScheme
	partitions map[schema.PartitionID]*stream
}

// Manager owns all stream partitions. Appends (from the data pipeline) and
// reads (from the forwarder) take per-partition locks, so a slow reader on
// one partition never blocks writers on another.
type Manager struct {
	cfg    Config
	clk    clock.Clock
	logger ops.Logger

	mu        sync.RWMutex
	campaigns map[string]*campaignStreams
}

// NewManager returns a Manager over cfg.Root.
func NewManager(cfg Config, clk clock.Clock, logger ops.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating streams root: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		campaigns: make(map[string]*campaignStreams),
	}, nil
}

// configHash fingerprints a partition configuration, so a changed config
// resets its stream on open.
func configHash(id schema.PartitionID, cfg schema.PartitionConfig) uint64 {
	var buf = make([]byte, 0, 64)
	buf = binary.BigEndian.AppendUint32(buf, id)
	buf = binary.BigEndian.AppendUint64(buf, uint64(cfg.MaxBytes))
	buf = binary.BigEndian.AppendUint64(buf, uint64(cfg.MinTTLSeconds))
	buf = append(buf, cfg.StorageLocation...)
	return highwayhash.Sum64(buf, streamHashKey)
}

var streamHashKey = func() []byte {
	var key = make([]byte, 32)
	copy(key, "vantage-stream-config-hash-key")
	return key
}()

// ApplyCampaigns reconciles on-disk streams with the enabled scheme set:
// partitions of new campaigns are created lazily on first append, streams of
// removed campaigns are deleted along with their checkpoints, and orphaned
// directories are cleaned up.
func (m *Manager) ApplyCampaigns(enabled []*schema.CollectionScheme) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next = make(map[string]*campaignStreams)
	for _, scheme := range enabled {
		if !scheme.HasPartitions() {
			continue
		}
		var name = scheme.CampaignName()
		if prev, ok := m.campaigns[name]; ok {
			if prev.scheme.Checksum() == scheme.Checksum() {
				next[name] = prev
				delete(m.campaigns, name)
				continue
			}
			// Changed definition: release open handles so re-opened
			// partitions can detect config changes and reset themselves.
			for _, s := range prev.partitions {
				s.close()
			}
			delete(m.campaigns, name)
		}
		next[name] = &campaignStreams{
			scheme:     scheme,
			partitions: make(map[schema.PartitionID]*stream),
		}
	}

	// Close and delete streams of campaigns no longer enabled. A campaign
	// whose definition changed is rebuilt: openStream detects the config
	// hash change per partition and resets only what changed.
	for name, old := range m.campaigns {
		if _, kept := next[name]; kept {
			continue
		}
		for _, s := range old.partitions {
			s.close()
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.Root, name)); err != nil {
			m.logger.Log(log.ErrorLevel, log.Fields{
				"campaign": name, "error": err.Error(),
			}, "failed to delete retired campaign streams")
		}
	}
	m.campaigns = next

	// Orphan cleanup: directories on disk not referenced by any known
	// campaign are deleted.
	if entries, err := os.ReadDir(m.cfg.Root); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if _, known := m.campaigns[entry.Name()]; !known {
				_ = os.RemoveAll(filepath.Join(m.cfg.Root, entry.Name()))
			}
		}
	}
}

// HasCampaign reports whether |campaign| stores to streams.
func (m *Manager) HasCampaign(campaign string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.campaigns[campaign]
	return ok
}

// PartitionsOf returns the partition ids of |campaign|, sorted.
func (m *Manager) PartitionsOf(campaign string) []schema.PartitionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cs, ok = m.campaigns[campaign]
	if !ok {
		return nil
	}
	var out []schema.PartitionID
	for id := range cs.scheme.Partitions() {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ForwardOnCondition reports whether |campaign| asked for its stored data to
// be forwarded without an external job.
func (m *Manager) ForwardOnCondition(campaign string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cs, ok := m.campaigns[campaign]; ok {
		return cs.scheme.ForwardOnCondition()
	}
	return false
}

// partitionStream returns (opening lazily) the stream of (campaign, part).
func (m *Manager) partitionStream(campaign string, part schema.PartitionID) (*stream, AppendResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cs, ok = m.campaigns[campaign]
	if !ok {
		return nil, AppendStreamNotFound
	}
	if s, open := cs.partitions[part]; open {
		return s, AppendSuccess
	}
	var cfg, configured = cs.scheme.Partitions()[part]
	if !configured {
		return nil, AppendStreamNotFound
	}

	var dir = filepath.Join(m.cfg.Root, campaign, cfg.StorageLocation)
	var s, err = openStream(dir, campaign, part, cfg, m.cfg.SegmentSoftBytes, configHash(part, cfg))
	if err != nil {
		m.logger.Log(log.ErrorLevel, log.Fields{
			"campaign": campaign, "partition": part, "error": err.Error(),
		}, "failed to open stream partition")
		return nil, AppendFatal
	}
	cs.partitions[part] = s
	return s, AppendSuccess
}

// Append durably stores one serialized payload on (campaign, part). Records
// are visible to readers once Append returns AppendSuccess.
func (m *Manager) Append(
	campaign string,
	part schema.PartitionID,
	payload []byte,
	triggerTimeMs int64,
	compressed bool,
) AppendResult {
	if len(payload) == 0 {
		return AppendEmptyData
	}
	var s, res = m.partitionStream(campaign, part)
	if res != AppendSuccess {
		return res
	}

	res = s.append(payload, triggerTimeMs, clock.EpochMs(m.clk.Now()), compressed)
	switch res {
	case AppendQuotaExceeded:
		m.logger.Log(log.ErrorLevel, log.Fields{
			"campaign": campaign, "partition": part,
		}, "stream append exceeds quota")
	case AppendFatal:
		m.logger.Log(log.ErrorLevel, log.Fields{
			"campaign": campaign, "partition": part, "error": fmt.Sprint(s.lastErr),
		}, "stream partition quarantined")
	}
	return res
}

// ReadNext returns the oldest unacknowledged record of (campaign, part) and
// a checkpoint closure which, when invoked, advances the read pointer past
// it. It returns (nil, nil, nil) when the partition is fully consumed.
func (m *Manager) ReadNext(campaign string, part schema.PartitionID) (*Record, func() error, error) {
	var s, res = m.partitionStream(campaign, part)
	if res == AppendStreamNotFound {
		return nil, nil, fmt.Errorf("stream %s/%d: not found", campaign, part)
	} else if res != AppendSuccess {
		return nil, nil, errQuarantined
	}
	return s.readNext()
}

// BytesOf returns the on-disk byte total of (campaign, part), for tests and
// diagnostics.
func (m *Manager) BytesOf(campaign string, part schema.PartitionID) int64 {
	var s, res = m.partitionStream(campaign, part)
	if res != AppendSuccess {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes()
}

// Close releases all open partitions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cs := range m.campaigns {
		for _, s := range cs.partitions {
			s.close()
		}
	}
}
