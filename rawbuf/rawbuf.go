// Package rawbuf implements the bounded arena holding variable-size signal
// values (strings and complex frames), referenced from the rest of the
// pipeline by handle. Each handle carries a reference count broken into
// named usage stages, so a leak at any stage is diagnosable and eviction can
// skip values that are part of an upload in flight.
package rawbuf

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
)

// Stage names one usage of a raw buffer handle.
type Stage int

const (
	// StageInHistory counts the inspection engine's ring buffers.
	StageInHistory Stage = iota
	// StageSelectedForUpload counts triggers that captured the value.
	StageSelectedForUpload
	// StageHandedToSender counts in-flight sends of the value.
	StageHandedToSender

	numStages
)

func (s Stage) String() string {
	switch s {
	case StageInHistory:
		return "InHistoryBuffer"
	case StageSelectedForUpload:
		return "SelectedForUpload"
	default:
		return "HandedOverToSender"
	}
}

// Config bounds the manager.
type Config struct {
	// MaxBytes is the global arena cap. Zero means a modest default.
	MaxBytes int64
	// MaxSamplesPerSignal is the default per-signal sample cap, overridable
	// per signal via schema.RawBufferSignalConfig.
	MaxSamplesPerSignal int
}

// DefaultMaxBytes is the global cap applied when none is configured.
const DefaultMaxBytes = 1 << 30

type entry struct {
	handle      schema.RawHandle
	signalID    schema.SignalID
	data        []byte
	timestampMs int64
	counts      [numStages]int
	// seq orders entries by push time for LRU eviction.
	seq uint64
}

func (e *entry) total() int {
	var t int
	for _, c := range e.counts {
		t += c
	}
	return t
}

func (e *entry) uploading() bool {
	return e.counts[StageSelectedForUpload] > 0 || e.counts[StageHandedToSender] > 0
}

type signalBuffer struct {
	cfg     schema.RawBufferSignalConfig
	entries []*entry // Ordered by push time.
	bytes   int64
}

// Manager is the raw buffer arena. All methods are safe for concurrent use.
type Manager struct {
	logger ops.Logger

	mu         sync.Mutex
	cfg        Config
	signals    map[schema.SignalID]*signalBuffer
	byHandle   map[schema.RawHandle]*entry
	totalBytes int64
	nextHandle schema.RawHandle
	nextSeq    uint64
}

// NewManager returns a Manager with no configured signals: every push is
// rejected until Reconfigure installs a signal set.
func NewManager(cfg Config, logger ops.Logger) *Manager {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Manager{
		logger:     logger,
		cfg:        cfg,
		signals:    make(map[schema.SignalID]*signalBuffer),
		byHandle:   make(map[schema.RawHandle]*entry),
		nextHandle: 1,
	}
}

// Reconfigure atomically swaps the configured signal set. Entries of signals
// absent from the new set are released, whatever their stage counts: their
// campaign is gone and no consumer will return the handles.
func (m *Manager) Reconfigure(configs []schema.RawBufferSignalConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next = make(map[schema.SignalID]*signalBuffer, len(configs))
	for _, cfg := range configs {
		if prev, ok := m.signals[cfg.SignalID]; ok {
			prev.cfg = cfg
			next[cfg.SignalID] = prev
		} else {
			next[cfg.SignalID] = &signalBuffer{cfg: cfg}
		}
	}
	for id, sb := range m.signals {
		if _, kept := next[id]; kept {
			continue
		}
		for _, e := range sb.entries {
			m.freeLocked(e)
		}
	}
	m.signals = next
}

// Push stores |data| for |signalID| and returns a handle with a zero
// reference count. Callers increase a usage stage before the next push could
// evict it. It returns InvalidRawHandle when the signal is not configured or
// when the caps cannot be satisfied without touching uploading entries.
func (m *Manager) Push(signalID schema.SignalID, data []byte, timestampMs int64) schema.RawHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sb, ok = m.signals[signalID]
	if !ok {
		return schema.InvalidRawHandle
	}

	var need = int64(len(data))
	var signalCap = sb.cfg.MaxBytes
	if signalCap > 0 && need > signalCap {
		m.logger.Log(log.WarnLevel, log.Fields{
			"signal": signalID, "bytes": need,
		}, "raw value exceeds per-signal cap")
		return schema.InvalidRawHandle
	}

	var maxSamples = sb.cfg.MaxSamples
	if maxSamples == 0 {
		maxSamples = m.cfg.MaxSamplesPerSignal
	}

	// Evict oldest not-uploading entries of this signal until the insert
	// fits, or only protected entries remain.
	var fits = func() bool {
		if m.totalBytes+need > m.cfg.MaxBytes {
			return false
		}
		if signalCap > 0 && sb.bytes+need > signalCap {
			return false
		}
		if maxSamples > 0 && len(sb.entries) >= maxSamples {
			return false
		}
		return true
	}
	for !fits() {
		if !m.evictOldestLocked(sb) {
			rawRejectedTotal.WithLabelValues(signalID.Kind().String()).Inc()
			return schema.InvalidRawHandle
		}
	}

	var e = &entry{
		handle:      m.nextHandle,
		signalID:    signalID,
		data:        append([]byte(nil), data...),
		timestampMs: timestampMs,
		seq:         m.nextSeq,
	}
	m.nextHandle++
	m.nextSeq++

	sb.entries = append(sb.entries, e)
	sb.bytes += need
	m.totalBytes += need
	m.byHandle[e.handle] = e

	rawBytesInUse.Set(float64(m.totalBytes))
	return e.handle
}

// evictOldestLocked releases the oldest entry of |sb| that is not part of an
// upload. It returns false when every entry is protected.
func (m *Manager) evictOldestLocked(sb *signalBuffer) bool {
	for _, e := range sb.entries {
		if e.uploading() {
			continue
		}
		m.freeLocked(e)
		rawEvictedTotal.Inc()
		return true
	}
	return false
}

func (m *Manager) freeLocked(e *entry) {
	var sb = m.signals[e.signalID]
	if sb != nil {
		for i, cand := range sb.entries {
			if cand == e {
				sb.entries = append(sb.entries[:i], sb.entries[i+1:]...)
				sb.bytes -= int64(len(e.data))
				break
			}
		}
	}
	delete(m.byHandle, e.handle)
	m.totalBytes -= int64(len(e.data))
	rawBytesInUse.Set(float64(m.totalBytes))
}

// Borrow returns a read-only view of the value behind |handle|, or nil when
// the handle was evicted or never existed. Callers must not retain the view
// past a usage decrease.
func (m *Manager) Borrow(handle schema.RawHandle) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byHandle[handle]; ok {
		return e.data
	}
	return nil
}

// IncreaseUsage records one more use of |handle| at |stage|. It returns
// false when the handle no longer exists.
func (m *Manager) IncreaseUsage(handle schema.RawHandle, stage Stage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var e, ok = m.byHandle[handle]
	if !ok {
		return false
	}
	e.counts[stage]++
	return true
}

// DecreaseUsage releases one use of |handle| at |stage|. When the summed
// count across stages reaches zero the value becomes reclaimable and is
// freed immediately. Decreasing an absent handle is a silent no-op and
// decreasing an empty stage is a logged no-op, rather than a panic: the
// caller may legitimately race a Reconfigure that released the signal.
func (m *Manager) DecreaseUsage(handle schema.RawHandle, stage Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var e, ok = m.byHandle[handle]
	if !ok {
		return
	}
	if e.counts[stage] == 0 {
		m.logger.Log(log.ErrorLevel, log.Fields{
			"handle": handle, "stage": stage.String(),
		}, "usage decrease below zero")
		return
	}
	e.counts[stage]--
	if e.total() == 0 {
		m.freeLocked(e)
	}
}

// UsageOf returns the per-stage counts of |handle|, for diagnostics and
// tests.
func (m *Manager) UsageOf(handle schema.RawHandle) (counts [3]int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, found := m.byHandle[handle]; found {
		return e.counts, true
	}
	return counts, false
}

// TotalBytes returns the arena's current byte usage.
func (m *Manager) TotalBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalBytes
}

// SampleCount returns the number of live entries for |signalID|.
func (m *Manager) SampleCount(signalID schema.SignalID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.signals[signalID]; ok {
		return len(sb.entries)
	}
	return 0
}
