package streams

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fleetlab/vantage/schema"
)

// Record is one durably stored, serialized telemetry payload of a stream
// partition.
type Record struct {
	Seq           uint64 `json:"seq"`
	TriggerTimeMs int64  `json:"trigger_time_ms"`
	AppendedAtMs  int64  `json:"appended_at_ms"`
	Compressed    bool   `json:"compressed,omitempty"`
	Payload       []byte `json:"payload"`
}

const (
	kvKeyReadSeq    = "read_seq"
	kvKeyConfigHash = "config_hash"
)

// segment is one append-only log file of a partition, named by the sequence
// of its first record.
type segment struct {
	firstSeq uint64
	lastSeq  uint64
	bytes    int64
	newestMs int64 // Append time of the newest record, for TTL protection.
	records  int
}

func segmentPath(dir string, firstSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%010d.log", firstSeq))
}

// stream is the durable append-only log of one (campaign, partition).
// append, readNext and close take the stream's own lock; totalBytes expects
// the caller to hold it.
type stream struct {
	mu sync.Mutex

	dir      string
	campaign string
	id       schema.PartitionID
	cfg      schema.PartitionConfig
	softSeg  int64

	kv       *kvStore
	segments []*segment
	nextSeq  uint64
	readSeq  uint64 // Highest checkpointed (acknowledged) sequence.

	// quarantined marks a partition whose filesystem failed fatally; other
	// partitions continue.
	quarantined bool
	lastErr     error
}

// openStream opens (creating if needed) the partition log under |dir|. A
// stored config hash that differs from |cfgHash| resets the stream.
func openStream(
	dir, campaign string,
	id schema.PartitionID,
	cfg schema.PartitionConfig,
	softSegmentBytes int64,
	cfgHash uint64,
) (*stream, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating stream dir: %w", err)
	}
	var kv, err = openKV(dir)
	if err != nil {
		return nil, err
	}

	var s = &stream{
		dir:      dir,
		campaign: campaign,
		id:       id,
		cfg:      cfg,
		softSeg:  softSegmentBytes,
		kv:       kv,
	}

	var stored, haveHash, hashErr = s.kv.getUint(kvKeyConfigHash)
	if hashErr != nil {
		_ = kv.close()
		return nil, hashErr
	}
	if haveHash && stored != cfgHash {
		// The partition was re-configured: previous records no longer match
		// their quota/TTL contract and are dropped.
		if err = s.removeAllSegments(); err != nil {
			_ = kv.close()
			return nil, err
		}
		if err = s.kv.putUint(kvKeyReadSeq, 0); err != nil {
			_ = kv.close()
			return nil, err
		}
	}
	if err = s.kv.putUint(kvKeyConfigHash, cfgHash); err != nil {
		_ = kv.close()
		return nil, err
	}

	if s.readSeq, _, err = s.kv.getUint(kvKeyReadSeq); err != nil {
		_ = kv.close()
		return nil, err
	}
	if err = s.loadSegments(); err != nil {
		_ = kv.close()
		return nil, err
	}
	return s, nil
}

// loadSegments scans the partition directory and rebuilds the in-memory
// segment index.
func (s *stream) loadSegments() error {
	var entries, err = os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scanning stream dir: %w", err)
	}
	s.segments = nil
	s.nextSeq = 1

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		var firstSeq, parseErr = strconv.ParseUint(strings.TrimSuffix(entry.Name(), ".log"), 10, 64)
		if parseErr != nil {
			continue
		}
		var seg = &segment{firstSeq: firstSeq}
		if err := s.scanSegment(seg); err != nil {
			return err
		}
		if seg.records == 0 {
			_ = os.Remove(segmentPath(s.dir, firstSeq))
			continue
		}
		s.segments = append(s.segments, seg)
		if seg.lastSeq >= s.nextSeq {
			s.nextSeq = seg.lastSeq + 1
		}
	}
	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].firstSeq < s.segments[j].firstSeq
	})
	return nil
}

func (s *stream) scanSegment(seg *segment) error {
	var f, err = os.Open(segmentPath(s.dir, seg.firstSeq))
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	var scanner = bufio.NewScanner(f)
	scanner.Buffer(nil, maxRecordBytes)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// A torn tail from a crashed append: ignore the partial line.
			break
		}
		seg.lastSeq = rec.Seq
		seg.newestMs = rec.AppendedAtMs
		seg.records++
		seg.bytes += int64(len(scanner.Bytes())) + 1
	}
	return scanner.Err()
}

// maxRecordBytes bounds one serialized stream record line.
const maxRecordBytes = 64 << 20

func (s *stream) totalBytes() int64 {
	var total int64
	for _, seg := range s.segments {
		total += seg.bytes
	}
	return total
}

// append durably writes one record. The caller's payload is retained only
// for the duration of the call.
func (s *stream) append(payload []byte, triggerTimeMs, nowMs int64, compressed bool) AppendResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quarantined {
		return AppendFatal
	}

	var rec = Record{
		Seq:           s.nextSeq,
		TriggerTimeMs: triggerTimeMs,
		AppendedAtMs:  nowMs,
		Compressed:    compressed,
		Payload:       payload,
	}
	var line, err = json.Marshal(&rec)
	if err != nil {
		return AppendFatal
	}
	var need = int64(len(line)) + 1

	// Enforce the byte quota: delete oldest segments first, but never one
	// whose newest record is still younger than the minimum TTL.
	for s.totalBytes()+need > s.cfg.MaxBytes {
		if len(s.segments) == 0 {
			// A single record larger than the partition quota.
			return AppendQuotaExceeded
		}
		var oldest = s.segments[0]
		if nowMs-oldest.newestMs < s.cfg.MinTTLSeconds*1000 {
			return AppendQuotaExceeded
		}
		if err := os.Remove(segmentPath(s.dir, oldest.firstSeq)); err != nil && !os.IsNotExist(err) {
			s.quarantine(err)
			return AppendFatal
		}
		s.segments = s.segments[1:]
		recordsEvictedTotal.Inc()
	}

	// Roll to a new segment when the active one has crossed its soft limit.
	var active *segment
	if n := len(s.segments); n > 0 && s.segments[n-1].bytes < s.softSeg {
		active = s.segments[n-1]
	} else {
		active = &segment{firstSeq: rec.Seq}
		s.segments = append(s.segments, active)
	}

	var f *os.File
	f, err = os.OpenFile(segmentPath(s.dir, active.firstSeq),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.quarantine(err)
		return AppendFatal
	}
	if _, err = f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		s.quarantine(err)
		return AppendFatal
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		s.quarantine(err)
		return AppendFatal
	}
	if err = f.Close(); err != nil {
		s.quarantine(err)
		return AppendFatal
	}

	active.lastSeq = rec.Seq
	active.newestMs = nowMs
	active.records++
	active.bytes += need
	s.nextSeq++

	recordsAppendedTotal.Inc()
	streamBytes.WithLabelValues(s.campaign, s.cfg.StorageLocation).Set(float64(s.totalBytes()))
	return AppendSuccess
}

func (s *stream) quarantine(err error) {
	s.quarantined = true
	s.lastErr = err
	streamQuarantinedTotal.Inc()
}

// readNext returns the oldest unacknowledged record, together with a
// checkpoint closure advancing the read pointer past it. The closure is
// durable: the checkpoint survives restart.
func (s *stream) readNext() (*Record, func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quarantined {
		return nil, nil, errQuarantined
	}

	var want = s.readSeq + 1
	for _, seg := range s.segments {
		if seg.lastSeq < want {
			continue
		}
		var rec, err = s.scanForRecord(seg, want)
		if err != nil {
			return nil, nil, err
		}
		if rec == nil {
			continue
		}
		var seq = rec.Seq
		var checkpoint = func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if seq <= s.readSeq {
				return nil
			}
			if err := s.kv.putUint(kvKeyReadSeq, seq); err != nil {
				return err
			}
			s.readSeq = seq
			return nil
		}
		return rec, checkpoint, nil
	}
	return nil, nil, nil
}

// scanForRecord returns the first record of |seg| with Seq >= want.
func (s *stream) scanForRecord(seg *segment, want uint64) (*Record, error) {
	var f, err = os.Open(segmentPath(s.dir, seg.firstSeq))
	if err != nil {
		return nil, fmt.Errorf("opening segment: %w", err)
	}
	defer f.Close()

	var scanner = bufio.NewScanner(f)
	scanner.Buffer(nil, maxRecordBytes)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			break
		}
		if rec.Seq >= want {
			return &rec, nil
		}
	}
	return nil, scanner.Err()
}

func (s *stream) removeAllSegments() error {
	var entries, err = os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scanning stream dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".log") {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
				return fmt.Errorf("removing segment: %w", err)
			}
		}
	}
	s.segments = nil
	return nil
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.kv.close()
}

var errQuarantined = fmt.Errorf("stream partition quarantined after fatal io error")
