package sender

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/persist"
	"github.com/fleetlab/vantage/rawbuf"
	"github.com/fleetlab/vantage/schema"
	"github.com/fleetlab/vantage/streams"
	"github.com/fleetlab/vantage/transport"
)

// UploadRecursionLimit bounds how often an oversize in-flight payload is
// halved and re-serialized before it is dropped.
const UploadRecursionLimit = 2

// PayloadAdaptionConfig self-tunes chunk sizes toward a band of the
// transport's maximum payload, without scanning. Percent values are of
// MaxSendSize.
type PayloadAdaptionConfig struct {
	TransmitThresholdStartPercent int
	PayloadSizeLimitMinPercent    int
	PayloadSizeLimitMaxPercent    int
	TransmitThresholdAdaptPercent int

	// transmitSizeThreshold is the current flush threshold in bytes,
	// derived from the start percent and adapted after every flush.
	transmitSizeThreshold int
}

// DefaultUncompressedConfig mirrors the defaults of the upload path for
// uncompressed payloads.
func DefaultUncompressedConfig() PayloadAdaptionConfig {
	return PayloadAdaptionConfig{
		TransmitThresholdStartPercent: 80,
		PayloadSizeLimitMinPercent:    70,
		PayloadSizeLimitMaxPercent:    90,
		TransmitThresholdAdaptPercent: 10,
	}
}

// DefaultCompressedConfig mirrors the defaults for compressed payloads,
// which start higher because compression shrinks the serialized bytes.
func DefaultCompressedConfig() PayloadAdaptionConfig {
	return PayloadAdaptionConfig{
		TransmitThresholdStartPercent: 250,
		PayloadSizeLimitMinPercent:    70,
		PayloadSizeLimitMaxPercent:    90,
		TransmitThresholdAdaptPercent: 10,
	}
}

// chunk is one upload-ready payload produced from a trigger.
type chunk struct {
	payload    []byte
	compressed bool
	partition  schema.PartitionID
	partNumber int
}

// TelemetrySender turns triggered data into published (or durably stored)
// payload chunks. Process and SendPersisted are safe for concurrent use, but
// Process is expected to be called from the single trigger consumer.
type TelemetrySender struct {
	logger     ops.Logger
	sender     transport.Sender
	serializer Serializer
	spool      *persist.Spool
	raw        *rawbuf.Manager
	streamMgr  *streams.Manager

	mu           sync.Mutex
	uncompressed PayloadAdaptionConfig
	compressed   PayloadAdaptionConfig
}

// NewTelemetrySender wires the sender. |spool|, |raw| and |streamMgr| may be
// nil when the host does not use persistence, raw values, or streams.
func NewTelemetrySender(
	logger ops.Logger,
	tsender transport.Sender,
	serializer Serializer,
	uncompressed, compressed PayloadAdaptionConfig,
	spool *persist.Spool,
	raw *rawbuf.Manager,
	streamMgr *streams.Manager,
) *TelemetrySender {
	var maxSend = tsender.MaxSendSize()
	uncompressed.transmitSizeThreshold = maxSend * uncompressed.TransmitThresholdStartPercent / 100
	compressed.transmitSizeThreshold = maxSend * compressed.TransmitThresholdStartPercent / 100

	return &TelemetrySender{
		logger:       logger,
		sender:       tsender,
		serializer:   serializer,
		spool:        spool,
		raw:          raw,
		streamMgr:    streamMgr,
		uncompressed: uncompressed,
		compressed:   compressed,
	}
}

// TransmitThreshold returns the current flush threshold of the selected
// config, for tests and diagnostics.
func (t *TelemetrySender) TransmitThreshold(compressed bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if compressed {
		return t.compressed.transmitSizeThreshold
	}
	return t.uncompressed.transmitSizeThreshold
}

// Process serializes one trigger and either publishes its chunks or, for a
// campaign storing to stream partitions, appends them per partition. Raw
// buffer references held by the trigger are released when Process returns.
func (t *TelemetrySender) Process(data *schema.TriggeredData) {
	defer t.releaseTriggerRefs(data)

	if data.Empty() {
		return
	}

	if data.HasPartitions && t.streamMgr != nil && t.streamMgr.HasCampaign(data.Metadata.CampaignName) {
		// Each partition gets its own chunk stream, carrying only the
		// signals routed to it. DTCs and raw frames go to the default
		// partition.
		for _, part := range t.streamMgr.PartitionsOf(data.Metadata.CampaignName) {
			var chunks = t.buildChunks(data, part, func(id schema.SignalID) bool {
				return data.PartitionOf[id] == part
			})
			for _, c := range chunks {
				var res = t.streamMgr.Append(
					data.Metadata.CampaignName, c.partition, c.payload, data.TriggerTimeMs, c.compressed)
				if res != streams.AppendSuccess {
					chunksDroppedTotal.WithLabelValues("stream_" + res.String()).Inc()
				}
			}
		}
		return
	}

	var chunks = t.buildChunks(data, schema.DefaultPartition, func(schema.SignalID) bool { return true })
	for _, c := range chunks {
		t.publish(c, data)
	}
}

// buildChunks runs the serialize→compress→size-adapt→chunk pipeline for the
// signals selected by |include|.
func (t *TelemetrySender) buildChunks(
	data *schema.TriggeredData,
	part schema.PartitionID,
	include func(schema.SignalID) bool,
) []chunk {
	var b = &chunkBuilder{
		sender:     t,
		data:       data,
		partition:  part,
		compressed: data.Metadata.Compress,
	}
	t.serializer.Setup(data.EventID, data.TriggerTimeMs, data.Metadata)

	for _, cs := range data.Signals {
		if !include(cs.SignalID) {
			continue
		}
		if cs.SignalID.Kind() == schema.KindInternal {
			continue
		}
		var raw []byte
		if cs.Handle != schema.InvalidRawHandle && t.raw != nil {
			raw = t.raw.Borrow(cs.Handle)
			if raw == nil {
				continue
			}
		}
		t.serializer.AppendSignal(cs, raw)
		b.flushIfDue()
	}

	if part == schema.DefaultPartition {
		if data.DTCs.HasItems() {
			t.serializer.AppendDTCs(data.DTCs)
			b.flushIfDue()
		}
		for _, cs := range data.ComplexFrames {
			var raw []byte
			if t.raw != nil {
				raw = t.raw.Borrow(cs.Handle)
			}
			if raw == nil {
				continue
			}
			t.serializer.AppendRawFrame(cs, raw)
			b.flushIfDue()
		}
	}

	if t.serializer.MessageCount() > 0 {
		b.serializeData(0)
	}
	return b.chunks
}

// chunkBuilder accumulates the chunks of one (trigger, partition) pass.
type chunkBuilder struct {
	sender     *TelemetrySender
	data       *schema.TriggeredData
	partition  schema.PartitionID
	compressed bool
	partNumber int
	chunks     []chunk
}

func (b *chunkBuilder) config() *PayloadAdaptionConfig {
	if b.compressed {
		return &b.sender.compressed
	}
	return &b.sender.uncompressed
}

func (b *chunkBuilder) flushIfDue() {
	b.sender.mu.Lock()
	var threshold = b.config().transmitSizeThreshold
	b.sender.mu.Unlock()

	if b.sender.serializer.EstimatedSize() >= threshold {
		b.serializeData(0)
	}
}

// serializeData serializes the in-flight messages into one chunk, adapting
// the transmit threshold and recursively halving an oversize payload, after
// compression, up to UploadRecursionLimit.
func (b *chunkBuilder) serializeData(recursionLevel int) {
	var s = b.sender
	if recursionLevel > 0 && s.serializer.MessageCount() == 0 {
		// An odd split can leave one half empty.
		return
	}
	var out, err = s.serializer.Serialize()
	if err != nil {
		s.logger.Log(log.ErrorLevel, log.Fields{
			"campaign": b.data.Metadata.CampaignID,
			"error":    err.Error(),
		}, "payload dropped due to serialization failure")
		chunksDroppedTotal.WithLabelValues("serialize").Inc()
		return
	}

	if b.compressed {
		out = snappy.Encode(nil, out)
	}

	var maxSend = s.sender.MaxSendSize()

	s.mu.Lock()
	var cfg = b.config()
	var limitMax = maxSend * cfg.PayloadSizeLimitMaxPercent / 100
	if len(out) > limitMax {
		cfg.transmitSizeThreshold =
			cfg.transmitSizeThreshold * (100 - cfg.TransmitThresholdAdaptPercent) / 100
	}
	s.mu.Unlock()

	if len(out) > maxSend {
		if recursionLevel >= UploadRecursionLimit {
			s.logger.Log(log.ErrorLevel, log.Fields{
				"campaign": b.data.Metadata.CampaignID,
				"bytes":    len(out),
				"max":      maxSend,
			}, "payload dropped as it could not be split below the maximum payload size")
			chunksDroppedTotal.WithLabelValues("oversize").Inc()
			return
		}
		// Halve: serialize the first half, then the detached second half.
		var half = s.serializer.Split()
		b.serializeData(recursionLevel + 1)
		s.serializer.Restore(half)
		b.serializeData(recursionLevel + 1)
		return
	}

	b.chunks = append(b.chunks, chunk{
		payload:    out,
		compressed: b.compressed,
		partition:  b.partition,
		partNumber: b.partNumber,
	})
	b.partNumber++

	s.mu.Lock()
	var limitMin = maxSend * cfg.PayloadSizeLimitMinPercent / 100
	if recursionLevel == 0 && len(out) > 0 && len(out) < limitMin {
		cfg.transmitSizeThreshold =
			cfg.transmitSizeThreshold * (100 + cfg.TransmitThresholdAdaptPercent) / 100
	}
	s.mu.Unlock()

	// Start the next chunk from a clean document.
	s.serializer.Setup(b.data.EventID, b.data.TriggerTimeMs, b.data.Metadata)

	chunksBuiltTotal.Inc()
	chunkBytes.Observe(float64(len(out)))
}

// publish sends one chunk, spooling it when the send fails and the scheme
// asked for persistence.
func (t *TelemetrySender) publish(c chunk, data *schema.TriggeredData) {
	var topic = t.sender.Topics().TelemetryData
	t.sender.Send(topic, c.payload, func(result transport.Result) {
		if result == transport.Success {
			chunksPublishedTotal.Inc()
			return
		}
		chunksFailedTotal.WithLabelValues(result.String()).Inc()
		if !data.Metadata.Persist || t.spool == nil {
			return
		}
		var name = persist.SpoolName(data.EventID, data.TriggerTimeMs)
		if c.partNumber > 0 {
			name = fmt.Sprintf("%d-%d-%d.bin", data.EventID, data.TriggerTimeMs, c.partNumber)
		}
		if err := t.spool.StorePayload(name, c.payload, c.compressed); err != nil {
			t.logger.Log(log.ErrorLevel, log.Fields{
				"campaign": data.Metadata.CampaignID,
				"error":    err.Error(),
			}, "failed to persist unsent payload")
		}
	})
}

// SendPersisted implements streams.PersistedSender: it publishes one stored
// payload and blocks until the transport reports an outcome.
func (t *TelemetrySender) SendPersisted(payload []byte, compressed bool) error {
	var done = make(chan transport.Result, 1)
	t.sender.Send(t.sender.Topics().TelemetryData, payload, func(result transport.Result) {
		done <- result
	})
	if result := <-done; result != transport.Success {
		return fmt.Errorf("sending persisted payload: %s", result)
	}
	return nil
}

// releaseTriggerRefs drops the upload-stage raw buffer references the
// inspection engine took when capturing the trigger.
func (t *TelemetrySender) releaseTriggerRefs(data *schema.TriggeredData) {
	if t.raw == nil {
		return
	}
	for _, group := range [][]schema.CollectedSignal{data.Signals, data.ComplexFrames} {
		for _, cs := range group {
			if cs.Handle != schema.InvalidRawHandle {
				t.raw.DecreaseUsage(cs.Handle, rawbuf.StageSelectedForUpload)
			}
		}
	}
}
