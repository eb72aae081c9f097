package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
	"github.com/fleetlab/vantage/sender"
	"github.com/fleetlab/vantage/transport"
)

const testManifest = `{
	"sync_id": "dm-1",
	"frames": {
		"can0": {"256": {"length": 8, "signals": [
			{"signal_id": 1, "start_bit": 0, "length": 16}
		]}}
	}
}`

func testSchemeList(clk clock.Clock, compress bool) []byte {
	var now = clock.EpochMs(clk.Now())
	return []byte(fmt.Sprintf(`{"schemes": [{
		"sync_id": "cs-1",
		"decoder_manifest_id": "dm-1",
		"start_time": %d,
		"expiry_time": %d,
		"priority": 2,
		"compress": %t,
		"signals": [{"signal_id": 1, "sample_buffer_size": 8}],
		"condition": {"op": "gt", "left": {"signal": 1}, "right": {"num": 100}}
	}]}`, now-1000, now+60_000, compress))
}

func newTestAgent(t *testing.T) (*Agent, *transport.Loopback, *clock.Manual) {
	t.Helper()
	var clk = clock.NewManual(time.UnixMilli(1_700_000_000_000))
	var lb = transport.NewLoopback(
		transport.NewTopicConfig("vin-test", transport.TopicConfigArgs{}), 1<<20)

	var a, err = New(Config{PersistencyPath: t.TempDir()}, Deps{
		Transport:  lb,
		Receiver:   lb,
		Serializer: sender.NewJSONSerializer(),
		Clock:      clk,
		Logger:     ops.NewCaptureLogger(),
	})
	require.NoError(t, err)
	return a, lb, clk
}

func TestAgentEndToEndTrigger(t *testing.T) {
	var a, lb, clk = newTestAgent(t)

	require.NoError(t, a.Campaigns().IngestDecoderManifest([]byte(testManifest)))
	require.NoError(t, a.Campaigns().IngestSchemeList(testSchemeList(clk, false)))
	a.Campaigns().Review(clk.Now())

	// The published dictionary covers the campaign's signal.
	var dict = a.Dictionary()
	require.NotNil(t, dict)
	require.True(t, dict.HasSignal(1))

	// Drive the engine synchronously: a sample over the trigger threshold.
	a.engine.ApplyPending()
	var nowMs = clock.EpochMs(clk.Now())
	a.engine.Ingest(schema.Sample{SignalID: 1, TimestampMs: nowMs, Value: schema.Num(150)})
	a.engine.Tick(nowMs)

	var data, ok = a.engine.Output().Pop()
	require.True(t, ok)
	require.Equal(t, "cs-1", data.Metadata.CampaignID)
	a.telemetry.Process(data)

	var sent = lb.Sent(lb.Topics().TelemetryData)
	require.Len(t, sent, 1)
	var doc, err = sender.DecodePayload(sent[0])
	require.NoError(t, err)
	require.Equal(t, "cs-1", doc.CampaignID)
	require.Equal(t, "dm-1", doc.DecoderID)
	require.Len(t, doc.Signals, 1)
	require.Equal(t, schema.SignalID(1), doc.Signals[0].SignalID)
}

func TestAgentDocumentsArriveViaTopics(t *testing.T) {
	var a, lb, clk = newTestAgent(t)

	// Simulate QueueTasks' receiver wiring without starting goroutines.
	require.NoError(t, lb.Subscribe(lb.Topics().CollectionSchemes, func(p []byte) {
		_ = a.Campaigns().IngestSchemeList(p)
	}))
	require.NoError(t, lb.Subscribe(lb.Topics().DecoderManifests, func(p []byte) {
		_ = a.Campaigns().IngestDecoderManifest(p)
	}))

	lb.Deliver(lb.Topics().DecoderManifests, []byte(testManifest))
	lb.Deliver(lb.Topics().CollectionSchemes, testSchemeList(clk, false))
	a.Campaigns().Review(clk.Now())

	require.NotNil(t, a.Dictionary())
}

func TestAgentRestoresStateAcrossRestart(t *testing.T) {
	var dir = t.TempDir()
	var clk = clock.NewManual(time.UnixMilli(1_700_000_000_000))
	var lb = transport.NewLoopback(
		transport.NewTopicConfig("vin-test", transport.TopicConfigArgs{}), 1<<20)

	var deps = Deps{Transport: lb, Clock: clk, Logger: ops.NewCaptureLogger()}

	var a, err = New(Config{PersistencyPath: dir}, deps)
	require.NoError(t, err)
	require.NoError(t, a.Campaigns().IngestDecoderManifest([]byte(testManifest)))
	require.NoError(t, a.Campaigns().IngestSchemeList(testSchemeList(clk, false)))

	// A fresh agent over the same directory restores both documents.
	var b, errB = New(Config{PersistencyPath: dir}, deps)
	require.NoError(t, errB)
	b.Campaigns().Review(clk.Now())
	require.NotNil(t, b.Dictionary())
	require.True(t, b.Dictionary().HasSignal(1))
}
