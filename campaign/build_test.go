package campaign

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
)

func mustSchemes(t *testing.T, docs ...string) []*schema.CollectionScheme {
	t.Helper()
	var list, err = schema.BuildCollectionSchemeList(listDoc(docs...), 0)
	require.NoError(t, err)
	return list.Schemes()
}

func mustManifest(t *testing.T, doc string) *schema.DecoderManifest {
	t.Helper()
	var m, err = schema.BuildDecoderManifest([]byte(doc))
	require.NoError(t, err)
	return m
}

func TestBufferSizeTieBreaks(t *testing.T) {
	var manifest = mustManifest(t, manifestDoc)
	var a = `{
		"sync_id": "cs-a", "decoder_manifest_id": "dm-1",
		"start_time": 1, "expiry_time": 2,
		"signals": [{"signal_id": 1, "sample_buffer_size": 10, "min_sample_interval_ms": 50}],
		"condition": {"bool": true}
	}`
	var b = `{
		"sync_id": "cs-b", "decoder_manifest_id": "dm-1",
		"start_time": 1, "expiry_time": 2,
		"signals": [{"signal_id": 1, "sample_buffer_size": 25, "min_sample_interval_ms": 20}],
		"condition": {"bool": true}
	}`

	var artifacts = buildArtifacts(mustSchemes(t, a, b), manifest, ops.NewCaptureLogger())

	var spec, ok = artifacts.Inspection.SignalSpec(1)
	require.True(t, ok)
	// Buffer size takes the max, sample interval the min.
	require.Equal(t, 25, spec.SampleBufferSize)
	require.Equal(t, int64(20), spec.MinSampleIntervalMs)
}

func TestConflictingWindowsExcludeScheme(t *testing.T) {
	var manifest = mustManifest(t, manifestDoc)
	var a = `{
		"sync_id": "cs-a", "decoder_manifest_id": "dm-1",
		"start_time": 1, "expiry_time": 2,
		"signals": [{"signal_id": 1, "sample_buffer_size": 4, "fixed_window_ms": 1000}],
		"condition": {"bool": true}
	}`
	var b = `{
		"sync_id": "cs-b", "decoder_manifest_id": "dm-1",
		"start_time": 1, "expiry_time": 2,
		"signals": [{"signal_id": 1, "sample_buffer_size": 4, "fixed_window_ms": 2000}],
		"condition": {"bool": true}
	}`
	var logger = ops.NewCaptureLogger()

	var artifacts = buildArtifacts(mustSchemes(t, a, b), manifest, logger)

	require.Len(t, artifacts.Enabled, 1)
	require.Equal(t, "cs-a", artifacts.Enabled[0].SyncID())
	require.Len(t, logger.Match("scheme excluded from inspection matrix"), 1)
}

func TestSignalsAbsentFromManifestDroppedWithWarning(t *testing.T) {
	var manifest = mustManifest(t, manifestDoc)
	var doc = `{
		"sync_id": "cs-a", "decoder_manifest_id": "dm-1",
		"start_time": 1, "expiry_time": 2,
		"signals": [
			{"signal_id": 1, "sample_buffer_size": 4},
			{"signal_id": 99, "sample_buffer_size": 4},
			{"signal_id": 100, "sample_buffer_size": 4}
		],
		"condition": {"bool": true}
	}`
	var logger = ops.NewCaptureLogger()

	var artifacts = buildArtifacts(mustSchemes(t, doc), manifest, logger)

	var warnings = logger.Match("signals absent from decoder manifest dropped from collection")
	require.Len(t, warnings, 1)
	require.ElementsMatch(t, []schema.SignalID{99, 100}, warnings[0].Fields["signals"])

	require.Len(t, artifacts.Inspection.Conditions, 1)
	require.Len(t, artifacts.Inspection.Conditions[0].Collected, 1)
	var _, hasDropped = artifacts.Inspection.SignalSpec(99)
	require.False(t, hasDropped)
}

func TestFetchMatrixCompilation(t *testing.T) {
	var manifest = mustManifest(t, manifestDoc)
	var doc = `{
		"sync_id": "cs-f", "decoder_manifest_id": "dm-1",
		"start_time": 1, "expiry_time": 2,
		"signals": [{"signal_id": 1, "sample_buffer_size": 4}],
		"condition": {"bool": true},
		"fetch_plan": [
			{"request_id": 1, "signal_id": 2, "period_ms": 100, "max_executions": 5,
			 "actions": [{"func": "poll_pid", "args": [{"num": 12}, {"str": "mode1"}]}]},
			{"request_id": 2, "signal_id": 3, "trigger_only_on_rising_edge": true,
			 "condition": {"op": "gt", "left": {"signal": 1}, "right": {"num": 0}},
			 "actions": [{"func": "poll_pid"}]}
		]
	}`

	var artifacts = buildArtifacts(mustSchemes(t, doc), manifest, ops.NewCaptureLogger())
	var fm = artifacts.Fetch
	require.Len(t, fm.Requests, 2)

	require.True(t, fm.Requests[0].Periodic)
	require.Equal(t, int64(100), fm.Requests[0].Schedule.PeriodMs)
	require.Equal(t, int64(5), fm.Requests[0].Schedule.MaxExecutions)
	require.Equal(t, []schema.Value{schema.Num(12), schema.Str("mode1")},
		fm.Requests[0].Actions[0].Args)

	require.False(t, fm.Requests[1].Periodic)
	require.True(t, fm.Requests[1].RisingEdgeOnly)

	// Fetched signals are part of the dictionary projection.
	require.True(t, artifacts.Dictionary.HasSignal(2))
	require.True(t, artifacts.Dictionary.HasSignal(3))
}

func TestRawBufferConfigsForStringSignals(t *testing.T) {
	var manifest = mustManifest(t, manifestDoc)
	var doc = `{
		"sync_id": "cs-s", "decoder_manifest_id": "dm-1",
		"start_time": 1, "expiry_time": 2,
		"signals": [
			{"signal_id": 1, "sample_buffer_size": 4},
			{"signal_id": 1073741825, "sample_buffer_size": 2, "max_bytes": 4096}
		],
		"condition": {"bool": true}
	}`

	var artifacts = buildArtifacts(mustSchemes(t, doc), manifest, ops.NewCaptureLogger())
	require.Len(t, artifacts.RawBuffer, 1)
	require.Equal(t, schema.RawBufferSignalConfig{
		SignalID:   schema.SignalID(0x40000001),
		MaxBytes:   4096,
		MaxSamples: 2,
	}, artifacts.RawBuffer[0])

	// The named signal is resolvable through the dictionary.
	require.Equal(t, schema.SignalID(0x40000001), artifacts.Dictionary.NamedSignals["Vehicle.Note"])
}

func TestConditionOnlySignalsNotCollected(t *testing.T) {
	var manifest = mustManifest(t, manifestDoc)
	var doc = `{
		"sync_id": "cs-c", "decoder_manifest_id": "dm-1",
		"start_time": 1, "expiry_time": 2,
		"signals": [
			{"signal_id": 1, "sample_buffer_size": 4},
			{"signal_id": 2, "sample_buffer_size": 1, "condition_only": true}
		],
		"condition": {"op": "gt", "left": {"signal": 2}, "right": {"num": 0}}
	}`

	var artifacts = buildArtifacts(mustSchemes(t, doc), manifest, ops.NewCaptureLogger())
	var cond = artifacts.Inspection.Conditions[0]

	for _, spec := range cond.Collected {
		if spec.SignalID == 2 {
			require.True(t, spec.ConditionOnly)
		}
	}
	require.Equal(t, []schema.SignalID{2}, cond.SignalsNeeded)

	// Condition-only signals still get ring buffers.
	var _, ok = artifacts.Inspection.SignalSpec(2)
	require.True(t, ok)
}

func TestQuietLogLevelPreserved(t *testing.T) {
	// buildArtifacts logs nothing for a clean build.
	var logger = ops.NewCaptureLogger()
	buildArtifacts(mustSchemes(t, schemeDoc("cs-a", "dm-1", 1, 2, "")),
		mustManifest(t, manifestDoc), logger)
	for _, ev := range logger.Events() {
		require.NotEqual(t, log.ErrorLevel, ev.Level)
		require.NotEqual(t, log.WarnLevel, ev.Level)
	}
}
