package inspect

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/rawbuf"
	"github.com/fleetlab/vantage/schema"
)

const speedSignal = schema.SignalID(1)

type fixedDTCs struct {
	info  *schema.DTCInfo
	calls int
}

func (f *fixedDTCs) ActiveDTCs() *schema.DTCInfo {
	f.calls++
	return f.info
}

// buildMatrix compiles |conditionJSON| into a one-condition matrix over the
// speed signal.
func buildMatrix(t *testing.T, conditionJSON string, mutate func(*schema.ConditionWithMetadata)) *schema.InspectionMatrix {
	t.Helper()
	var arena = new(schema.ExprArena)
	var root, err = schema.CompileCondition(arena, json.RawMessage(conditionJSON))
	require.NoError(t, err)

	var meta = schema.ConditionWithMetadata{
		CampaignID:    "cs-test",
		CampaignName:  "cs-test",
		DecoderID:     "dm-test",
		Root:          root,
		SignalsNeeded: []schema.SignalID{speedSignal},
		Collected: []schema.CollectedSignalSpec{
			{SignalID: speedSignal, SampleBufferSize: 10},
		},
	}
	if mutate != nil {
		mutate(&meta)
	}
	return &schema.InspectionMatrix{
		Arena:      arena,
		Conditions: []schema.ConditionWithMetadata{meta},
		Signals: []schema.SignalBufferSpec{
			{SignalID: speedSignal, SampleBufferSize: 10, ValueType: schema.TypeNumber},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *rawbuf.Manager) {
	t.Helper()
	var logger = ops.NewCaptureLogger()
	var raw = rawbuf.NewManager(rawbuf.Config{MaxBytes: 1 << 20}, logger)
	var eng = NewEngine(
		Config{TickInterval: time.Millisecond},
		clock.NewManual(time.Unix(0, 0)),
		logger,
		raw,
		NewFuncRegistry(logger),
		nil,
	)
	return eng, raw
}

func ingest(e *Engine, id schema.SignalID, ts int64, v float64) {
	e.Ingest(schema.Sample{SignalID: id, TimestampMs: ts, Value: schema.Num(v)})
}

func TestRisingEdgeDebounce(t *testing.T) {
	var eng, _ = newTestEngine(t)
	var matrix = buildMatrix(t, `{"op":"gt","left":{"signal":1},"right":{"num":100}}`,
		func(m *schema.ConditionWithMetadata) { m.RisingEdgeOnly = true })
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending()

	for _, step := range []struct {
		t int64
		v float64
	}{{0, 50}, {10, 120}, {20, 130}, {30, 90}, {40, 110}} {
		ingest(eng, speedSignal, step.t, step.v)
		eng.Tick(step.t)
	}

	var emitted []int64
	for {
		var data, ok = eng.Output().Pop()
		if !ok {
			break
		}
		emitted = append(emitted, data.TriggerTimeMs)
	}
	require.Equal(t, []int64{10, 40}, emitted)
}

func TestMinPublishInterval(t *testing.T) {
	var eng, _ = newTestEngine(t)
	var matrix = buildMatrix(t, `{"bool":true}`,
		func(m *schema.ConditionWithMetadata) { m.MinPublishMs = 100 })
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending()

	for ts := int64(0); ts < 500; ts += 20 {
		ingest(eng, speedSignal, ts, float64(ts))
		eng.Tick(ts)
	}

	var emitted []int64
	for {
		var data, ok = eng.Output().Pop()
		if !ok {
			break
		}
		emitted = append(emitted, data.TriggerTimeMs)
	}
	require.Equal(t, []int64{0, 100, 200, 300, 400}, emitted)
}

func TestMinSampleIntervalThrottles(t *testing.T) {
	var eng, _ = newTestEngine(t)
	var matrix = buildMatrix(t, `{"op":"ge","left":{"signal":1},"right":{"num":0}}`, nil)
	matrix.Signals[0].MinSampleIntervalMs = 10
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending()

	ingest(eng, speedSignal, 0, 1)
	ingest(eng, speedSignal, 5, 2) // Throttled.
	ingest(eng, speedSignal, 10, 3)
	eng.Tick(10)

	var data, ok = eng.Output().Pop()
	require.True(t, ok)
	require.Len(t, data.Signals, 2)
	require.Equal(t, schema.Num(1), data.Signals[0].Value)
	require.Equal(t, schema.Num(3), data.Signals[1].Value)
}

func TestWindowFunctions(t *testing.T) {
	var eng, _ = newTestEngine(t)
	var matrix = buildMatrix(t,
		`{"op":"gt","left":{"window":{"signal":1,"fn":"prev_avg","ms":100}},"right":{"num":10}}`, nil)
	matrix.Signals[0].FixedWindowMs = 100
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending()

	// First window [0,100): avg 20. No previous window yet, so evaluation is
	// undefined and nothing emits.
	ingest(eng, speedSignal, 10, 10)
	ingest(eng, speedSignal, 50, 30)
	eng.Tick(50)
	var _, ok = eng.Output().Pop()
	require.False(t, ok)

	// A sample in [100,200) finalizes the first window; prev_avg = 20 > 10.
	ingest(eng, speedSignal, 110, 0)
	eng.Tick(110)
	var data, emitted = eng.Output().Pop()
	require.True(t, emitted)
	require.Equal(t, int64(110), data.TriggerTimeMs)
}

func TestWindowAggregateValues(t *testing.T) {
	var state = newSignalState(schema.SignalBufferSpec{
		SignalID: 1, SampleBufferSize: 16, FixedWindowMs: 100,
	})
	state.append(10, schema.Num(5), schema.InvalidRawHandle)
	state.append(20, schema.Num(1), schema.InvalidRawHandle)
	state.append(90, schema.Num(3), schema.InvalidRawHandle)

	// Still in the first window: all aggregates read undefined.
	require.True(t, state.window(schema.WindowAvg).IsUndefined())

	state.append(150, schema.Num(42), schema.InvalidRawHandle)
	require.Equal(t, schema.Num(3), state.window(schema.WindowLast))
	require.Equal(t, schema.Num(1), state.window(schema.WindowMin))
	require.Equal(t, schema.Num(5), state.window(schema.WindowMax))
	require.Equal(t, schema.Num(3), state.window(schema.WindowAvg))

	// A gap of more than one window invalidates prev_*.
	state.append(400, schema.Num(1), schema.InvalidRawHandle)
	require.True(t, state.window(schema.WindowLast).IsUndefined())
}

func TestUndefinedPropagation(t *testing.T) {
	var eng, _ = newTestEngine(t)
	// Condition references signal 2 which never receives samples: the
	// comparison is undefined, and "or" treats it as falsey.
	var arena = new(schema.ExprArena)
	var root, err = schema.CompileCondition(arena, json.RawMessage(
		`{"op":"or",
		  "left":{"op":"gt","left":{"signal":2},"right":{"num":0}},
		  "right":{"op":"gt","left":{"signal":1},"right":{"num":100}}}`))
	require.NoError(t, err)

	var matrix = &schema.InspectionMatrix{
		Arena: arena,
		Conditions: []schema.ConditionWithMetadata{{
			CampaignID:    "cs-undef",
			Root:          root,
			SignalsNeeded: []schema.SignalID{1, 2},
			Collected:     []schema.CollectedSignalSpec{{SignalID: 1, SampleBufferSize: 4}},
		}},
		Signals: []schema.SignalBufferSpec{
			{SignalID: 1, SampleBufferSize: 4},
			{SignalID: 2, SampleBufferSize: 4},
		},
	}
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending()

	ingest(eng, 1, 10, 50)
	eng.Tick(10)
	var _, ok = eng.Output().Pop()
	require.False(t, ok)

	ingest(eng, 1, 20, 150)
	eng.Tick(20)
	_, ok = eng.Output().Pop()
	require.True(t, ok)
}

func TestIsNullOperator(t *testing.T) {
	var eng, _ = newTestEngine(t)
	var matrix = buildMatrix(t, `{"op":"is_null","left":{"signal":1}}`, nil)
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending()

	// No sample for signal 1 yet; the swap leaves the condition candidate,
	// so this first Tick evaluates it without any sample.
	eng.Tick(5)
	var _, ok = eng.Output().Pop()
	// Initial candidacy after a swap evaluates once: is_null(undefined) is
	// true and the trigger carries no data, so nothing is enqueued.
	require.False(t, ok)

	ingest(eng, speedSignal, 10, 1)
	eng.Tick(10)
	_, ok = eng.Output().Pop()
	require.False(t, ok) // Signal now defined: is_null is false.
}

func TestAfterDurationDefersEvaluation(t *testing.T) {
	var eng, _ = newTestEngine(t)
	var matrix = buildMatrix(t, `{"bool":true}`,
		func(m *schema.ConditionWithMetadata) { m.AfterDurationMs = 50 })
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending() // enabledAt = 0.

	ingest(eng, speedSignal, 10, 1)
	eng.Tick(10)
	var _, ok = eng.Output().Pop()
	require.False(t, ok)

	eng.Tick(60)
	_, ok = eng.Output().Pop()
	require.True(t, ok)
}

func TestDTCSnapshotSharedPerTick(t *testing.T) {
	var logger = ops.NewCaptureLogger()
	var raw = rawbuf.NewManager(rawbuf.Config{MaxBytes: 1 << 20}, logger)
	var dtc = &fixedDTCs{info: &schema.DTCInfo{ReceiveTimeMs: 1, Codes: []string{"P0420"}}}
	var eng = NewEngine(Config{}, clock.NewManual(time.Unix(0, 0)), logger, raw,
		NewFuncRegistry(logger), dtc)

	// Two conditions over the same signal, both including DTCs.
	var arena = new(schema.ExprArena)
	var root, err = schema.CompileCondition(arena,
		json.RawMessage(`{"op":"gt","left":{"signal":1},"right":{"num":0}}`))
	require.NoError(t, err)

	var mkCond = func(id string) schema.ConditionWithMetadata {
		return schema.ConditionWithMetadata{
			CampaignID:        id,
			Root:              root,
			SignalsNeeded:     []schema.SignalID{1},
			Collected:         []schema.CollectedSignalSpec{{SignalID: 1, SampleBufferSize: 4}},
			IncludeActiveDTCs: true,
		}
	}
	eng.UpdateMatrices(&schema.InspectionMatrix{
		Arena:      arena,
		Conditions: []schema.ConditionWithMetadata{mkCond("cs-a"), mkCond("cs-b")},
		Signals:    []schema.SignalBufferSpec{{SignalID: 1, SampleBufferSize: 4}},
	}, nil)
	eng.ApplyPending()

	ingest(eng, 1, 10, 5)
	eng.Tick(10)

	var first, okA = eng.Output().Pop()
	require.True(t, okA)
	var second, okB = eng.Output().Pop()
	require.True(t, okB)

	require.Equal(t, 1, dtc.calls)
	require.Same(t, first.DTCs, second.DTCs)
}

func TestOutputQueuePriorityAndBackpressure(t *testing.T) {
	var q = NewOutputQueue(3)
	var mk = func(priority uint32, id string) *schema.TriggeredData {
		return &schema.TriggeredData{
			Metadata: schema.TriggerMetadata{Priority: priority, CampaignID: id},
			Signals:  []schema.CollectedSignal{{SignalID: 1}},
		}
	}

	require.True(t, q.Push(mk(1, "low")))
	require.True(t, q.Push(mk(5, "hi-1")))
	require.True(t, q.Push(mk(5, "hi-2")))

	// Queue full: a higher-priority push evicts the lowest.
	require.True(t, q.Push(mk(3, "mid")))
	require.Equal(t, uint64(1), q.Dropped())

	// Queue full again: a push at or below the lowest queued priority is
	// itself the victim.
	require.False(t, q.Push(mk(2, "too-low")))
	require.Equal(t, uint64(2), q.Dropped())

	var order []string
	for {
		var data, ok = q.Pop()
		if !ok {
			break
		}
		order = append(order, data.Metadata.CampaignID)
	}
	// Priority descending; FIFO within equal priority.
	require.Equal(t, []string{"hi-1", "hi-2", "mid"}, order)
}

func TestMatrixSwapPreservesCompatibleState(t *testing.T) {
	var eng, _ = newTestEngine(t)
	var matrix = buildMatrix(t, `{"op":"gt","left":{"signal":1},"right":{"num":100}}`, nil)
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending()

	ingest(eng, speedSignal, 10, 50)
	ingest(eng, speedSignal, 20, 60)

	// Same buffer size and window: history survives the swap.
	eng.UpdateMatrices(buildMatrix(t, `{"op":"gt","left":{"signal":1},"right":{"num":0}}`, nil), nil)
	eng.ApplyPending()

	ingest(eng, speedSignal, 30, 70)
	eng.Tick(30)
	var data, ok = eng.Output().Pop()
	require.True(t, ok)
	require.Len(t, data.Signals, 3)

	// Changed buffer size: history is discarded.
	var resized = buildMatrix(t, `{"op":"gt","left":{"signal":1},"right":{"num":0}}`, nil)
	resized.Signals[0].SampleBufferSize = 4
	resized.Conditions[0].Collected[0].SampleBufferSize = 4
	eng.UpdateMatrices(resized, nil)
	eng.ApplyPending()

	ingest(eng, speedSignal, 40, 80)
	eng.Tick(40)
	data, ok = eng.Output().Pop()
	require.True(t, ok)
	require.Len(t, data.Signals, 1)
}

func TestRingBufferCapacityInvariant(t *testing.T) {
	var eng, _ = newTestEngine(t)
	var matrix = buildMatrix(t, `{"bool":true}`, nil)
	matrix.Signals[0].SampleBufferSize = 3
	matrix.Conditions[0].Collected[0].SampleBufferSize = 3
	eng.UpdateMatrices(matrix, nil)
	eng.ApplyPending()

	for ts := int64(0); ts < 10; ts++ {
		ingest(eng, speedSignal, ts, float64(ts))
	}
	eng.Tick(10)

	var data, ok = eng.Output().Pop()
	require.True(t, ok)
	require.Len(t, data.Signals, 3)
	// Oldest samples were overwritten.
	require.Equal(t, int64(7), data.Signals[0].TimestampMs)
	require.Equal(t, int64(9), data.Signals[2].TimestampMs)
}

func TestMultiRisingEdgeTrigger(t *testing.T) {
	var logger = ops.NewCaptureLogger()
	var raw = rawbuf.NewManager(rawbuf.Config{MaxBytes: 1 << 20}, logger)
	var namedSignal = schema.SignalID(0x40000010)
	raw.Reconfigure([]schema.RawBufferSignalConfig{{SignalID: namedSignal}})

	var registry = NewFuncRegistry(logger)
	registry.Register(MultiRisingEdgeFuncName, NewMultiRisingEdgeTrigger(
		logger, raw,
		func(key string) schema.SignalID {
			if key == MultiRisingEdgeTriggerKey {
				return namedSignal
			}
			return schema.InvalidSignalID
		}))

	var eng = NewEngine(Config{}, clock.NewManual(time.Unix(0, 0)), logger, raw, registry, nil)

	var arena = new(schema.ExprArena)
	var root, err = schema.CompileCondition(arena, json.RawMessage(fmt.Sprintf(`
		{"call": {"name": %q, "args": [
			{"str": "overspeed"}, {"op":"gt","left":{"signal":1},"right":{"num":100}},
			{"str": "braking"}, {"op":"lt","left":{"signal":1},"right":{"num":0}}
		]}}`, MultiRisingEdgeFuncName)))
	require.NoError(t, err)

	eng.UpdateMatrices(&schema.InspectionMatrix{
		Arena: arena,
		Conditions: []schema.ConditionWithMetadata{{
			CampaignID:    "cs-mret",
			Root:          root,
			SignalsNeeded: []schema.SignalID{1},
			Collected: []schema.CollectedSignalSpec{
				{SignalID: 1, SampleBufferSize: 4},
				{SignalID: namedSignal, SampleBufferSize: 1},
			},
		}},
		Signals: []schema.SignalBufferSpec{
			{SignalID: 1, SampleBufferSize: 4},
			{SignalID: namedSignal, SampleBufferSize: 1, ValueType: schema.TypeString},
		},
	}, nil)
	eng.ApplyPending()

	// First evaluation latches initial state without firing.
	ingest(eng, 1, 10, 50)
	eng.Tick(10)
	var _, ok = eng.Output().Pop()
	require.False(t, ok)

	// Rising edge of "overspeed".
	ingest(eng, 1, 20, 150)
	eng.Tick(20)
	var data, fired = eng.Output().Pop()
	require.True(t, fired)

	var found bool
	for _, cs := range data.Signals {
		if cs.SignalID == namedSignal {
			found = true
			require.Equal(t, schema.TypeString, cs.Type)
			require.JSONEq(t, `["overspeed"]`, string(raw.Borrow(cs.Handle)))
		}
	}
	require.True(t, found, "named trigger signal not collected")
}
