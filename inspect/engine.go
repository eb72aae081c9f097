// Package inspect implements the collection inspection engine: per-signal
// ring buffers, the condition evaluator, and trigger emission. The engine is
// single-threaded over its input queue and owns all buffer state
// exclusively, so the hot path takes no locks.
package inspect

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/rawbuf"
	"github.com/fleetlab/vantage/schema"
)

// DTCProvider supplies the current active diagnostic trouble codes. One
// snapshot is taken per evaluation tick and shared by every trigger of that
// tick.
type DTCProvider interface {
	ActiveDTCs() *schema.DTCInfo
}

// Config tunes the engine's queues and cadence.
type Config struct {
	// InputQueueSize bounds the sample queue fed by vehicle adapters.
	InputQueueSize int
	// OutputQueueSize bounds the trigger queue.
	OutputQueueSize int
	// TickInterval is the idle evaluation cadence of the run loop.
	TickInterval time.Duration
}

func (c *Config) withDefaults() Config {
	var out = *c
	if out.InputQueueSize <= 0 {
		out.InputQueueSize = 4096
	}
	if out.OutputQueueSize <= 0 {
		out.OutputQueueSize = 256
	}
	if out.TickInterval <= 0 {
		out.TickInterval = 100 * time.Millisecond
	}
	return out
}

// conditionState tracks the trigger bookkeeping of one compiled condition.
type conditionState struct {
	meta  schema.ConditionWithMetadata
	arena *schema.ExprArena

	invocationID  uint64
	candidate     bool
	lastBool      bool
	hasTriggered  bool
	lastTriggerMs int64
	enabledAtMs   int64
}

// fetchState tracks one condition-driven fetch request.
type fetchState struct {
	req      schema.CompiledFetch
	arena    *schema.ExprArena
	lastBool bool
}

// Engine is the collection inspection engine.
type Engine struct {
	cfg      Config
	clk      clock.Clock
	logger   ops.Logger
	raw      *rawbuf.Manager
	registry *FuncRegistry
	dtc      DTCProvider

	input  chan schema.Sample
	output *OutputQueue

	// State below is owned by the engine goroutine.
	signals          map[schema.SignalID]*signalState
	conditions       []*conditionState
	bySignal         map[schema.SignalID][]*conditionState
	fetchConditions  []*fetchState
	nextInvocationID uint64
	nextEventID      uint32
	dirty            bool

	// onFetchTrigger fires when a condition-driven fetch request's condition
	// evaluates true; for a rising-edge-only request, only when it changes
	// from false to true.
	onFetchTrigger func(requestID uint32)

	// Pending matrix swaps, applied at the next loop boundary.
	mu          sync.Mutex
	pendingIM   *schema.InspectionMatrix
	pendingFM   *schema.FetchMatrix
	havePending bool
	wake        *clock.Signal
}

// NewEngine returns a stopped Engine. Samples may be pushed immediately;
// they are consumed once Run is scheduled.
func NewEngine(
	cfg Config,
	clk clock.Clock,
	logger ops.Logger,
	raw *rawbuf.Manager,
	registry *FuncRegistry,
	dtc DTCProvider,
) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
		raw:         raw,
		registry:    registry,
		dtc:         dtc,
		input:       make(chan schema.Sample, cfg.InputQueueSize),
		output:      NewOutputQueue(cfg.OutputQueueSize),
		signals:     make(map[schema.SignalID]*signalState),
		bySignal:    make(map[schema.SignalID][]*conditionState),
		nextEventID: 1,
		wake:        clock.NewSignal(),
	}
}

// Output returns the engine's trigger queue.
func (e *Engine) Output() *OutputQueue { return e.output }

// SetFetchTrigger installs the callback driving condition-based fetches.
// It must be called before Run.
func (e *Engine) SetFetchTrigger(fn func(requestID uint32)) { e.onFetchTrigger = fn }

// PushSample enqueues a sample from a vehicle adapter. It never blocks: when
// the input queue is full the sample is dropped and counted. Buffer-backed
// samples arrive carrying one StageInHistory reference, which the engine
// releases when the sample leaves (or never enters) its ring buffer.
func (e *Engine) PushSample(s schema.Sample) bool {
	select {
	case e.input <- s:
		e.wake.Notify()
		return true
	default:
		samplesDroppedTotal.Inc()
		if s.Handle != schema.InvalidRawHandle {
			e.raw.DecreaseUsage(s.Handle, rawbuf.StageInHistory)
		}
		return false
	}
}

// UpdateMatrices stages new inspection and fetch matrices, applied at the
// start of the next engine loop iteration.
func (e *Engine) UpdateMatrices(im *schema.InspectionMatrix, fm *schema.FetchMatrix) {
	e.mu.Lock()
	e.pendingIM = im
	e.pendingFM = fm
	e.havePending = true
	e.mu.Unlock()
	e.wake.Notify()
}

// Run consumes the input queue until |ctx| is cancelled. Expression
// evaluation and trigger emission happen on this goroutine.
func (e *Engine) Run(ctx context.Context) error {
	for {
		e.ApplyPending()

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		e.wake.Wait(e.cfg.TickInterval)

		// Drain a batch of samples, then evaluate candidates once.
		var drained = 0
	drain:
		for drained < e.cfg.InputQueueSize {
			select {
			case s := <-e.input:
				e.Ingest(s)
				drained++
			default:
				break drain
			}
		}
		e.Tick(clock.EpochMs(e.clk.Now()))
	}
}

// ApplyPending applies a staged matrix swap, rebuilding ring-buffer layout.
// In-flight aggregates of signals whose buffer size and window are unchanged
// are preserved; others are discarded.
func (e *Engine) ApplyPending() {
	e.mu.Lock()
	if !e.havePending {
		e.mu.Unlock()
		return
	}
	var im, fm = e.pendingIM, e.pendingFM
	e.pendingIM, e.pendingFM, e.havePending = nil, nil, false
	e.mu.Unlock()

	// Release history references of any buffer-backed samples we drop.
	var nextSignals = make(map[schema.SignalID]*signalState)
	if im != nil {
		for _, spec := range im.Signals {
			if prev, ok := e.signals[spec.SignalID]; ok && prev.compatible(spec) {
				prev.spec = spec
				nextSignals[spec.SignalID] = prev
				delete(e.signals, spec.SignalID)
			} else {
				nextSignals[spec.SignalID] = newSignalState(spec)
			}
		}
	}
	for _, dropped := range e.signals {
		for _, s := range dropped.snapshot(0) {
			if s.handle != schema.InvalidRawHandle {
				e.raw.DecreaseUsage(s.handle, rawbuf.StageInHistory)
			}
		}
	}
	e.signals = nextSignals

	for _, cond := range e.conditions {
		e.registry.cleanup(cond.invocationID)
	}
	e.conditions = nil
	e.bySignal = make(map[schema.SignalID][]*conditionState)
	e.fetchConditions = nil

	var nowMs = clock.EpochMs(e.clk.Now())
	if im != nil {
		for _, meta := range im.Conditions {
			var cond = &conditionState{
				meta:         meta,
				arena:        im.Arena,
				invocationID: e.nextInvocationID,
				candidate:    true,
				enabledAtMs:  nowMs,
			}
			e.nextInvocationID++
			e.conditions = append(e.conditions, cond)
			for _, sig := range meta.SignalsNeeded {
				e.bySignal[sig] = append(e.bySignal[sig], cond)
			}
		}
	}
	if fm != nil {
		for _, req := range fm.Requests {
			if req.Periodic {
				continue
			}
			e.fetchConditions = append(e.fetchConditions, &fetchState{
				req:   req,
				arena: fm.Arena,
			})
		}
	}
	e.dirty = true

	activeConditions.Set(float64(len(e.conditions)))
}

// Ingest processes one sample on the engine goroutine. Exposed for the run
// loop and for tests which drive the engine synchronously.
func (e *Engine) Ingest(s schema.Sample) {
	var state, ok = e.signals[s.SignalID]
	if !ok {
		// The matrix does not require this signal; adapters racing a swap
		// may still deliver a few.
		if s.Handle != schema.InvalidRawHandle {
			e.raw.DecreaseUsage(s.Handle, rawbuf.StageInHistory)
		}
		return
	}
	if !state.accepts(s.TimestampMs) {
		samplesThrottledTotal.Inc()
		if s.Handle != schema.InvalidRawHandle {
			e.raw.DecreaseUsage(s.Handle, rawbuf.StageInHistory)
		}
		return
	}

	var evicted = state.append(s.TimestampMs, s.Value, s.Handle)
	if evicted != schema.InvalidRawHandle {
		e.raw.DecreaseUsage(evicted, rawbuf.StageInHistory)
	}
	samplesIngestedTotal.Inc()

	for _, cond := range e.bySignal[s.SignalID] {
		cond.candidate = true
	}
	e.dirty = true
}

// latestValue reads the most recent value of |id|, materializing
// buffer-backed values as strings.
func (e *Engine) latestValue(id schema.SignalID) schema.Value {
	var state, ok = e.signals[id]
	if !ok {
		return schema.UndefinedValue
	}
	var s, have = state.latest()
	if !have {
		return schema.UndefinedValue
	}
	if s.handle != schema.InvalidRawHandle {
		if data := e.raw.Borrow(s.handle); data != nil {
			return schema.Str(string(data))
		}
		return schema.UndefinedValue
	}
	return s.value
}

// Tick evaluates all candidate conditions at |nowMs| and emits triggers.
func (e *Engine) Tick(nowMs int64) {
	if !e.dirty {
		return
	}
	e.dirty = false

	// One DTC snapshot per tick, shared by reference across triggers.
	var dtcs *schema.DTCInfo

	for _, cond := range e.conditions {
		if !cond.candidate {
			continue
		}
		if cond.meta.AfterDurationMs > 0 {
			var since = cond.enabledAtMs
			if cond.hasTriggered {
				since = cond.lastTriggerMs
			}
			if nowMs < since+cond.meta.AfterDurationMs {
				// Not yet eligible; stays candidate for a later tick.
				continue
			}
		}
		cond.candidate = false

		var ctx = evalContext{engine: e, invocationID: cond.invocationID}
		var result = ctx.evaluate(cond.arena, cond.meta.Root)
		var b, _ = result.AsBool()

		var emit = b
		if emit && cond.meta.RisingEdgeOnly && cond.lastBool {
			emit = false
		}
		if emit && cond.hasTriggered &&
			nowMs < cond.lastTriggerMs+cond.meta.MinPublishMs {
			emit = false
		}
		cond.lastBool = b

		if !emit {
			e.registry.conditionEnd(nil, nowMs, nil)
			continue
		}

		if cond.meta.IncludeActiveDTCs && dtcs == nil && e.dtc != nil {
			dtcs = e.dtc.ActiveDTCs()
		}
		e.emit(cond, nowMs, dtcs)
		cond.hasTriggered = true
		cond.lastTriggerMs = nowMs
	}

	e.evaluateFetchConditions(nowMs)

	// Candidates deferred by after_duration stay due for a later tick.
	for _, cond := range e.conditions {
		if cond.candidate {
			e.dirty = true
			break
		}
	}
}

// emit snapshots the condition's collected signals into a TriggeredData and
// pushes it onto the output queue.
func (e *Engine) emit(cond *conditionState, nowMs int64, dtcs *schema.DTCInfo) {
	var data = &schema.TriggeredData{
		EventID:       e.nextEventID,
		TriggerTimeMs: nowMs,
		Metadata: schema.TriggerMetadata{
			CampaignID:   cond.meta.CampaignID,
			CampaignName: cond.meta.CampaignName,
			DecoderID:    cond.meta.DecoderID,
			Persist:      cond.meta.Persist,
			Compress:     cond.meta.Compress,
			Priority:     cond.meta.Priority,
		},
		HasPartitions: cond.meta.HasPartitions,
		PartitionOf:   make(map[schema.SignalID]schema.PartitionID),
	}
	e.nextEventID++

	var collected = make(map[schema.SignalID]struct{}, len(cond.meta.Collected))

	for _, spec := range cond.meta.Collected {
		if spec.ConditionOnly {
			continue
		}
		collected[spec.SignalID] = struct{}{}
		data.PartitionOf[spec.SignalID] = spec.Partition

		var state, ok = e.signals[spec.SignalID]
		if !ok {
			continue
		}
		var valueType = state.spec.ValueType
		for _, s := range state.snapshot(spec.SampleBufferSize) {
			var cs = schema.CollectedSignal{
				SignalID:    spec.SignalID,
				TimestampMs: s.timestampMs,
				Value:       s.value,
				Handle:      s.handle,
				Type:        valueType,
			}
			if s.handle != schema.InvalidRawHandle {
				if !e.raw.IncreaseUsage(s.handle, rawbuf.StageSelectedForUpload) {
					continue
				}
				if valueType == schema.TypeComplex {
					data.ComplexFrames = append(data.ComplexFrames, cs)
					continue
				}
			}
			data.Signals = append(data.Signals, cs)
		}
	}

	if dtcs != nil {
		data.DTCs = dtcs
	}

	e.registry.conditionEnd(collected, nowMs, data)

	if data.Empty() {
		e.logger.Log(log.InfoLevel, log.Fields{
			"campaign": cond.meta.CampaignID,
			"eventID":  data.EventID,
		}, "trigger fired but no data is available to ingest")
		e.releaseUploadRefs(data)
		return
	}

	if !e.output.Push(data) {
		e.releaseUploadRefs(data)
		return
	}
	triggersEmittedTotal.WithLabelValues(cond.meta.CampaignID).Inc()
}

// releaseUploadRefs drops the upload stage references taken while building a
// trigger that was not enqueued.
func (e *Engine) releaseUploadRefs(data *schema.TriggeredData) {
	for _, group := range [][]schema.CollectedSignal{data.Signals, data.ComplexFrames} {
		for _, cs := range group {
			if cs.Handle != schema.InvalidRawHandle {
				e.raw.DecreaseUsage(cs.Handle, rawbuf.StageSelectedForUpload)
			}
		}
	}
}

// evaluateFetchConditions drives condition-based fetch requests.
func (e *Engine) evaluateFetchConditions(nowMs int64) {
	for _, fs := range e.fetchConditions {
		var ctx = evalContext{engine: e}
		var b, _ = ctx.evaluate(fs.arena, fs.req.ConditionRoot).AsBool()
		var fire = b
		if fire && fs.req.RisingEdgeOnly && fs.lastBool {
			fire = false
		}
		fs.lastBool = b
		if fire && e.onFetchTrigger != nil {
			e.onFetchTrigger(fs.req.RequestID)
		}
	}
}
