package inspect

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/rawbuf"
	"github.com/fleetlab/vantage/schema"
)

// CustomFunction extends the expression language with host- or agent-defined
// behavior, dispatched by name. Implementations are invoked on the engine
// goroutine and must not block.
type CustomFunction interface {
	// Invoke evaluates one call site. The invocationID is stable for the
	// lifetime of a condition within one inspection matrix, so stateful
	// functions key their state by it.
	Invoke(invocationID uint64, args []schema.Value) (schema.Value, error)
	// ConditionEnd runs after a condition owning a call site finished its
	// evaluation pass, and may contribute captured data to an emitted
	// trigger. |out| is nil when the condition did not trigger.
	ConditionEnd(collected map[schema.SignalID]struct{}, timestampMs int64, out *schema.TriggeredData)
	// Cleanup discards any state held for |invocationID|.
	Cleanup(invocationID uint64)
}

// FuncRegistry dispatches custom function calls by name.
type FuncRegistry struct {
	logger ops.Logger
	fns    map[string]CustomFunction
}

// NewFuncRegistry returns an empty registry.
func NewFuncRegistry(logger ops.Logger) *FuncRegistry {
	return &FuncRegistry{logger: logger, fns: make(map[string]CustomFunction)}
}

// Register binds |name| to |fn|, replacing any previous binding.
func (r *FuncRegistry) Register(name string, fn CustomFunction) {
	r.fns[name] = fn
}

func (r *FuncRegistry) invoke(name string, invocationID uint64, args []schema.Value) schema.Value {
	var fn, ok = r.fns[name]
	if !ok {
		return schema.UndefinedValue
	}
	var result, err = fn.Invoke(invocationID, args)
	if err != nil {
		r.logger.Log(log.WarnLevel, log.Fields{
			"function": name,
			"error":    err.Error(),
		}, "custom function invocation failed")
		return schema.UndefinedValue
	}
	return result
}

func (r *FuncRegistry) conditionEnd(collected map[schema.SignalID]struct{}, timestampMs int64, out *schema.TriggeredData) {
	for _, fn := range r.fns {
		fn.ConditionEnd(collected, timestampMs, out)
	}
}

func (r *FuncRegistry) cleanup(invocationID uint64) {
	for _, fn := range r.fns {
		fn.Cleanup(invocationID)
	}
}

// MultiRisingEdgeTriggerKey is the custom decoder key of the internal signal
// that receives the JSON list of condition names which transitioned.
const MultiRisingEdgeTriggerKey = "Vehicle.MultiRisingEdgeTrigger"

// MultiRisingEdgeFuncName is the registry name of the builtin.
const MultiRisingEdgeFuncName = "multi_rising_edge_trigger"

// MultiRisingEdgeTrigger is a builtin custom function taking pairs of
// (name, condition) arguments. It fires when any condition transitions false
// to true, and records the names of the transitioned conditions. When the
// owning scheme collects the designated named signal, the recorded names are
// pushed through the raw buffer as a JSON array and attached to the trigger.
type MultiRisingEdgeTrigger struct {
	logger ops.Logger
	raw    *rawbuf.Manager
	// resolve maps a custom decoder key to its SignalID under the active
	// decoder dictionary.
	resolve func(key string) schema.SignalID

	states    map[uint64][]bool
	triggered []string
}

// NewMultiRisingEdgeTrigger returns the builtin, wired to the raw buffer and
// the dictionary resolver.
func NewMultiRisingEdgeTrigger(
	logger ops.Logger,
	raw *rawbuf.Manager,
	resolve func(key string) schema.SignalID,
) *MultiRisingEdgeTrigger {
	return &MultiRisingEdgeTrigger{
		logger:  logger,
		raw:     raw,
		resolve: resolve,
		states:  make(map[uint64][]bool),
	}
}

// Invoke implements CustomFunction.
func (m *MultiRisingEdgeTrigger) Invoke(invocationID uint64, args []schema.Value) (schema.Value, error) {
	if len(args) < 2 || len(args)%2 != 0 {
		return schema.UndefinedValue, errArgPairs
	}

	var conditions = len(args) / 2
	var last, known = m.states[invocationID]
	if known && len(last) != conditions {
		return schema.UndefinedValue, errArgPairs
	}
	if !known {
		last = make([]bool, conditions)
	}

	var atLeastOneRisingEdge = false
	for i := 0; i < len(args); i += 2 {
		var name, okName = args[i].AsStr()
		if !okName {
			return schema.UndefinedValue, errArgPairs
		}
		// An undefined condition latches as true and records no edge.
		var current = true
		var defined = !args[i+1].IsUndefined()
		if defined {
			var b, okBool = args[i+1].AsBool()
			if !okBool {
				return schema.UndefinedValue, errArgPairs
			}
			current = b
		}
		if known && defined && current && !last[i/2] {
			atLeastOneRisingEdge = true
			m.triggered = append(m.triggered, name)
		}
		last[i/2] = current
	}
	m.states[invocationID] = last

	if !known {
		// The first invocation only latches the initial state.
		return schema.Bool(false), nil
	}
	return schema.Bool(atLeastOneRisingEdge), nil
}

// ConditionEnd implements CustomFunction: it attaches the recorded condition
// names to the emitted trigger via the raw buffer.
func (m *MultiRisingEdgeTrigger) ConditionEnd(
	collected map[schema.SignalID]struct{}, timestampMs int64, out *schema.TriggeredData) {

	if len(m.triggered) == 0 {
		return
	}
	var triggered = m.triggered
	m.triggered = nil

	if out == nil {
		return
	}
	var signalID = m.resolve(MultiRisingEdgeTriggerKey)
	if signalID == schema.InvalidSignalID {
		m.logger.Log(log.WarnLevel, log.Fields{
			"key": MultiRisingEdgeTriggerKey,
		}, "named trigger signal not present in decoder manifest")
		return
	}
	if _, ok := collected[signalID]; !ok {
		return
	}

	var encoded, err = json.Marshal(triggered)
	if err != nil {
		return
	}
	var handle = m.raw.Push(signalID, encoded, timestampMs)
	if handle == schema.InvalidRawHandle {
		return
	}
	// Hold the value for the upload before anything can evict it.
	m.raw.IncreaseUsage(handle, rawbuf.StageSelectedForUpload)
	out.Signals = append(out.Signals, schema.CollectedSignal{
		SignalID:    signalID,
		TimestampMs: timestampMs,
		Handle:      handle,
		Type:        schema.TypeString,
	})
}

// Cleanup implements CustomFunction.
func (m *MultiRisingEdgeTrigger) Cleanup(invocationID uint64) {
	delete(m.states, invocationID)
}

var errArgPairs = argError("multi_rising_edge_trigger takes (name, condition) pairs")

type argError string

func (e argError) Error() string { return string(e) }
