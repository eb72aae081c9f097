// Package fetch executes the fetch plans of enabled campaigns: periodic and
// condition-driven requests obtaining fresh samples of signals that are not
// push-based. Fetched values re-enter the inspection pipeline as ordinary
// samples.
package fetch

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
)

// Executor performs one fetch action against the vehicle. Implementations
// are host-provided (an OBD poller, a SOME/IP client); they may block
// briefly but must respect their own timeouts.
type Executor interface {
	Fetch(funcName string, signalID schema.SignalID, args []schema.Value) (schema.Value, error)
}

// Config tunes the worker.
type Config struct {
	// MaxIdleWait caps the sleep between scheduling passes.
	MaxIdleWait time.Duration
	// TriggerQueueSize bounds pending condition-driven activations.
	TriggerQueueSize int
}

func (c *Config) withDefaults() Config {
	var out = *c
	if out.MaxIdleWait <= 0 {
		out.MaxIdleWait = time.Second
	}
	if out.TriggerQueueSize <= 0 {
		out.TriggerQueueSize = 256
	}
	return out
}

// reqState is the execution bookkeeping of one periodic request.
type reqState struct {
	req schema.CompiledFetch

	nextDue     time.Duration
	executions  int64
	windowStart time.Duration
}

// Worker schedules and executes fetch requests. Periodic requests run on
// their own cadence; condition-driven requests run when the inspection
// engine reports via TriggerRequest that their condition evaluated true
// (for rising-edge-only requests, that it changed from false to true).
type Worker struct {
	cfg      Config
	clk      clock.Clock
	logger   ops.Logger
	executor Executor
	// emit pushes a fetched value into the inspection pipeline.
	emit func(schema.Sample) bool

	wake      *clock.Signal
	triggered chan uint32

	mu       sync.Mutex
	periodic map[uint32]*reqState
	byID     map[uint32]schema.CompiledFetch
}

// NewWorker returns a stopped Worker.
func NewWorker(
	cfg Config,
	clk clock.Clock,
	logger ops.Logger,
	executor Executor,
	emit func(schema.Sample) bool,
) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		executor:  executor,
		emit:      emit,
		wake:      clock.NewSignal(),
		triggered: make(chan uint32, cfg.TriggerQueueSize),
		periodic:  make(map[uint32]*reqState),
		byID:      make(map[uint32]schema.CompiledFetch),
	}
}

// Wake returns the Signal the Run loop sleeps on.
func (w *Worker) Wake() *clock.Signal { return w.wake }

// UpdateMatrix swaps the fetch plan. Periodic schedules of unchanged
// requests restart from now.
func (w *Worker) UpdateMatrix(fm *schema.FetchMatrix) {
	var now = w.clk.Monotonic()

	w.mu.Lock()
	w.periodic = make(map[uint32]*reqState)
	w.byID = make(map[uint32]schema.CompiledFetch)
	if fm != nil {
		for _, req := range fm.Requests {
			w.byID[req.RequestID] = req
			if req.Periodic {
				w.periodic[req.RequestID] = &reqState{
					req:         req,
					nextDue:     now,
					windowStart: now,
				}
			}
		}
	}
	w.mu.Unlock()
	w.wake.Notify()
}

// TriggerRequest queues a condition-driven request for execution. It is the
// inspection engine's fetch-trigger callback and never blocks.
func (w *Worker) TriggerRequest(requestID uint32) {
	select {
	case w.triggered <- requestID:
		w.wake.Notify()
	default:
		fetchDroppedTotal.Inc()
	}
}

// Run executes due requests until |ctx| is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		w.drainTriggered()
		var wait = w.runDuePeriodic()
		if wait > w.cfg.MaxIdleWait {
			wait = w.cfg.MaxIdleWait
		}
		w.wake.Wait(wait)
	}
}

func (w *Worker) drainTriggered() {
	for {
		select {
		case id := <-w.triggered:
			w.mu.Lock()
			var req, ok = w.byID[id]
			w.mu.Unlock()
			if ok {
				w.execute(req)
			}
		default:
			return
		}
	}
}

// runDuePeriodic executes every due periodic request and returns the time
// until the next deadline.
func (w *Worker) runDuePeriodic() time.Duration {
	var now = w.clk.Monotonic()

	w.mu.Lock()
	var due []schema.CompiledFetch
	var next = w.cfg.MaxIdleWait
	for _, state := range w.periodic {
		var schedule = state.req.Schedule

		if schedule.ResetIntervalMs > 0 &&
			now-state.windowStart >= time.Duration(schedule.ResetIntervalMs)*time.Millisecond {
			state.windowStart = now
			state.executions = 0
		}
		if schedule.MaxExecutions > 0 && state.executions >= schedule.MaxExecutions {
			if schedule.ResetIntervalMs > 0 {
				var until = state.windowStart +
					time.Duration(schedule.ResetIntervalMs)*time.Millisecond - now
				if until < next {
					next = until
				}
			}
			continue
		}
		if now >= state.nextDue {
			due = append(due, state.req)
			state.executions++
			state.nextDue = now + time.Duration(schedule.PeriodMs)*time.Millisecond
		}
		if until := state.nextDue - now; until < next {
			next = until
		}
	}
	w.mu.Unlock()

	for _, req := range due {
		w.execute(req)
	}
	if next < 0 {
		next = 0
	}
	return next
}

// execute runs all actions of one request, emitting fetched values.
func (w *Worker) execute(req schema.CompiledFetch) {
	if w.executor == nil {
		return
	}
	for _, action := range req.Actions {
		var value, err = w.executor.Fetch(action.FuncName, req.SignalID, action.Args)
		if err != nil {
			fetchFailedTotal.WithLabelValues(action.FuncName).Inc()
			w.logger.Log(log.WarnLevel, log.Fields{
				"request":  req.RequestID,
				"signal":   req.SignalID,
				"function": action.FuncName,
				"error":    err.Error(),
			}, "fetch action failed")
			continue
		}
		fetchExecutedTotal.WithLabelValues(action.FuncName).Inc()
		if value.IsUndefined() {
			continue
		}
		w.emit(schema.Sample{
			SignalID:    req.SignalID,
			TimestampMs: clock.EpochMs(w.clk.Now()),
			Value:       value,
		})
	}
}
