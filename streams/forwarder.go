package streams

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
)

// PersistedSender uploads one stored payload, blocking until the outcome is
// known. The telemetry sender implements it.
type PersistedSender interface {
	SendPersisted(payload []byte, compressed bool) error
}

// partitionKey identifies one forwardable partition.
type partitionKey struct {
	campaign string
	part     schema.PartitionID
}

// sources is the per-partition forwarding state. A partition is eligible
// when any source is active; cancelling one source does not affect the
// other.
type sources struct {
	condition bool

	jobID     string
	jobActive bool
	jobEndMs  int64 // Zero means no end time.
}

func (s *sources) eligible() bool { return s.condition || s.jobActive }

// ForwarderConfig tunes the forwarder.
type ForwarderConfig struct {
	// Backoff after a failed send of a record.
	RetryBackoff time.Duration
	// IdleWait between sweeps when no partition has pending data.
	IdleWait time.Duration
}

func (c *ForwarderConfig) withDefaults() ForwarderConfig {
	var out = *c
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 5 * time.Second
	}
	if out.IdleWait <= 0 {
		out.IdleWait = time.Second
	}
	return out
}

// Forwarder drains marked stream partitions into the telemetry sender,
// checkpointing each record only after a successful send.
type Forwarder struct {
	cfg     ForwarderConfig
	clk     clock.Clock
	logger  ops.Logger
	manager *Manager
	sender  PersistedSender

	wake *clock.Signal

	mu       sync.Mutex
	state    map[partitionKey]*sources
	onJobEnd func(jobID string)
}

// NewForwarder returns a Forwarder over |manager| sending through |sender|.
func NewForwarder(
	cfg ForwarderConfig,
	clk clock.Clock,
	logger ops.Logger,
	manager *Manager,
	sender PersistedSender,
) *Forwarder {
	var f = &Forwarder{
		cfg:     cfg.withDefaults(),
		clk:     clk,
		logger:  logger,
		manager: manager,
		sender:  sender,
		wake:    clock.NewSignal(),
		state:   make(map[partitionKey]*sources),
	}
	return f
}

// OnJobComplete registers the callback invoked when a job-driven forward
// finishes: its partitions drained, or its end time passed.
func (f *Forwarder) OnJobComplete(fn func(jobID string)) { f.onJobEnd = fn }

// SetConditionForward switches the campaign-driven source of every
// partition of |campaign|.
func (f *Forwarder) SetConditionForward(campaign string, on bool) {
	f.mu.Lock()
	for _, part := range f.manager.PartitionsOf(campaign) {
		var key = partitionKey{campaign: campaign, part: part}
		var src = f.state[key]
		if src == nil {
			src = &sources{}
			f.state[key] = src
		}
		src.condition = on
		if !src.eligible() {
			delete(f.state, key)
		}
	}
	f.mu.Unlock()
	f.wake.Notify()
}

// StartJob activates job-driven forwarding of every partition of |campaign|
// until the optional |endTimeMs| (zero means unbounded).
func (f *Forwarder) StartJob(jobID, campaign string, endTimeMs int64) {
	f.mu.Lock()
	for _, part := range f.manager.PartitionsOf(campaign) {
		var key = partitionKey{campaign: campaign, part: part}
		var src = f.state[key]
		if src == nil {
			src = &sources{}
			f.state[key] = src
		}
		src.jobID = jobID
		src.jobActive = true
		src.jobEndMs = endTimeMs
	}
	f.mu.Unlock()
	f.wake.Notify()
}

// CancelJob deactivates the job-driven source wherever |jobID| is active.
// Condition-driven forwarding of the same partitions is unaffected.
func (f *Forwarder) CancelJob(jobID string) {
	f.mu.Lock()
	for key, src := range f.state {
		if src.jobActive && src.jobID == jobID {
			src.jobActive = false
			if !src.eligible() {
				delete(f.state, key)
			}
		}
	}
	f.mu.Unlock()
}

// Run sweeps eligible partitions until |ctx| is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var forwarded, retry = f.Sweep(ctx)
		switch {
		case retry:
			f.wake.Wait(f.cfg.RetryBackoff)
		case !forwarded:
			f.wake.Wait(f.cfg.IdleWait)
		}
	}
}

// Sweep forwards at most one record per eligible partition. It returns
// whether any record was forwarded and whether a failed send wants backoff.
// The Run loop calls it continuously; tests may drive it directly.
func (f *Forwarder) Sweep(ctx context.Context) (forwarded, retry bool) {
	f.mu.Lock()
	var keys = make([]partitionKey, 0, len(f.state))
	for key := range f.state {
		keys = append(keys, key)
	}
	f.mu.Unlock()

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return forwarded, false
		default:
		}
		var did, wantRetry = f.forwardOne(key)
		forwarded = forwarded || did
		retry = retry || wantRetry
	}
	return forwarded, retry
}

// forwardOne attempts one record of |key|.
func (f *Forwarder) forwardOne(key partitionKey) (forwarded, retry bool) {
	f.mu.Lock()
	var src, ok = f.state[key]
	if !ok || !src.eligible() {
		f.mu.Unlock()
		return false, false
	}
	var condition = src.condition
	var jobActive = src.jobActive
	var jobID = src.jobID
	var jobEndMs = src.jobEndMs
	f.mu.Unlock()

	var rec, checkpoint, err = f.manager.ReadNext(key.campaign, key.part)
	if err != nil {
		f.logger.Log(log.ErrorLevel, log.Fields{
			"campaign": key.campaign, "partition": key.part, "error": err.Error(),
		}, "stream read failed")
		return false, false
	}
	if rec == nil {
		// Drained. A job-driven forward over an empty stream is complete.
		if jobActive {
			f.completeJobSource(key, jobID)
		}
		return false, false
	}

	// A record beyond the job's end time is not checkpointed: it remains
	// for condition-driven forwarding. The job itself is done, since
	// records are appended in trigger-time order.
	if jobActive && jobEndMs != 0 && rec.TriggerTimeMs > jobEndMs {
		f.completeJobSource(key, jobID)
		if !condition {
			return false, false
		}
	}

	if err = f.sender.SendPersisted(rec.Payload, rec.Compressed); err != nil {
		f.logger.Log(log.WarnLevel, log.Fields{
			"campaign": key.campaign, "partition": key.part,
			"seq": rec.Seq, "error": err.Error(),
		}, "forward failed; will retry")
		forwardRetriesTotal.Inc()
		return false, true
	}
	if err = checkpoint(); err != nil {
		f.logger.Log(log.ErrorLevel, log.Fields{
			"campaign": key.campaign, "partition": key.part, "error": err.Error(),
		}, "checkpoint failed")
		return true, true
	}
	recordsForwardedTotal.Inc()
	return true, false
}

// completeJobSource deactivates the job source of |key| and, when no other
// partition still runs |jobID|, reports the job complete.
func (f *Forwarder) completeJobSource(key partitionKey, jobID string) {
	f.mu.Lock()
	var src, ok = f.state[key]
	if ok && src.jobActive && src.jobID == jobID {
		src.jobActive = false
		if !src.eligible() {
			delete(f.state, key)
		}
	}
	var stillRunning = false
	for _, other := range f.state {
		if other.jobActive && other.jobID == jobID {
			stillRunning = true
			break
		}
	}
	var done = f.onJobEnd
	f.mu.Unlock()

	if !stillRunning && done != nil {
		done(jobID)
	}
}

// Eligible reports whether (campaign, part) is currently marked for
// forwarding, for tests and diagnostics.
func (f *Forwarder) Eligible(campaign string, part schema.PartitionID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var src, ok = f.state[partitionKey{campaign: campaign, part: part}]
	return ok && src.eligible()
}
