package sender

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
	"github.com/fleetlab/vantage/transport"
)

// DefaultCheckinInterval is the heartbeat cadence.
const DefaultCheckinInterval = 5 * time.Minute

// checkinRetryInterval is used after a failed checkin, so the cloud learns
// about the agent as soon as possible.
const checkinRetryInterval = 5 * time.Second

// CheckinDoc is the wire form of one checkin heartbeat.
type CheckinDoc struct {
	DocumentSyncIDs  []schema.SyncID `json:"document_sync_ids"`
	TimestampMsEpoch int64           `json:"timestamp_ms_epoch"`
}

// CheckinSender periodically publishes the list of active artifact ids. It
// sleeps on a predicate until the campaign manager has provided a document
// list, so no checkin is sent before the first list arrives. A list that is
// provided empty is sent as an empty checkin.
type CheckinSender struct {
	interval time.Duration
	clk      clock.Clock
	logger   ops.Logger
	sender   transport.Sender

	wake *clock.Signal

	mu   sync.Mutex
	docs []schema.SyncID
	have bool
	// nextSendAt is the monotonic deadline of the next checkin; unset while
	// a send is in flight.
	nextSendAt   time.Duration
	haveNextSend bool
}

// NewCheckinSender returns a stopped CheckinSender. |interval| of zero
// applies DefaultCheckinInterval.
func NewCheckinSender(
	interval time.Duration,
	clk clock.Clock,
	logger ops.Logger,
	sender transport.Sender,
) *CheckinSender {
	if interval <= 0 {
		interval = DefaultCheckinInterval
	}
	return &CheckinSender{
		interval: interval,
		clk:      clk,
		logger:   logger,
		sender:   sender,
		wake:     clock.NewSignal(),
	}
}

// Wake returns the Signal the Run loop sleeps on.
func (c *CheckinSender) Wake() *clock.Signal { return c.wake }

// OnDocumentsChanged installs the latest checkin document list. The campaign
// manager calls it on every change.
func (c *CheckinSender) OnDocumentsChanged(docs []schema.SyncID) {
	c.mu.Lock()
	c.docs = append([]schema.SyncID(nil), docs...)
	c.have = true
	c.mu.Unlock()
	c.wake.Notify()
}

// Run publishes checkins until |ctx| is cancelled.
func (c *CheckinSender) Run(ctx context.Context) error {
	c.mu.Lock()
	c.nextSendAt = c.clk.Monotonic()
	c.haveNextSend = true
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.mu.Lock()
		var haveNext = c.haveNextSend
		var nextAt = c.nextSendAt
		var haveDocs = c.have
		c.mu.Unlock()

		if !haveNext {
			// A send is in flight; its callback will re-arm the deadline.
			c.wake.Wait(c.interval)
			continue
		}
		if until := nextAt - c.clk.Monotonic(); until > 0 {
			c.wake.Wait(until)
			continue
		}
		if !haveDocs {
			c.logger.Log(log.TraceLevel, nil,
				"checkin documents not available yet; sleeping until provided")
			c.wake.Wait(c.interval)
			continue
		}

		c.sendCheckin()
		c.wake.Wait(c.interval)
	}
}

// sendCheckin publishes one heartbeat. The next deadline is armed by the
// transport callback: a full interval on success, the short retry interval
// on failure.
func (c *CheckinSender) sendCheckin() {
	c.mu.Lock()
	var doc = CheckinDoc{
		DocumentSyncIDs:  append([]schema.SyncID(nil), c.docs...),
		TimestampMsEpoch: clock.EpochMs(c.clk.Now()),
	}
	c.nextSendAt = 0
	c.haveNextSend = false
	var sentAt = c.clk.Monotonic()
	c.mu.Unlock()

	var payload, err = json.Marshal(&doc)
	if err != nil {
		c.arm(sentAt + c.interval)
		return
	}

	c.logger.Log(log.TraceLevel, log.Fields{
		"documents": doc.DocumentSyncIDs,
	}, "sending checkin")

	c.sender.Send(c.sender.Topics().Checkins, payload, func(result transport.Result) {
		if result == transport.Success {
			checkinsSentTotal.WithLabelValues("success").Inc()
			c.arm(sentAt + c.interval)
			return
		}
		checkinsSentTotal.WithLabelValues("failure").Inc()
		var retry = checkinRetryInterval
		if c.interval < retry {
			retry = c.interval
		}
		c.arm(c.clk.Monotonic() + retry)
	})
}

func (c *CheckinSender) arm(at time.Duration) {
	c.mu.Lock()
	c.nextSendAt = at
	c.haveNextSend = true
	c.mu.Unlock()
	c.wake.Notify()
}
