package sender

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/persist"
	"github.com/fleetlab/vantage/transport"
)

// DefaultSpoolRetryInterval is the cadence of the spool republish task.
const DefaultSpoolRetryInterval = 30 * time.Second

// SpoolRetrier periodically re-reads the payload spool and republishes every
// stored payload, deleting each file on success and re-spooling it on
// failure.
type SpoolRetrier struct {
	interval time.Duration
	logger   ops.Logger
	spool    *persist.Spool
	sender   transport.Sender

	wake *clock.Signal
}

// NewSpoolRetrier returns a stopped SpoolRetrier. |interval| of zero applies
// DefaultSpoolRetryInterval.
func NewSpoolRetrier(
	interval time.Duration,
	logger ops.Logger,
	spool *persist.Spool,
	sender transport.Sender,
) *SpoolRetrier {
	if interval <= 0 {
		interval = DefaultSpoolRetryInterval
	}
	return &SpoolRetrier{
		interval: interval,
		logger:   logger,
		spool:    spool,
		sender:   sender,
		wake:     clock.NewSignal(),
	}
}

// Wake returns the Signal the Run loop sleeps on.
func (r *SpoolRetrier) Wake() *clock.Signal { return r.wake }

// Run drains the spool once per interval until |ctx| is cancelled.
func (r *SpoolRetrier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if r.sender.IsAlive() {
			r.DrainOnce()
		}
		r.wake.Wait(r.interval)
	}
}

// DrainOnce republishes every currently spooled payload. Payloads whose send
// fails are re-spooled and retried on a later pass.
func (r *SpoolRetrier) DrainOnce() {
	var metas, err = r.spool.CollectPayloads()
	if err != nil {
		r.logger.Log(log.ErrorLevel, log.Fields{"error": err.Error()},
			"failed to read spool metadata")
		return
	}

	for _, meta := range metas {
		var payload, readErr = r.spool.RetrievePayload(meta.Filename)
		if readErr != nil {
			r.logger.Log(log.WarnLevel, log.Fields{
				"filename": meta.Filename, "error": readErr.Error(),
			}, "spooled payload unreadable; dropped")
			continue
		}

		r.sender.Send(r.sender.Topics().TelemetryData, payload, func(result transport.Result) {
			if result == transport.Success {
				spoolRepublishedTotal.Inc()
				return
			}
			if err := r.spool.StorePayload(meta.Filename, payload, meta.CompressionRequired); err != nil {
				r.logger.Log(log.ErrorLevel, log.Fields{
					"filename": meta.Filename, "error": err.Error(),
				}, "failed to re-spool payload after send failure")
			}
		})
	}
}
