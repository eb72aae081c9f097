package main

import (
	"context"
	"fmt"
	"os"
	"time"

	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/fleetlab/vantage/agent"
	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/schema"
	"github.com/fleetlab/vantage/sender"
	"github.com/fleetlab/vantage/transport"
)

type cmdSimulate struct {
	Duration    time.Duration         `long:"duration" default:"3s" description:"How long to replay synthetic samples"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// simManifest decodes one numeric speed signal from a raw frame.
const simManifest = `{
	"sync_id": "dm-sim",
	"frames": {"can0": {"256": {"length": 8, "signals": [
		{"signal_id": 1, "start_bit": 0, "length": 16, "scaling": 1, "offset": 0}
	]}}}
}`

func simSchemeList(now int64, horizon time.Duration) []byte {
	return []byte(fmt.Sprintf(`{"schemes": [{
		"sync_id": "cs-sim",
		"decoder_manifest_id": "dm-sim",
		"start_time": %d,
		"expiry_time": %d,
		"minimum_publish_interval_ms": 200,
		"signals": [{"signal_id": 1, "sample_buffer_size": 32}],
		"condition": {"op": "gt", "left": {"signal": 1}, "right": {"num": 100}}
	}]}`, now-1000, now+horizon.Milliseconds()+60_000))
}

func (cmd *cmdSimulate) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	var dir, err = os.MkdirTemp("", "vantage-simulate-")
	mbp.Must(err, "failed to create scratch directory")
	defer os.RemoveAll(dir)

	var topics = transport.NewTopicConfig("simulator", transport.TopicConfigArgs{})
	var loopback = transport.NewLoopback(topics, 1<<20)

	var a *agent.Agent
	a, err = agent.New(agent.Config{PersistencyPath: dir}, agent.Deps{
		Transport: loopback,
		Receiver:  loopback,
	})
	mbp.Must(err, "failed to assemble agent")

	mbp.Must(a.Campaigns().IngestDecoderManifest([]byte(simManifest)), "bad manifest")
	mbp.Must(a.Campaigns().IngestSchemeList(
		simSchemeList(clock.EpochMs(time.Now()), cmd.Duration)), "bad scheme list")

	var ctx, cancel = context.WithTimeout(context.Background(), cmd.Duration)
	defer cancel()

	var tasks = task.NewGroup(ctx)
	mbp.Must(a.QueueTasks(tasks), "failed to queue agent tasks")
	tasks.GoRun()

	// Replay a speed ramp crossing the trigger threshold repeatedly.
	var ticker = time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var speed float64
replay:
	for {
		select {
		case <-ctx.Done():
			break replay
		case <-ticker.C:
			speed += 7
			if speed > 140 {
				speed = 0
			}
			a.PushSample(schema.Sample{
				SignalID:    1,
				TimestampMs: clock.EpochMs(time.Now()),
				Value:       schema.Num(speed),
			})
		}
	}
	_ = tasks.Wait()

	var uploads = loopback.Sent(topics.TelemetryData)
	fmt.Printf("produced %d uploads\n", len(uploads))
	for i, payload := range uploads {
		var doc, decodeErr = sender.DecodePayload(payload)
		if decodeErr != nil {
			continue
		}
		fmt.Printf("  upload %d: event=%d campaign=%s signals=%d\n",
			i, doc.EventID, doc.CampaignID, len(doc.Signals))
	}
	return nil
}
