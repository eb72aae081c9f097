// Package agent composes the telemetry core into one embeddable unit: the
// campaign manager, inspection engine, raw buffer, stream store-and-forward,
// telemetry and checkin senders, fetch worker, and remote job handling. The
// host supplies the transport, the wire serializer, the clock, and any
// vehicle-specific fetch executor or DTC source.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/fleetlab/vantage/campaign"
	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/fetch"
	"github.com/fleetlab/vantage/inspect"
	"github.com/fleetlab/vantage/jobs"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/persist"
	"github.com/fleetlab/vantage/rawbuf"
	"github.com/fleetlab/vantage/schema"
	"github.com/fleetlab/vantage/sender"
	"github.com/fleetlab/vantage/streams"
	"github.com/fleetlab/vantage/transport"
)

// Config is the agent's host-facing configuration.
type Config struct {
	// PersistencyPath is the root directory of all durable state.
	PersistencyPath string `long:"persistency-path" description:"Directory for persisted documents, spooled payloads and streams"`
	// PersistencyQuotaBytes bounds the persistency store. Zero disables.
	PersistencyQuotaBytes int64 `long:"persistency-quota-bytes" description:"Byte quota of the persistency store (0 disables)"`
	// RawBufferBytes bounds the raw value arena.
	RawBufferBytes int64 `long:"raw-buffer-bytes" default:"134217728" description:"Byte cap of the raw signal value arena"`
	// InputQueueSize bounds the adapter sample queue.
	InputQueueSize int `long:"input-queue-size" default:"4096" description:"Bound of the adapter sample queue"`
	// OutputQueueSize bounds the trigger queue.
	OutputQueueSize int `long:"output-queue-size" default:"256" description:"Bound of the trigger queue"`
	// CheckinInterval is the heartbeat cadence.
	CheckinInterval time.Duration `long:"checkin-interval" default:"5m" description:"Cadence of checkin heartbeats"`
	// SpoolRetryInterval is the cadence of spool republish attempts.
	SpoolRetryInterval time.Duration `long:"spool-retry-interval" default:"30s" description:"Cadence of payload spool retries"`
}

// Validate implements the config validation convention.
func (c *Config) Validate() error {
	if c.PersistencyPath == "" {
		return fmt.Errorf("missing persistency path")
	}
	return nil
}

// Deps are the host-supplied collaborators.
type Deps struct {
	Transport  transport.Sender
	Receiver   transport.Receiver
	Serializer sender.Serializer
	Clock      clock.Clock
	Logger     ops.Logger
	// DTCs supplies active trouble codes; nil disables DTC capture.
	DTCs inspect.DTCProvider
	// FetchExecutor performs fetch actions; nil disables fetching.
	FetchExecutor fetch.Executor
}

// Agent is the assembled telemetry core.
type Agent struct {
	cfg  Config
	deps Deps

	store      *persist.Store
	spool      *persist.Spool
	raw        *rawbuf.Manager
	registry   *inspect.FuncRegistry
	engine     *inspect.Engine
	manager    *campaign.Manager
	streamMgr  *streams.Manager
	forwarder  *streams.Forwarder
	telemetry  *sender.TelemetrySender
	checkin    *sender.CheckinSender
	retrier    *sender.SpoolRetrier
	fetcher    *fetch.Worker
	jobHandler *jobs.Handler

	dictionary atomic.Pointer[schema.DecoderDictionary]
	// forwarding tracks campaigns with an active condition-driven forward.
	forwarding map[string]bool
}

// New assembles an Agent. It restores persisted documents but starts no
// goroutines; call QueueTasks to run it.
func New(cfg Config, deps Deps) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	if deps.Logger == nil {
		deps.Logger = ops.StdLogger()
	}
	if deps.Serializer == nil {
		deps.Serializer = sender.NewJSONSerializer()
	}

	var a = &Agent{cfg: cfg, deps: deps, forwarding: make(map[string]bool)}
	var err error

	if a.store, err = persist.NewStore(cfg.PersistencyPath, cfg.PersistencyQuotaBytes); err != nil {
		return nil, err
	}
	a.spool = persist.NewSpool(a.store, scoped(deps.Logger, "spool"))

	a.raw = rawbuf.NewManager(
		rawbuf.Config{MaxBytes: cfg.RawBufferBytes}, scoped(deps.Logger, "rawbuf"))

	a.registry = inspect.NewFuncRegistry(scoped(deps.Logger, "inspection"))
	a.registry.Register(inspect.MultiRisingEdgeFuncName,
		inspect.NewMultiRisingEdgeTrigger(scoped(deps.Logger, "inspection"), a.raw, a.resolveNamedSignal))

	a.engine = inspect.NewEngine(
		inspect.Config{
			InputQueueSize:  cfg.InputQueueSize,
			OutputQueueSize: cfg.OutputQueueSize,
		},
		deps.Clock, scoped(deps.Logger, "inspection"), a.raw, a.registry, deps.DTCs)

	if a.streamMgr, err = streams.NewManager(
		streams.Config{Root: filepath.Join(cfg.PersistencyPath, "streams")},
		deps.Clock, scoped(deps.Logger, "streams")); err != nil {
		return nil, err
	}

	a.telemetry = sender.NewTelemetrySender(
		scoped(deps.Logger, "telemetry"),
		deps.Transport, deps.Serializer,
		sender.DefaultUncompressedConfig(), sender.DefaultCompressedConfig(),
		a.spool, a.raw, a.streamMgr)

	a.forwarder = streams.NewForwarder(
		streams.ForwarderConfig{}, deps.Clock, scoped(deps.Logger, "forwarder"),
		a.streamMgr, a.telemetry)

	a.jobHandler = jobs.NewHandler(
		deps.Clock, scoped(deps.Logger, "jobs"), deps.Transport, a.forwarder, a.streamMgr)

	a.checkin = sender.NewCheckinSender(
		cfg.CheckinInterval, deps.Clock, scoped(deps.Logger, "checkin"), deps.Transport)

	a.retrier = sender.NewSpoolRetrier(
		cfg.SpoolRetryInterval, scoped(deps.Logger, "spool"), a.spool, deps.Transport)

	a.fetcher = fetch.NewWorker(
		fetch.Config{}, deps.Clock, scoped(deps.Logger, "fetch"),
		deps.FetchExecutor, a.engine.PushSample)
	a.engine.SetFetchTrigger(a.fetcher.TriggerRequest)

	a.manager = campaign.NewManager(
		campaign.Config{}, deps.Clock, scoped(deps.Logger, "campaign"), a.store)
	a.manager.SubscribeArtifacts(a.onArtifacts)
	a.manager.SubscribeCheckin(a.checkin.OnDocumentsChanged)
	a.manager.RestorePersisted()

	return a, nil
}

func scoped(logger ops.Logger, component string) ops.Logger {
	return ops.NewLoggerWithFields(logger, log.Fields{"component": component})
}

// onArtifacts fans a published snapshot out to every consumer.
func (a *Agent) onArtifacts(artifacts *campaign.Artifacts) {
	a.dictionary.Store(artifacts.Dictionary)
	a.raw.Reconfigure(artifacts.RawBuffer)
	a.streamMgr.ApplyCampaigns(artifacts.Enabled)
	a.engine.UpdateMatrices(artifacts.Inspection, artifacts.Fetch)
	a.fetcher.UpdateMatrix(artifacts.Fetch)

	// Reconcile condition-driven forwarding with the enabled set.
	var next = make(map[string]bool)
	for _, scheme := range artifacts.Enabled {
		if scheme.HasPartitions() && scheme.ForwardOnCondition() {
			next[scheme.CampaignName()] = true
		}
	}
	for name := range a.forwarding {
		if !next[name] {
			a.forwarder.SetConditionForward(name, false)
		}
	}
	for name := range next {
		if !a.forwarding[name] {
			a.forwarder.SetConditionForward(name, true)
		}
	}
	a.forwarding = next
}

// resolveNamedSignal maps a custom decoder key through the active
// dictionary.
func (a *Agent) resolveNamedSignal(key string) schema.SignalID {
	if dict := a.dictionary.Load(); dict != nil {
		if id, ok := dict.NamedSignals[key]; ok {
			return id
		}
	}
	return schema.InvalidSignalID
}

// PushSample feeds one decoded sample into the inspection pipeline. Vehicle
// adapters call it from any goroutine.
func (a *Agent) PushSample(s schema.Sample) bool { return a.engine.PushSample(s) }

// Dictionary returns the current decoder dictionary snapshot, which may be
// nil before the first campaign activates.
func (a *Agent) Dictionary() *schema.DecoderDictionary { return a.dictionary.Load() }

// Campaigns returns the campaign manager, for hosts that ingest documents
// from their own control channel.
func (a *Agent) Campaigns() *campaign.Manager { return a.manager }

// Registry returns the custom function registry for host registrations.
// Must not be called after QueueTasks.
func (a *Agent) Registry() *inspect.FuncRegistry { return a.registry }

// QueueTasks queues every worker onto |tasks|, subscribing cloud document
// topics on the receiver. It follows the convention that tasks run until
// their context is cancelled and then return nil.
func (a *Agent) QueueTasks(tasks *task.Group) error {
	var topics = a.deps.Transport.Topics()

	if a.deps.Receiver != nil {
		var err = a.deps.Receiver.Subscribe(topics.CollectionSchemes, func(payload []byte) {
			_ = a.manager.IngestSchemeList(payload)
		})
		if err != nil {
			return fmt.Errorf("subscribing collection schemes: %w", err)
		}
		if err = a.deps.Receiver.Subscribe(topics.DecoderManifests, func(payload []byte) {
			_ = a.manager.IngestDecoderManifest(payload)
		}); err != nil {
			return fmt.Errorf("subscribing decoder manifests: %w", err)
		}
		if err = a.jobHandler.Subscribe(a.deps.Receiver); err != nil {
			return err
		}
	}

	tasks.Queue("campaign-manager", func() error { return a.manager.Run(tasks.Context()) })
	tasks.Queue("inspection-engine", func() error { return a.engine.Run(tasks.Context()) })
	tasks.Queue("trigger-consumer", func() error { return a.consumeTriggers(tasks.Context()) })
	tasks.Queue("stream-forwarder", func() error { return a.forwarder.Run(tasks.Context()) })
	tasks.Queue("checkin-sender", func() error { return a.checkin.Run(tasks.Context()) })
	tasks.Queue("spool-retrier", func() error { return a.retrier.Run(tasks.Context()) })
	tasks.Queue("fetch-worker", func() error { return a.fetcher.Run(tasks.Context()) })
	return nil
}

// consumeTriggers routes emitted triggers to the telemetry sender.
func (a *Agent) consumeTriggers(ctx context.Context) error {
	var output = a.engine.Output()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var data, ok = output.Pop()
		if !ok {
			output.Ready.Wait(time.Second)
			continue
		}
		a.telemetry.Process(data)
	}
}

// Close releases the agent's durable resources. Call it after the task
// group has fully settled.
func (a *Agent) Close() {
	a.streamMgr.Close()
}
