// Package campaign implements the campaign manager: the single authority
// over which collection schemes are enabled, idle, or retired at any moment.
// It compiles the enabled set and the active decoder manifest into immutable
// runtime artifacts, publishes them to subscribers, persists accepted
// documents across restarts, and feeds the checkin sender.
package campaign

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/persist"
	"github.com/fleetlab/vantage/schema"
)

// Config tunes the manager.
type Config struct {
	// SchemeListSizeLimit bounds incoming scheme list documents.
	// Zero applies schema.DefaultSchemeListSizeLimit.
	SchemeListSizeLimit int
	// ArtifactCacheSize bounds the cache of compiled artifact snapshots,
	// keyed by (manifest, enabled set) content. Zero applies a default.
	ArtifactCacheSize int
	// MaxIdleWait caps the sleep between scheduling passes.
	MaxIdleWait time.Duration
}

func (c *Config) withDefaults() Config {
	var out = *c
	if out.ArtifactCacheSize <= 0 {
		out.ArtifactCacheSize = 16
	}
	if out.MaxIdleWait <= 0 {
		out.MaxIdleWait = time.Minute
	}
	return out
}

// Manager is the campaign scheduler. Document ingestion may happen on any
// goroutine; scheduling and artifact publication happen on the Run loop (or
// on explicit Review calls in tests).
type Manager struct {
	cfg    Config
	clk    clock.Clock
	logger ops.Logger
	store  *persist.Store

	wake *clock.Signal

	// Inputs staged by ingestion, consumed by the scheduling pass.
	inMu         sync.Mutex
	inSchemeList *schema.CollectionSchemeList
	inManifest   *schema.DecoderManifest
	inDirty      bool

	// State below is owned by the scheduling pass.
	schemeList *schema.CollectionSchemeList
	manifest   *schema.DecoderManifest
	enabled    map[schema.SyncID]*schema.CollectionScheme
	idle       map[schema.SyncID]*schema.CollectionScheme
	timeline   eventQueue
	published  string // Content key of the last published artifacts.
	cache      *lru.Cache[string, *Artifacts]

	// Subscribers, registered before Run.
	artifactSubs []func(*Artifacts)
	checkinSubs  []func(docs []schema.SyncID)
	lastCheckin  []schema.SyncID

	// reviewed resolves after every scheduling pass.
	tpMu     sync.Mutex
	reviewed *clock.Timepoint
}

// NewManager returns a Manager with no accepted documents.
func NewManager(cfg Config, clk clock.Clock, logger ops.Logger, store *persist.Store) *Manager {
	cfg = cfg.withDefaults()
	var cache, err = lru.New[string, *Artifacts](cfg.ArtifactCacheSize)
	if err != nil {
		panic(err)
	}
	return &Manager{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		store:    store,
		wake:     clock.NewSignal(),
		enabled:  make(map[schema.SyncID]*schema.CollectionScheme),
		idle:     make(map[schema.SyncID]*schema.CollectionScheme),
		cache:    cache,
		reviewed: clock.NewTimepoint(clk.Now()),
	}
}

// Wake returns the Signal the Run loop sleeps on, so hosts driving a Manual
// clock can register it as an observer.
func (m *Manager) Wake() *clock.Signal { return m.wake }

// Reviewed returns the most recently resolved Timepoint of the scheduling
// chain; awaiting its Next synchronizes with the following pass.
func (m *Manager) Reviewed() *clock.Timepoint {
	m.tpMu.Lock()
	defer m.tpMu.Unlock()
	return m.reviewed
}

// SubscribeArtifacts registers |fn| to receive every published snapshot.
// Must be called before Run.
func (m *Manager) SubscribeArtifacts(fn func(*Artifacts)) {
	m.artifactSubs = append(m.artifactSubs, fn)
}

// SubscribeCheckin registers |fn| to receive the checkin document whenever
// it changes. Must be called before Run.
func (m *Manager) SubscribeCheckin(fn func(docs []schema.SyncID)) {
	m.checkinSubs = append(m.checkinSubs, fn)
}

// IngestSchemeList builds a scheme list from raw document bytes, stages it
// for the next scheduling pass, and persists it. A parse failure leaves the
// previously accepted list in place.
func (m *Manager) IngestSchemeList(raw []byte) error {
	var list, err = schema.BuildCollectionSchemeList(raw, m.cfg.SchemeListSizeLimit)
	if err != nil {
		documentsRejectedTotal.WithLabelValues("scheme_list").Inc()
		m.logger.Log(log.ErrorLevel, log.Fields{"error": err.Error()},
			"collection scheme list rejected")
		return err
	}

	m.inMu.Lock()
	m.inSchemeList = list
	m.inDirty = true
	m.inMu.Unlock()

	if m.store != nil {
		if err := m.store.Write(persist.KindCollectionSchemeList, "", list.Raw()); err != nil {
			m.logger.Log(log.ErrorLevel, log.Fields{"error": err.Error()},
				"failed to persist collection scheme list")
		}
	}
	m.wake.Notify()
	return nil
}

// IngestDecoderManifest builds a decoder manifest from raw document bytes,
// stages it, and persists it. A parse failure leaves the previously accepted
// manifest in place.
func (m *Manager) IngestDecoderManifest(raw []byte) error {
	var manifest, err = schema.BuildDecoderManifest(raw)
	if err != nil {
		documentsRejectedTotal.WithLabelValues("decoder_manifest").Inc()
		m.logger.Log(log.ErrorLevel, log.Fields{"error": err.Error()},
			"decoder manifest rejected")
		return err
	}

	m.inMu.Lock()
	m.inManifest = manifest
	m.inDirty = true
	m.inMu.Unlock()

	if m.store != nil {
		if err := m.store.Write(persist.KindDecoderManifest, "", manifest.Raw()); err != nil {
			m.logger.Log(log.ErrorLevel, log.Fields{"error": err.Error()},
				"failed to persist decoder manifest")
		}
	}
	m.wake.Notify()
	return nil
}

// RestorePersisted loads the documents accepted in a previous run.
func (m *Manager) RestorePersisted() {
	if m.store == nil {
		return
	}
	if raw, err := m.store.Read(persist.KindDecoderManifest, ""); err == nil {
		if err = m.IngestDecoderManifest(raw); err == nil {
			m.logger.Log(log.InfoLevel, log.Fields{"bytes": len(raw)},
				"restored persisted decoder manifest")
		}
	}
	if raw, err := m.store.Read(persist.KindCollectionSchemeList, ""); err == nil {
		if err = m.IngestSchemeList(raw); err == nil {
			m.logger.Log(log.InfoLevel, log.Fields{"bytes": len(raw)},
				"restored persisted collection scheme list")
		}
	}
}

// Run drives scheduling passes until |ctx| is cancelled, sleeping between
// passes until the next campaign start/expiry or an ingestion.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var now = m.clk.Now()
		m.Review(now)

		var wait = m.cfg.MaxIdleWait
		if next, ok := m.nextWake(); ok {
			if until := time.Duration(next-clock.EpochMs(now)) * time.Millisecond; until < wait {
				wait = until
			}
		}
		if wait > 0 {
			m.wake.Wait(wait)
		}
	}
}

// Review runs one scheduling pass at |now|: it consumes staged documents,
// reclassifies every scheme by its activation window, rebuilds and publishes
// artifacts when the enabled set or decoder changed, and refreshes the
// checkin document. It is idempotent under replay of identical inputs.
func (m *Manager) Review(now time.Time) {
	m.inMu.Lock()
	if m.inDirty {
		if m.inSchemeList != nil {
			m.schemeList = m.inSchemeList
		}
		if m.inManifest != nil {
			m.manifest = m.inManifest
		}
		m.inDirty = false
	}
	m.inMu.Unlock()

	var nowMs = clock.EpochMs(now)
	m.timeline = m.timeline[:0]

	var nextEnabled = make(map[schema.SyncID]*schema.CollectionScheme)
	var nextIdle = make(map[schema.SyncID]*schema.CollectionScheme)

	if m.schemeList != nil && m.manifest != nil {
		for _, scheme := range m.schemeList.Schemes() {
			switch {
			case scheme.ExpiryTimeMs() <= nowMs:
				// Retired (or dead on arrival): dropped entirely.
			case scheme.DecoderManifestID() != m.manifest.SyncID():
				// Wrong manifest: idle, not counted for dictionary purposes.
				nextIdle[scheme.SyncID()] = scheme
			case scheme.StartTimeMs() > nowMs:
				nextIdle[scheme.SyncID()] = scheme
				heap.Push(&m.timeline, timelineEvent{wakeMs: scheme.StartTimeMs(), id: scheme.SyncID()})
			default:
				nextEnabled[scheme.SyncID()] = scheme
				heap.Push(&m.timeline, timelineEvent{wakeMs: scheme.ExpiryTimeMs(), id: scheme.SyncID()})
			}
		}
	}

	m.enabled = nextEnabled
	m.idle = nextIdle
	enabledSchemes.Set(float64(len(m.enabled)))
	idleSchemes.Set(float64(len(m.idle)))

	m.publishIfChanged()
	m.refreshCheckinDoc()

	m.tpMu.Lock()
	var next = m.reviewed.Next
	m.reviewed = next
	m.tpMu.Unlock()
	next.Resolve(now)
}

// contentKey identifies an (enabled set, manifest) combination by content.
func (m *Manager) contentKey() string {
	if m.manifest == nil {
		return ""
	}
	var ids = make([]schema.SyncID, 0, len(m.enabled))
	for id := range m.enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var key = fmt.Sprintf("m:%016x", uint64(m.manifest.Checksum()))
	for _, id := range ids {
		key += fmt.Sprintf("/s:%016x", uint64(m.enabled[id].Checksum()))
	}
	return key
}

// publishIfChanged rebuilds artifacts when the enabled set or decoder
// changed, and publishes the snapshot to subscribers. Snapshots are cached
// by content so replaying an identical scheme list republishes nothing.
func (m *Manager) publishIfChanged() {
	var key = m.contentKey()
	if key == m.published {
		return
	}
	if m.manifest == nil {
		return
	}
	if m.published == "" && len(m.enabled) == 0 {
		// Nothing was ever published and nothing is enabled: subscribers
		// already hold the equivalent empty state.
		m.published = key
		return
	}

	var artifacts, cached = m.cache.Get(key)
	if !cached {
		var ordered = make([]*schema.CollectionScheme, 0, len(m.enabled))
		var ids = make([]schema.SyncID, 0, len(m.enabled))
		for id := range m.enabled {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			ordered = append(ordered, m.enabled[id])
		}
		artifacts = buildArtifacts(ordered, m.manifest, m.logger)
		m.cache.Add(key, artifacts)
	}

	m.published = key
	snapshotsPublishedTotal.Inc()
	m.logger.Log(log.InfoLevel, log.Fields{
		"enabled":    len(m.enabled),
		"idle":       len(m.idle),
		"decoder":    m.manifest.SyncID(),
		"conditions": len(artifacts.Inspection.Conditions),
	}, "published artifact snapshot")

	for _, fn := range m.artifactSubs {
		fn(artifacts)
	}
}

// refreshCheckinDoc recomputes the checkin document (enabled ids, idle ids,
// then the active decoder id) and notifies subscribers when it changed.
func (m *Manager) refreshCheckinDoc() {
	var docs []schema.SyncID
	for id := range m.enabled {
		docs = append(docs, id)
	}
	for id := range m.idle {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	if m.manifest != nil {
		docs = append(docs, m.manifest.SyncID())
	}

	if equalDocs(docs, m.lastCheckin) {
		return
	}
	m.lastCheckin = docs
	for _, fn := range m.checkinSubs {
		fn(append([]schema.SyncID(nil), docs...))
	}
}

func equalDocs(a, b []schema.SyncID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// nextWake returns the earliest pending start or expiry, epoch milliseconds.
func (m *Manager) nextWake() (int64, bool) {
	if len(m.timeline) == 0 {
		return 0, false
	}
	return m.timeline[0].wakeMs, true
}

// timelineEvent is one queued wake: a scheme start or expiry.
type timelineEvent struct {
	wakeMs int64
	id     schema.SyncID
}

type eventQueue []timelineEvent

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool { return q[i].wakeMs < q[j].wakeMs }

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x interface{}) { *q = append(*q, x.(timelineEvent)) }

func (q *eventQueue) Pop() interface{} {
	var old = *q
	var n = len(old)
	var item = old[n-1]
	*q = old[:n-1]
	return item
}
