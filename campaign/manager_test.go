package campaign

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetlab/vantage/clock"
	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/persist"
	"github.com/fleetlab/vantage/schema"
)

const manifestDoc = `{
	"sync_id": "dm-1",
	"frames": {
		"can0": {
			"256": {"length": 8, "signals": [
				{"signal_id": 1, "start_bit": 0, "length": 16},
				{"signal_id": 2, "start_bit": 16, "length": 16},
				{"signal_id": 3, "start_bit": 32, "length": 16}
			]}
		}
	},
	"custom": {
		"1073741825": {"interface": "ext1", "key": "Vehicle.Note", "type": "string"}
	}
}`

func schemeDoc(syncID, manifestID string, startMs, expiryMs int64, extra string) string {
	return fmt.Sprintf(`{
		"sync_id": %q,
		"decoder_manifest_id": %q,
		"start_time": %d,
		"expiry_time": %d,
		"signals": [{"signal_id": 1, "sample_buffer_size": 10}],
		"condition": {"op": "gt", "left": {"signal": 1}, "right": {"num": 100}}
		%s
	}`, syncID, manifestID, startMs, expiryMs, extra)
}

func listDoc(schemes ...string) []byte {
	var out = `{"schemes": [`
	for i, s := range schemes {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return []byte(out + `]}`)
}

type capturedArtifacts struct {
	snapshots []*Artifacts
}

func (c *capturedArtifacts) capture(a *Artifacts) { c.snapshots = append(c.snapshots, a) }

func newTestManager(t *testing.T) (*Manager, *clock.Manual, *capturedArtifacts) {
	t.Helper()
	var clk = clock.NewManual(time.UnixMilli(1_000_000))
	var store, err = persist.NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	var mgr = NewManager(Config{}, clk, ops.NewCaptureLogger(), store)
	var captured = &capturedArtifacts{}
	mgr.SubscribeArtifacts(captured.capture)
	return mgr, clk, captured
}

func TestSchemeLifecycleIdleEnabledRetired(t *testing.T) {
	var mgr, clk, captured = newTestManager(t)
	var base = clock.EpochMs(clk.Now())

	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifestDoc)))
	require.NoError(t, mgr.IngestSchemeList(
		listDoc(schemeDoc("cs-a", "dm-1", base+10, base+50, ""))))

	// now+5: the scheme is idle and nothing has been published.
	clk.Advance(5 * time.Millisecond)
	mgr.Review(clk.Now())
	require.Empty(t, captured.snapshots)
	var next, ok = mgr.nextWake()
	require.True(t, ok)
	require.Equal(t, base+10, next)

	// now+15: enabled; the first snapshot is published.
	clk.Advance(10 * time.Millisecond)
	mgr.Review(clk.Now())
	require.Len(t, captured.snapshots, 1)
	require.Len(t, captured.snapshots[0].Inspection.Conditions, 1)
	require.Equal(t, "cs-a", captured.snapshots[0].Inspection.Conditions[0].CampaignID)

	// Replaying the same review is idempotent.
	mgr.Review(clk.Now())
	require.Len(t, captured.snapshots, 1)

	// now+60: retired; the second (empty) snapshot is published.
	clk.Advance(45 * time.Millisecond)
	mgr.Review(clk.Now())
	require.Len(t, captured.snapshots, 2)
	require.Empty(t, captured.snapshots[1].Inspection.Conditions)

	// Exactly two snapshots over the whole lifecycle.
	mgr.Review(clk.Now())
	require.Len(t, captured.snapshots, 2)
}

func TestDictionaryCoversEnabledSignals(t *testing.T) {
	var mgr, clk, captured = newTestManager(t)
	var base = clock.EpochMs(clk.Now())

	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifestDoc)))
	require.NoError(t, mgr.IngestSchemeList(
		listDoc(schemeDoc("cs-a", "dm-1", base-10, base+1000, ""))))
	mgr.Review(clk.Now())

	require.Len(t, captured.snapshots, 1)
	var dict = captured.snapshots[0].Dictionary
	require.Equal(t, "dm-1", dict.DecoderID)

	// Every signal referenced by the enabled scheme has a dictionary entry.
	for _, spec := range captured.snapshots[0].Inspection.Signals {
		require.True(t, dict.HasSignal(spec.SignalID), "signal %d", spec.SignalID)
	}
	// Unrequired signals are projected away.
	var frame = dict.Frames["can0"][256]
	require.Len(t, frame.Signals, 1)
	require.Equal(t, schema.SignalID(1), frame.Signals[0].SignalID)
}

func TestDecoderSwitchoverKeepsMismatchedSchemesIdle(t *testing.T) {
	var mgr, clk, captured = newTestManager(t)
	var base = clock.EpochMs(clk.Now())

	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifestDoc)))
	require.NoError(t, mgr.IngestSchemeList(listDoc(
		schemeDoc("cs-old", "dm-1", base-10, base+1000, ""),
		schemeDoc("cs-new", "dm-2", base-10, base+1000, ""),
	)))
	mgr.Review(clk.Now())

	require.Len(t, captured.snapshots, 1)
	require.Len(t, captured.snapshots[0].Inspection.Conditions, 1)
	require.Equal(t, "cs-old", captured.snapshots[0].Inspection.Conditions[0].CampaignID)

	// The new manifest arrives: cs-new becomes enabled, cs-old goes idle.
	var manifest2 = `{"sync_id": "dm-2", "frames": {"can0": {"256": {"length": 8,
		"signals": [{"signal_id": 1, "start_bit": 0, "length": 16}]}}}}`
	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifest2)))
	mgr.Review(clk.Now())

	require.Len(t, captured.snapshots, 2)
	require.Len(t, captured.snapshots[1].Inspection.Conditions, 1)
	require.Equal(t, "cs-new", captured.snapshots[1].Inspection.Conditions[0].CampaignID)
}

func TestChangedSchemeContentRepublishes(t *testing.T) {
	var mgr, clk, captured = newTestManager(t)
	var base = clock.EpochMs(clk.Now())

	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifestDoc)))
	require.NoError(t, mgr.IngestSchemeList(
		listDoc(schemeDoc("cs-a", "dm-1", base-10, base+1000, ""))))
	mgr.Review(clk.Now())
	require.Len(t, captured.snapshots, 1)

	// Same sync id, different content: the old scheme is retired and the
	// new definition published.
	require.NoError(t, mgr.IngestSchemeList(
		listDoc(schemeDoc("cs-a", "dm-1", base-10, base+2000, ""))))
	mgr.Review(clk.Now())
	require.Len(t, captured.snapshots, 2)

	// Replaying the identical list does not republish.
	require.NoError(t, mgr.IngestSchemeList(
		listDoc(schemeDoc("cs-a", "dm-1", base-10, base+2000, ""))))
	mgr.Review(clk.Now())
	require.Len(t, captured.snapshots, 2)
}

func TestCheckinDocumentListsEnabledIdleAndDecoder(t *testing.T) {
	var mgr, clk, _ = newTestManager(t)
	var base = clock.EpochMs(clk.Now())

	var docs [][]schema.SyncID
	mgr.SubscribeCheckin(func(d []schema.SyncID) { docs = append(docs, d) })

	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifestDoc)))
	require.NoError(t, mgr.IngestSchemeList(listDoc(
		schemeDoc("cs-active", "dm-1", base-10, base+1000, ""),
		schemeDoc("cs-future", "dm-1", base+500, base+1000, ""),
	)))
	mgr.Review(clk.Now())

	require.Len(t, docs, 1)
	require.Equal(t, []schema.SyncID{"cs-active", "cs-future", "dm-1"}, docs[0])

	// Unchanged state does not re-notify.
	mgr.Review(clk.Now())
	require.Len(t, docs, 1)
}

func TestPersistedDocumentsRestoredOnStartup(t *testing.T) {
	var dir = t.TempDir()
	var clk = clock.NewManual(time.UnixMilli(1_000_000))
	var base = clock.EpochMs(clk.Now())

	var store, err = persist.NewStore(dir, 0)
	require.NoError(t, err)
	var mgr = NewManager(Config{}, clk, ops.NewCaptureLogger(), store)
	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifestDoc)))
	require.NoError(t, mgr.IngestSchemeList(
		listDoc(schemeDoc("cs-a", "dm-1", base-10, base+1000, ""))))

	// A fresh manager over the same store restores both documents.
	store, err = persist.NewStore(dir, 0)
	require.NoError(t, err)
	var restored = NewManager(Config{}, clk, ops.NewCaptureLogger(), store)
	var captured = &capturedArtifacts{}
	restored.SubscribeArtifacts(captured.capture)

	restored.RestorePersisted()
	restored.Review(clk.Now())

	require.Len(t, captured.snapshots, 1)
	require.Len(t, captured.snapshots[0].Inspection.Conditions, 1)
}

func TestRejectedListRetainsPrevious(t *testing.T) {
	var mgr, clk, captured = newTestManager(t)
	var base = clock.EpochMs(clk.Now())

	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifestDoc)))
	require.NoError(t, mgr.IngestSchemeList(
		listDoc(schemeDoc("cs-a", "dm-1", base-10, base+1000, ""))))
	mgr.Review(clk.Now())
	require.Len(t, captured.snapshots, 1)

	require.Error(t, mgr.IngestSchemeList([]byte(`{"schemes": [{"sync_id": ""}]}`)))
	mgr.Review(clk.Now())
	// The previous artifact remains authoritative and nothing republished.
	require.Len(t, captured.snapshots, 1)
}

func TestReviewResolvesTimepointChain(t *testing.T) {
	var mgr, clk, _ = newTestManager(t)

	var tp = mgr.Reviewed()
	clk.Advance(time.Millisecond)
	mgr.Review(clk.Now())

	var resolved = clock.AwaitAfter(tp, clk.Now())
	require.Equal(t, clk.Now(), resolved.Time)
	require.Equal(t, resolved, mgr.Reviewed())
}

func TestExpiredSchemeDroppedOnArrival(t *testing.T) {
	var mgr, clk, captured = newTestManager(t)
	var base = clock.EpochMs(clk.Now())

	require.NoError(t, mgr.IngestDecoderManifest([]byte(manifestDoc)))
	require.NoError(t, mgr.IngestSchemeList(
		listDoc(schemeDoc("cs-dead", "dm-1", base-100, base-50, ""))))
	mgr.Review(clk.Now())

	require.Empty(t, captured.snapshots)
	var _, ok = mgr.nextWake()
	require.False(t, ok)
}
