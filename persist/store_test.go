package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetlab/vantage/ops"
)

func TestStoreRoundTrip(t *testing.T) {
	var s, err = NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, s.Write(KindDecoderManifest, "", []byte("manifest-bytes")))

	var got []byte
	got, err = s.Read(KindDecoderManifest, "")
	require.NoError(t, err)
	require.Equal(t, []byte("manifest-bytes"), got)
	require.Equal(t, int64(14), s.SizeOf(KindDecoderManifest, ""))

	// Atomic replace.
	require.NoError(t, s.Write(KindDecoderManifest, "", []byte("v2")))
	got, err = s.Read(KindDecoderManifest, "")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Erase(KindDecoderManifest, ""))
	_, err = s.Read(KindDecoderManifest, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreQuota(t *testing.T) {
	var s, err = NewStore(t.TempDir(), 10)
	require.NoError(t, err)

	require.NoError(t, s.Write(KindCollectionSchemeList, "", []byte("12345678")))
	// Replacing the same entry within quota is fine.
	require.NoError(t, s.Write(KindCollectionSchemeList, "", []byte("1234567890")))
	// A second entry would exceed the quota, and the first is retained.
	err = s.Write(KindDecoderManifest, "", []byte("x"))
	require.ErrorIs(t, err, ErrMemoryFull)

	var got, readErr = s.Read(KindCollectionSchemeList, "")
	require.NoError(t, readErr)
	require.Equal(t, []byte("1234567890"), got)
}

func TestStoreQuotaSurvivesRestart(t *testing.T) {
	var dir = t.TempDir()
	var s, err = NewStore(dir, 10)
	require.NoError(t, err)
	require.NoError(t, s.Write(KindDecoderManifest, "", []byte("1234567890")))

	s, err = NewStore(dir, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), s.TotalSize())
	require.ErrorIs(t, s.Write(KindStateTemplateList, "", []byte("y")), ErrMemoryFull)
}

func TestStoreNameFlattening(t *testing.T) {
	var root = t.TempDir()
	var s, err = NewStore(root, 0)
	require.NoError(t, err)

	require.NoError(t, s.Write(KindEdgeToCloudPayload, "../../evil.bin", []byte("p")))
	_, statErr := os.Stat(filepath.Join(root, "edge-to-cloud-payloads", "evil.bin"))
	require.NoError(t, statErr)
}

func TestMetadataMergePatch(t *testing.T) {
	var s, err = NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	require.JSONEq(t, `{}`, string(s.Metadata()))
	require.NoError(t, s.AddMetadata(json.RawMessage(`{"a":1}`)))
	require.NoError(t, s.AddMetadata(json.RawMessage(`{"b":{"c":2}}`)))
	require.JSONEq(t, `{"a":1,"b":{"c":2}}`, string(s.Metadata()))

	// Merge patch removes keys via null.
	require.NoError(t, s.AddMetadata(json.RawMessage(`{"a":null}`)))
	require.JSONEq(t, `{"b":{"c":2}}`, string(s.Metadata()))

	require.NoError(t, s.ClearMetadata())
	require.JSONEq(t, `{}`, string(s.Metadata()))
}

func TestSpoolLifecycle(t *testing.T) {
	var store, err = NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	var spool = NewSpool(store, ops.NewCaptureLogger())

	var name = SpoolName(7, 1234)
	require.Equal(t, "7-1234.bin", name)

	require.NoError(t, spool.StorePayload(name, []byte("payload-a"), true))
	require.NoError(t, spool.StorePayload("8-1300.bin", []byte("payload-b"), false))
	require.Equal(t, []string{"7-1234.bin", "8-1300.bin"}, store.ListPayloads())

	var metas []PayloadMeta
	metas, err = spool.CollectPayloads()
	require.NoError(t, err)
	require.Equal(t, []PayloadMeta{
		{Filename: "7-1234.bin", PayloadSize: 9, CompressionRequired: true},
		{Filename: "8-1300.bin", PayloadSize: 9, CompressionRequired: false},
	}, metas)

	// Collect clears: invariant is that a payload file either has a metadata
	// entry or has been uploaded and deleted.
	metas, err = spool.CollectPayloads()
	require.NoError(t, err)
	require.Empty(t, metas)

	var data []byte
	data, err = spool.RetrievePayload("7-1234.bin")
	require.NoError(t, err)
	require.Equal(t, []byte("payload-a"), data)
	require.NotContains(t, store.ListPayloads(), "7-1234.bin")
}

func TestSpoolRejectsEmptyPayload(t *testing.T) {
	var store, err = NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	var spool = NewSpool(store, ops.NewCaptureLogger())
	require.Error(t, spool.StorePayload("1-1.bin", nil, false))
}
