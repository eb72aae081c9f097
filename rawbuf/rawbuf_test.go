package rawbuf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetlab/vantage/ops"
	"github.com/fleetlab/vantage/schema"
)

const sigA = schema.SignalID(0x40000001)
const sigB = schema.SignalID(0x40000002)

func newTestManager(maxBytes int64, configs ...schema.RawBufferSignalConfig) *Manager {
	var m = NewManager(Config{MaxBytes: maxBytes}, ops.NewCaptureLogger())
	m.Reconfigure(configs)
	return m
}

func TestPushBorrowRelease(t *testing.T) {
	var m = newTestManager(1024, schema.RawBufferSignalConfig{SignalID: sigA})

	var h = m.Push(sigA, []byte("hello"), 10)
	require.NotEqual(t, schema.InvalidRawHandle, h)
	require.True(t, m.IncreaseUsage(h, StageInHistory))
	require.Equal(t, []byte("hello"), m.Borrow(h))
	require.Equal(t, int64(5), m.TotalBytes())

	m.DecreaseUsage(h, StageInHistory)
	require.Nil(t, m.Borrow(h))
	require.Equal(t, int64(0), m.TotalBytes())

	// Further decreases of a freed handle are no-ops.
	m.DecreaseUsage(h, StageInHistory)
}

func TestUnconfiguredSignalRejected(t *testing.T) {
	var m = newTestManager(1024)
	require.Equal(t, schema.InvalidRawHandle, m.Push(sigA, []byte("x"), 1))
}

func TestStagedCountsProtectUploads(t *testing.T) {
	var m = newTestManager(10, schema.RawBufferSignalConfig{SignalID: sigA})

	var h1 = m.Push(sigA, []byte("aaaaa"), 1)
	require.True(t, m.IncreaseUsage(h1, StageInHistory))
	require.True(t, m.IncreaseUsage(h1, StageSelectedForUpload))

	var h2 = m.Push(sigA, []byte("bbbbb"), 2)
	require.True(t, m.IncreaseUsage(h2, StageInHistory))

	// h1 is uploading, h2 is history-only: the next push evicts h2.
	var h3 = m.Push(sigA, []byte("ccccc"), 3)
	require.NotEqual(t, schema.InvalidRawHandle, h3)
	require.Nil(t, m.Borrow(h2))
	require.Equal(t, []byte("aaaaa"), m.Borrow(h1))

	// Protect h3 too: now nothing is evictable and pushes are rejected.
	require.True(t, m.IncreaseUsage(h3, StageHandedToSender))
	require.Equal(t, schema.InvalidRawHandle, m.Push(sigA, []byte("ddddd"), 4))

	// Finish the uploads; the arena drains to the history-only state.
	m.DecreaseUsage(h1, StageSelectedForUpload)
	m.DecreaseUsage(h1, StageInHistory)
	require.Nil(t, m.Borrow(h1))

	var counts, ok = m.UsageOf(h3)
	require.True(t, ok)
	require.Equal(t, [3]int{0, 0, 1}, counts)
}

func TestPerSignalByteCap(t *testing.T) {
	var m = newTestManager(1024,
		schema.RawBufferSignalConfig{SignalID: sigA, MaxBytes: 8},
		schema.RawBufferSignalConfig{SignalID: sigB},
	)

	// A value larger than the signal cap is rejected outright.
	require.Equal(t, schema.InvalidRawHandle, m.Push(sigA, make([]byte, 9), 1))

	var h1 = m.Push(sigA, make([]byte, 5), 1)
	require.True(t, m.IncreaseUsage(h1, StageInHistory))
	// Within the global cap but over the signal cap: h1 is evicted.
	var h2 = m.Push(sigA, make([]byte, 5), 2)
	require.NotEqual(t, schema.InvalidRawHandle, h2)
	require.Nil(t, m.Borrow(h1))

	// Other signals are unaffected by sigA's cap.
	require.NotEqual(t, schema.InvalidRawHandle, m.Push(sigB, make([]byte, 100), 3))
}

func TestMaxSamplesCap(t *testing.T) {
	var m = newTestManager(1024,
		schema.RawBufferSignalConfig{SignalID: sigA, MaxSamples: 2})

	var h1 = m.Push(sigA, []byte("1"), 1)
	m.IncreaseUsage(h1, StageInHistory)
	var h2 = m.Push(sigA, []byte("2"), 2)
	m.IncreaseUsage(h2, StageInHistory)
	var h3 = m.Push(sigA, []byte("3"), 3)
	require.NotEqual(t, schema.InvalidRawHandle, h3)

	require.Equal(t, 2, m.SampleCount(sigA))
	require.Nil(t, m.Borrow(h1))
	require.Equal(t, []byte("2"), m.Borrow(h2))
}

func TestReconfigureReleasesRetiredSignals(t *testing.T) {
	var m = newTestManager(1024,
		schema.RawBufferSignalConfig{SignalID: sigA},
		schema.RawBufferSignalConfig{SignalID: sigB},
	)
	var hA = m.Push(sigA, []byte("aa"), 1)
	m.IncreaseUsage(hA, StageInHistory)
	var hB = m.Push(sigB, []byte("bb"), 1)
	m.IncreaseUsage(hB, StageInHistory)

	m.Reconfigure([]schema.RawBufferSignalConfig{{SignalID: sigB}})

	require.Nil(t, m.Borrow(hA))
	require.Equal(t, []byte("bb"), m.Borrow(hB))
	require.Equal(t, int64(2), m.TotalBytes())
}
