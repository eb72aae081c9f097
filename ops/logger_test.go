package ops

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestWithFieldsMergesAndOverrides(t *testing.T) {
	var capture = NewCaptureLogger()
	var scoped = NewLoggerWithFields(capture, log.Fields{
		"component": "inspection",
		"campaign":  "scheme-1",
	})

	scoped.Log(log.InfoLevel, log.Fields{"signal": 42, "campaign": "other"}, "sample dropped")

	var events = capture.Events()
	require.Len(t, events, 1)
	require.Equal(t, log.InfoLevel, events[0].Level)
	require.Equal(t, "sample dropped", events[0].Message)
	require.Equal(t, "inspection", events[0].Fields["component"])
	require.Equal(t, 42, events[0].Fields["signal"])
	// Scoping fields win on collision.
	require.Equal(t, "scheme-1", events[0].Fields["campaign"])
}

func TestCaptureMatch(t *testing.T) {
	var capture = NewCaptureLogger()
	capture.Log(log.WarnLevel, nil, "quota exceeded")
	capture.Log(log.InfoLevel, nil, "stream appended")
	capture.Log(log.WarnLevel, nil, "quota exceeded")

	require.Len(t, capture.Match("quota exceeded"), 2)
	require.Len(t, capture.Match("missing"), 0)
}
