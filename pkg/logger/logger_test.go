package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSingletonCapture(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(prev) })

	Infof("listening on %s", ":8080")
	Warnw("stale metadata served", "age", "30m")
	Debug("noisy detail")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "listening on :8080", entries[0].Message)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, "stale metadata served", entries[1].Message)
}

func TestDefaultLoggerDoesNotPanic(t *testing.T) {
	// Callers that never ran Initialize still get a working logger.
	assert.NotPanics(t, func() {
		Debugf("default logger %d", 1)
		Info("default logger")
	})
}
