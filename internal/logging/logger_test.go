package logging

// file: internal/logging/logger_test.go

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerNeverReturnsNil(t *testing.T) {
	require.NotNil(t, GetLogger("test"))
}

func TestSlogOutputCarriesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	InitLogging(LevelDebug, &buf)

	GetLogger("resolver").Info("frame classified", "format", "protocol", "size", 128)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "frame classified", entry["msg"])
	assert.Equal(t, "resolver", entry["component"])
	assert.Equal(t, "protocol", entry["format"])
	assert.Equal(t, float64(128), entry["size"])
}

func TestSetLevelGatesDebugRecords(t *testing.T) {
	var buf bytes.Buffer
	InitLogging(LevelInfo, &buf)

	assert.False(t, IsDebugEnabled())
	GetLogger("queue").Debug("suppressed")
	assert.Empty(t, buf.Bytes())

	SetLevel(LevelDebug)
	assert.True(t, IsDebugEnabled())
	GetLogger("queue").Debug("emitted")
	assert.NotEmpty(t, buf.Bytes())
}

func TestNoopLoggerIsSafeEverywhere(t *testing.T) {
	l := GetNoopLogger()
	assert.NotPanics(t, func() {
		l.Debug("a")
		l.Info("b", "k", "v")
		l.Warn("c")
		l.Error("d")
		l.WithField("k", "v").Info("e")
	})
}

func TestSetDefaultLoggerIgnoresNil(t *testing.T) {
	prev := defaultLogger
	defer func() { defaultLogger = prev }()

	SetDefaultLogger(nil)
	assert.Equal(t, prev, defaultLogger)
}
