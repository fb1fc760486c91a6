package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithEvent(New(&buf, "info", "json"), "evt-1")

	logger.Debug("hidden")
	logger.Info("loaded", "total", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "loaded", entry["msg"])
	assert.Equal(t, "evt-1", entry["event_id"])
	assert.Equal(t, float64(3), entry["total"])
}

func TestNewTextIsDefault(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "").Debug("hello")
	assert.Contains(t, buf.String(), "level=DEBUG msg=hello")
}
