package telemetry

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  slog.Level
	}{
		{"debug", "debug", slog.LevelDebug},
		{"info default", "", slog.LevelInfo},
		{"warn", "warn", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"unknown falls back to info", "bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.level))
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	jsonLogger := NewLogger("json", "info")
	require.NotNil(t, jsonLogger)

	textLogger := NewLogger("text", "info")
	require.NotNil(t, textLogger)
}

func TestSlogJSONHandlerWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("orchestrator pass complete", "decisions", 3)
	assert.Contains(t, buf.String(), "orchestrator pass complete")
	assert.Contains(t, buf.String(), "decisions")
}

func TestAllReturnsEveryCollector(t *testing.T) {
	collectors := All()
	assert.Len(t, collectors, 16)
}

func TestNewMetricsRegistryRegistersWithoutPanic(t *testing.T) {
	require.NotPanics(t, func() {
		reg := NewMetricsRegistry(All()...)
		require.NotNil(t, reg)
	})
}
