package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewZapLogger(t *testing.T) {
	t.Run("creates with default config", func(t *testing.T) {
		l, err := NewZapLogger(nil)
		require.NoError(t, err)
		assert.NotNil(t, l)
	})

	t.Run("json format", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l, err := NewZapLogger(&Config{Level: "debug", Format: "json", Output: buf})
		require.NoError(t, err)

		l.Info("plugin loaded", zap.String("channel", "epay"))
		require.NoError(t, l.Sync())

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "plugin loaded", entry["msg"])
		assert.Equal(t, "epay", entry["channel"])
		assert.Equal(t, "info", entry["level"])
	})

	t.Run("text format", func(t *testing.T) {
		buf := &bytes.Buffer{}
		l, err := NewZapLogger(&Config{Level: "info", Format: "text", Output: buf})
		require.NoError(t, err)

		l.Info("test message")
		output := buf.String()
		assert.Contains(t, output, "test message")
		assert.False(t, strings.HasPrefix(output, "{"))
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := NewZapLogger(&Config{Level: "loud"})
		assert.Error(t, err)
	})
}

func TestNewZapLogger_LevelFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	l, err := NewZapLogger(&Config{Level: "warn", Format: "json", Output: buf})
	require.NoError(t, err)

	l.Info("hidden")
	l.Debug("hidden")
	assert.Empty(t, buf.String())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestContext(t *testing.T) {
	t.Run("ContextWithLogger and FromContext", func(t *testing.T) {
		l := zap.NewExample()
		ctx := ContextWithLogger(context.Background(), l)
		assert.Same(t, l, FromContext(ctx))
	})

	t.Run("FromContext returns nop when not set", func(t *testing.T) {
		assert.NotNil(t, FromContext(context.Background()))
	})

	t.Run("OrNop", func(t *testing.T) {
		assert.NotNil(t, OrNop(nil))
	})
}
