package mqttv3

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.Equal(t, "NONE", LogLevelNone.String())
	assert.Equal(t, "UNKNOWN", LogLevel(99).String())

	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"":        LogLevelInfo,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"off":     LogLevelNone,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	logger.Error("ignored", LogFields{"k": 1})

	assert.Equal(t, logger, logger.WithFields(LogFields{"key": "value"}))
	assert.Equal(t, LogLevelNone, logger.Level())
	logger.SetLevel(LogLevelDebug)
	assert.Equal(t, LogLevelDebug, logger.Level())
}

func TestStdLogger(t *testing.T) {
	t.Run("level filtering", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelInfo)

		logger.Debug("debug message", nil)
		logger.Info("info message", nil)
		logger.Error("error message", nil)

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.Contains(t, out, `level=INFO msg="info message"`)
		assert.Contains(t, out, `level=ERROR msg="error message"`)
	})

	t.Run("fields are sorted and merged", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelDebug).WithFields(LogFields{LogFieldDeviceID: "dev1"})

		logger.Info("publish", LogFields{LogFieldTopic: "dev1/messages/json", LogFieldQoS: 1})

		line := strings.TrimSpace(buf.String())
		assert.True(t, strings.HasSuffix(line, `msg="publish" device_id=dev1 qos=1 topic=dev1/messages/json`), line)
	})

	t.Run("none silences everything", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger := NewStdLogger(buf, LogLevelNone)
		logger.Error("x", nil)
		assert.Empty(t, buf.String())
	})
}
