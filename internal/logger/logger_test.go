package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, INFO, "text", "test")

	tests := []struct {
		name     string
		logFunc  func(msg string, args ...any)
		message  string
		wantLog  bool
		contains string
	}{
		{
			name:     "Debug message below INFO level",
			logFunc:  log.Debug,
			message:  "debug message",
			wantLog:  false,
			contains: "level=DEBUG",
		},
		{
			name:     "Info message at INFO level",
			logFunc:  log.Info,
			message:  "info message",
			wantLog:  true,
			contains: "level=INFO",
		},
		{
			name:     "Warning message above INFO level",
			logFunc:  log.Warn,
			message:  "warning message",
			wantLog:  true,
			contains: "level=WARN",
		},
		{
			name:     "Error message above INFO level",
			logFunc:  log.Error,
			message:  "error message",
			wantLog:  true,
			contains: "level=ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc(tt.message, "key", "value")

			output := buf.String()
			if tt.wantLog {
				assert.Contains(t, output, tt.contains, "log should contain level marker")
				assert.Contains(t, output, tt.message, "log should contain message")
				assert.Contains(t, output, "component=test", "log should contain component")
				assert.Contains(t, output, "key=value")
			} else {
				assert.Empty(t, output, "log should be empty")
			}
		})
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, DEBUG, "json", "catalog")
	log.WithError(errors.New("connection refused")).Debug("refresh failed", "entries", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "refresh failed", entry["msg"])
	assert.Equal(t, "catalog", entry["component"])
	assert.Equal(t, "connection refused", entry["error"])
	assert.Equal(t, float64(3), entry["entries"])
}

func TestLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, ERROR, "text", "test")
	child := log.WithComponent("child")

	child.Info("hidden")
	assert.Empty(t, buf.String())

	log.SetLevel(DEBUG)
	child.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.True(t, child.Enabled(DEBUG))
}

func TestLoggerWithComponent(t *testing.T) {
	logger := GetLogger().WithComponent("test-component")
	assert.Equal(t, "test-component", logger.component)
}

func TestLoggerWithErrorNil(t *testing.T) {
	log := GetLogger()
	assert.Same(t, log, log.WithError(nil))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"unknown", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), tt.input)
	}
}

func TestLogLevelNames(t *testing.T) {
	assert.Equal(t, "DEBUG", DEBUG.String())
	assert.Equal(t, "INFO", INFO.String())
	assert.Equal(t, "WARN", WARN.String())
	assert.Equal(t, "ERROR", ERROR.String())
	assert.Equal(t, "FATAL", FATAL.String())
}

func TestConfigureReplacesDefault(t *testing.T) {
	var buf bytes.Buffer
	l := Configure(&buf, INFO, "text", "gateway")
	assert.Same(t, l, GetLogger())

	GetLogger().Info("hello")
	assert.True(t, strings.Contains(buf.String(), "component=gateway"))
}
