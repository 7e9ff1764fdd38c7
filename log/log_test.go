package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects the root logger into a buffer for the duration of a test.
func capture(t *testing.T, lvl slog.Level) *bytes.Buffer {
	t.Helper()
	prev := Root()
	buf := new(bytes.Buffer)
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(buf, lvl, false)))
	t.Cleanup(func() { SetDefault(prev) })
	return buf
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"TRACE", LevelTrace},
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"crit", LevelCrit},
		{"max", levelMaxVerbosity},
	} {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLevelStrings(t *testing.T) {
	assert.Equal(t, "TRACE", LevelAlignedString(LevelTrace))
	assert.Equal(t, "INFO ", LevelAlignedString(LevelInfo))
	assert.Equal(t, "CRIT ", LevelAlignedString(LevelCrit))
	assert.Equal(t, "error", LevelString(LevelError))
}

func TestTerminalHandlerFormat(t *testing.T) {
	buf := capture(t, LevelTrace)
	Info(JitMonitoring, "compiled block", "location", "{00000100,!T,!E,00000000}", "size", 64)

	out := buf.String()
	assert.Contains(t, out, "INFO ")
	assert.Contains(t, out, "compiled block")
	assert.Contains(t, out, "location={00000100,!T,!E,00000000}")
	assert.Contains(t, out, "size=64")
}

func TestHandlerLevelFiltering(t *testing.T) {
	buf := capture(t, LevelInfo)
	Debug(JitMonitoring, "should be dropped")
	Info(JitMonitoring, "should appear")

	out := buf.String()
	assert.NotContains(t, out, "should be dropped")
	assert.Contains(t, out, "should appear")
}

func TestModuleFiltering(t *testing.T) {
	buf := capture(t, levelMaxVerbosity)

	// register allocator tracing is off by default
	Trace(RegAllocTracing, "ra noise")
	assert.Empty(t, buf.String())

	EnableModule(RegAllocTracing)
	t.Cleanup(func() { DisableModule(RegAllocTracing) })
	Trace(RegAllocTracing, "ra noise")
	assert.Contains(t, buf.String(), "ra noise")
}

func TestModuleFilterOnlyGatesTraceAndDebug(t *testing.T) {
	buf := capture(t, levelMaxVerbosity)
	DisableModule(JitMonitoring)
	t.Cleanup(func() { EnableModule(JitMonitoring) })

	Trace(JitMonitoring, "gated trace")
	Debug(JitMonitoring, "gated debug")
	Warn(JitMonitoring, "always visible")

	out := buf.String()
	assert.NotContains(t, out, "gated trace")
	assert.NotContains(t, out, "gated debug")
	assert.Contains(t, out, "always visible")
}

func TestLoggerWith(t *testing.T) {
	buf := new(bytes.Buffer)
	l := NewLogger(NewTerminalHandlerWithLevel(buf, LevelTrace, false)).With("processor", 0)
	l.Info(MonitorMonitoring, "mark")
	assert.Contains(t, buf.String(), "processor=0")
}
