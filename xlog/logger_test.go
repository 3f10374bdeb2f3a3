package xlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLoggerWithWriter("leader", WARN, &buf)

	lg.Debug("should not appear")
	lg.Info("should not appear either")
	lg.Warn("visible warning")
	lg.Error("visible error")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "visible warning")
	require.Contains(t, out, "visible error")
	require.True(t, strings.Contains(out, "leader"))
}

func TestLoggerPanicsIncludeMessage(t *testing.T) {
	var buf bytes.Buffer
	lg := NewLoggerWithWriter("appender", CRITICAL, &buf)

	require.PanicsWithValue(t, "fatal condition", func() {
		lg.Panic("fatal condition")
	})
}

func TestNoOpLoggerNeverWrites(t *testing.T) {
	lg := NoOp()
	lg.Debug("x")
	lg.Info("x")
	lg.Warn("x")
	lg.Error("x")
	require.NotPanics(t, func() {
		lg.Infof("no-op %d", 1)
	})
}
