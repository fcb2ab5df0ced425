package loopguard

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLogger_GatesLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewDefaultLogger(LevelWarn, &buf)
	require.False(t, l.IsEnabled(LevelDebug))
	require.True(t, l.IsEnabled(LevelWarn))
	require.True(t, l.IsEnabled(LevelError))

	l.Log(LogEntry{Level: LevelDebug, Component: "x", Message: "ignored"})
	require.Empty(t, buf.String())

	l.Log(LogEntry{Level: LevelError, Component: "x", Message: "boom", Err: errors.New("broke"), Fields: map[string]any{"k": "v"}})
	out := buf.String()
	require.Contains(t, out, "ERROR")
	require.Contains(t, out, "x")
	require.Contains(t, out, "boom")
	require.Contains(t, out, "k=v")
	require.Contains(t, out, "err=broke")
}

func TestDefaultLogger_SetLevel(t *testing.T) {
	l := NewDefaultLogger(LevelError, nil)
	require.False(t, l.IsEnabled(LevelWarn))
	l.SetLevel(LevelDebug)
	require.True(t, l.IsEnabled(LevelWarn))
}

func TestNoOpLogger_DiscardsEverything(t *testing.T) {
	var n NoOpLogger
	require.False(t, n.IsEnabled(LevelError))
	require.NotPanics(t, func() { n.Log(LogEntry{Level: LevelError, Message: "x"}) })
}

func TestLogLevel_String(t *testing.T) {
	require.Equal(t, "DEBUG", LevelDebug.String())
	require.Equal(t, "INFO", LevelInfo.String())
	require.Equal(t, "WARN", LevelWarn.String())
	require.Equal(t, "ERROR", LevelError.String())
	require.Contains(t, LogLevel(99).String(), "UNKNOWN")
}

func TestLogHelpers_RespectIsEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := NewDefaultLogger(LevelError, &buf)

	logWarn(l, "comp", "should be dropped", nil)
	require.Empty(t, buf.String())

	logError(l, "comp", "reported", errors.New("x"), nil)
	require.Contains(t, buf.String(), "reported")
}
