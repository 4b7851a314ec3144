package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewLoggerFromCore(core), logs
}

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, err := NewLogger(LogConfig{Level: LevelInfo, Format: format, OutputPaths: []string{"stdout"}})
		require.NoError(t, err, format)
		assert.NotNil(t, l)
	}
}

func TestNewLogger_BadOutputPath(t *testing.T) {
	l, err := NewLogger(LogConfig{OutputPaths: []string{"/nonexistent-dir/sub/app.log"}})
	assert.Error(t, err)
	assert.Nil(t, l)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestZapLogger_FieldsAreTyped(t *testing.T) {
	l, logs := newObservedLogger(zapcore.DebugLevel)

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	l.Info("case escalated",
		Tenant("t-1"),
		CaseID("c-1"),
		Int("ops", 3),
		Strings("tags", []string{"overdue"}),
		Time("due", ts),
		Duration("elapsed", time.Second),
		Bool("dry_run", false),
	)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "case escalated", entry.Message)
	ctx := entry.ContextMap()
	assert.Equal(t, "t-1", ctx["tenant_id"])
	assert.Equal(t, "c-1", ctx["case_id"])
	assert.EqualValues(t, 3, ctx["ops"])
	assert.Equal(t, ts, ctx["due"])
	assert.Equal(t, time.Second, ctx["elapsed"])
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	l, logs := newObservedLogger(zapcore.WarnLevel)

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e", Err(errors.New("boom")))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "boom", logs.FilterMessage("e").All()[0].ContextMap()["error"])
}

func TestZapLogger_WithAndNamed(t *testing.T) {
	l, logs := newObservedLogger(zapcore.InfoLevel)

	child := l.Named("sweep").With(RunID("r-1"))
	child.Info("started")

	entry := logs.All()[0]
	assert.Equal(t, "sweep", entry.LoggerName)
	assert.Equal(t, "r-1", entry.ContextMap()["run_id"])
}

func TestErr_Nil(t *testing.T) {
	assert.Equal(t, "<nil>", Err(nil).Value)
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Debug("msg")
	l.Info("msg")
	l.Warn("msg")
	l.Error("msg")
	assert.NotNil(t, l.With(String("k", "v")))
	assert.NotNil(t, l.Named("x"))
	assert.NoError(t, l.Sync())
}

func TestDefault(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	l, _ := newObservedLogger(zapcore.InfoLevel)
	SetDefault(nil)
	assert.Equal(t, original, Default())
	SetDefault(l)
	assert.Equal(t, l, Default())
}
