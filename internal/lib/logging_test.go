package lib_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/gradeflow/internal/lib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger(level zapcore.Level) (*lib.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return lib.NewLoggerFromZap(zap.New(core)), logs
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, lib.LogLevelDebug, lib.ParseLogLevel("debug"))
	assert.Equal(t, lib.LogLevelInfo, lib.ParseLogLevel("info"))
	assert.Equal(t, lib.LogLevelWarn, lib.ParseLogLevel("WARN"))
	assert.Equal(t, lib.LogLevelWarn, lib.ParseLogLevel("warning"))
	assert.Equal(t, lib.LogLevelError, lib.ParseLogLevel("error"))
	assert.Equal(t, lib.LogLevelInfo, lib.ParseLogLevel("verbose"))
}

func TestLogStageHelpers(t *testing.T) {
	logger, logs := observedLogger(zapcore.DebugLevel)

	lib.LogStageStart(logger, "Score", "task-1")
	lib.LogStageComplete(logger, "Score", "task-1", 90, time.Second)
	lib.LogStageFailed(logger, "Score", "task-1", errors.New("boom"), true)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "Stage started", entries[0].Message)
	assert.Equal(t, "task-1", entries[0].ContextMap()["task_id"])
	assert.Equal(t, int64(90), entries[1].ContextMap()["progress"])
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.Equal(t, true, entries[2].ContextMap()["retryable"])
}

func TestLogRetry_StripsLineBreaks(t *testing.T) {
	logger, logs := observedLogger(zapcore.DebugLevel)

	lib.LogRetry(logger, "Score\nINFO fake line", 1, 3, errors.New("503"), time.Millisecond)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "ScoreINFO fake line", logs.All()[0].ContextMap()["operation"])
}

func TestLogger_With(t *testing.T) {
	logger, logs := observedLogger(zapcore.InfoLevel)

	logger.With("task_id", "abc").Info("hello", "n", 1)
	logger.Debug("filtered")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "abc", fields["task_id"])
	assert.Equal(t, int64(1), fields["n"])
}

func TestNewNopLogger(t *testing.T) {
	logger := lib.NewNopLogger()
	assert.NotPanics(t, func() {
		logger.Info("nothing")
		logger.SetLevel(lib.LogLevelDebug)
		logger.Sync()
	})
}
