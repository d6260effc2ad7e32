package lib

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel defines the severity of log messages
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured logging for the application.
// Fields are passed as alternating key/value pairs.
type Logger struct {
	level zap.AtomicLevel
	zl    *zap.Logger
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger writing human-readable lines to stderr
func NewLogger(level LogLevel) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		atom,
	)
	return newLogger(zap.New(core), atom)
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *Logger {
	return newLogger(zap.NewNop(), zap.NewAtomicLevel())
}

// NewLoggerFromZap wraps an existing zap logger
func NewLoggerFromZap(zl *zap.Logger) *Logger {
	return newLogger(zl, zap.NewAtomicLevelAt(zapcore.DebugLevel))
}

func newLogger(zl *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{level: level, zl: zl, sugar: zl.Sugar()}
}

// DefaultLogger returns a logger with INFO level
var DefaultLogger = NewLogger(LogLevelInfo)

// Zap exposes the underlying zap logger for typed fields
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// With returns a child logger that always carries the given fields
func (l *Logger) With(fields ...interface{}) *Logger {
	child := l.sugar.With(fields...)
	return &Logger{level: l.level, zl: child.Desugar(), sugar: child}
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...interface{}) {
	l.sugar.Debugw(message, fields...)
}

// Info logs an informational message
func (l *Logger) Info(message string, fields ...interface{}) {
	l.sugar.Infow(message, fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...interface{}) {
	l.sugar.Warnw(message, fields...)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...interface{}) {
	l.sugar.Errorw(message, fields...)
}

// Sync flushes buffered entries
func (l *Logger) Sync() {
	_ = l.zl.Sync()
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// sanitize removes line breaks from caller-supplied values to prevent log spoofing
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	return strings.ReplaceAll(s, "\r", "")
}

// LogRetry logs retry attempts
func LogRetry(logger *Logger, operation string, attempt int, maxAttempts int, err error, delay time.Duration) {
	logger.Zap().Warn("Retry scheduled",
		zap.String("operation", sanitize(operation)),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", maxAttempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}

// LogStageStart logs the start of a pipeline stage
func LogStageStart(logger *Logger, stage string, taskID string) {
	logger.Zap().Info("Stage started",
		zap.String("stage", stage),
		zap.String("task_id", taskID),
	)
}

// LogStageSkipped logs a stage bypassed by its applicability check
func LogStageSkipped(logger *Logger, stage string, taskID string) {
	logger.Zap().Info("Stage skipped",
		zap.String("stage", stage),
		zap.String("task_id", taskID),
	)
}

// LogStageComplete logs the completion of a pipeline stage
func LogStageComplete(logger *Logger, stage string, taskID string, progress int, duration time.Duration) {
	logger.Zap().Info("Stage completed",
		zap.String("stage", stage),
		zap.String("task_id", taskID),
		zap.Int("progress", progress),
		zap.Duration("duration", duration),
	)
}

// LogStageFailed logs a failed pipeline stage
func LogStageFailed(logger *Logger, stage string, taskID string, err error, retryable bool) {
	logger.Zap().Error("Stage failed",
		zap.String("stage", stage),
		zap.String("task_id", taskID),
		zap.Error(err),
		zap.Bool("retryable", retryable),
	)
}

// LogTaskCreated logs task submission
func LogTaskCreated(logger *Logger, taskID string, answers int) {
	logger.Zap().Info("Task created",
		zap.String("task_id", taskID),
		zap.Int("answers", answers),
	)
}

// LogTaskCompleted logs a task reaching a terminal status
func LogTaskCompleted(logger *Logger, taskID string, status string, duration time.Duration) {
	logger.Zap().Info("Task finished",
		zap.String("task_id", taskID),
		zap.String("status", status),
		zap.Duration("duration", duration),
	)
}

// LogServiceCall logs outgoing calls to external services
func LogServiceCall(logger *Logger, service string, endpoint string, method string) {
	logger.Debug(
		"Service call",
		"service", service,
		"endpoint", sanitize(endpoint),
		"method", method,
	)
}

// LogServiceResponse logs external service responses
func LogServiceResponse(logger *Logger, service string, statusCode int, duration time.Duration) {
	if statusCode >= 400 {
		logger.Warn(
			"Service response",
			"service", service,
			"status", statusCode,
			"duration", duration,
		)
	} else {
		logger.Debug(
			"Service response",
			"service", service,
			"status", statusCode,
			"duration", duration,
		)
	}
}

// ParseLogLevel converts a string to LogLevel
func ParseLogLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}
