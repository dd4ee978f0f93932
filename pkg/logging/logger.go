package logging

import (
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns string representation of log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configured level name onto a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Fields represents structured log fields
type Fields map[string]interface{}

type contextKey string

const (
	// RequestIDKey carries the HTTP request id.
	RequestIDKey contextKey = "request_id"
	// RunIDKey carries the collection run id.
	RunIDKey contextKey = "run_id"
)

// WithRunID returns a context that tags every log entry with the run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithRequestID returns a context that tags every log entry with the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// exit terminates the process after a fatal entry has been written
var exit = os.Exit

// exitHook ends the process once zap has written (and synced) a fatal entry
type exitHook struct{}

func (exitHook) OnWrite(*zapcore.CheckedEntry, []zapcore.Field) {
	exit(1)
}

// StructuredLogger provides structured logging with context on top of zap
type StructuredLogger struct {
	zl *zap.Logger
}

// NewStructuredLogger creates a JSON logger writing to stdout
func NewStructuredLogger(service, version string, level LogLevel) *StructuredLogger {
	return newLogger(service, version, level, "json")
}

// NewDevelopmentLogger creates a human readable console logger
func NewDevelopmentLogger(service, version string, level LogLevel) *StructuredLogger {
	return newLogger(service, version, level, "console")
}

func newLogger(service, version string, level LogLevel, encoding string) *StructuredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if encoding == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level.zapLevel())
	hostname, _ := os.Hostname()

	zl := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(2),
		zap.AddStacktrace(zapcore.FatalLevel),
		zap.WithFatalHook(exitHook{}),
	).With(
		zap.String("service", service),
		zap.String("version", version),
		zap.String("hostname", hostname),
	)

	return &StructuredLogger{zl: zl}
}

// NewFromCore wraps an existing zap core. Used by tests with zaptest/observer.
func NewFromCore(core zapcore.Core) *StructuredLogger {
	return &StructuredLogger{
		zl: zap.New(core, zap.AddCallerSkip(2), zap.WithFatalHook(exitHook{})),
	}
}

// NewNop returns a logger that discards everything
func NewNop() *StructuredLogger {
	return &StructuredLogger{zl: zap.NewNop().WithOptions(zap.WithFatalHook(exitHook{}))}
}

// Sync flushes buffered entries
func (l *StructuredLogger) Sync() error {
	return l.zl.Sync()
}

// Debug logs a debug message with structured fields
func (l *StructuredLogger) Debug(ctx context.Context, message string, fields Fields) {
	l.log(ctx, DebugLevel, message, fields, nil)
}

// Info logs an info message with structured fields
func (l *StructuredLogger) Info(ctx context.Context, message string, fields Fields) {
	l.log(ctx, InfoLevel, message, fields, nil)
}

// Warn logs a warning message with structured fields
func (l *StructuredLogger) Warn(ctx context.Context, message string, fields Fields) {
	l.log(ctx, WarnLevel, message, fields, nil)
}

// Error logs an error message with structured fields and error details
func (l *StructuredLogger) Error(ctx context.Context, message string, fields Fields, err error) {
	l.log(ctx, ErrorLevel, message, fields, err)
}

// Fatal logs a fatal message and exits the program
func (l *StructuredLogger) Fatal(ctx context.Context, message string, fields Fields, err error) {
	l.log(ctx, FatalLevel, message, fields, err)
}

func (l *StructuredLogger) log(ctx context.Context, level LogLevel, message string, fields Fields, err error) {
	ce := l.zl.Check(level.zapLevel(), message)
	if ce == nil {
		return
	}

	zf := make([]zap.Field, 0, len(fields)+3)
	if len(fields) > 0 {
		zf = append(zf, zap.Any("fields", map[string]interface{}(fields)))
	}
	if ctx != nil {
		if id, ok := ctx.Value(RequestIDKey).(string); ok {
			zf = append(zf, zap.String("request_id", id))
		}
		if id, ok := ctx.Value(RunIDKey).(string); ok {
			zf = append(zf, zap.String("run_id", id))
		}
	}
	if err != nil {
		zf = append(zf, zap.Error(err))
	}

	ce.Write(zf...)
}

// WithFields creates a new logger with additional fields
func (l *StructuredLogger) WithFields(fields Fields) *ContextLogger {
	return &ContextLogger{
		logger: l,
		fields: fields,
	}
}

// ContextLogger wraps StructuredLogger with additional context fields
type ContextLogger struct {
	logger *StructuredLogger
	fields Fields
}

// Debug logs a debug message with context fields
func (c *ContextLogger) Debug(ctx context.Context, message string, fields Fields) {
	c.logger.Debug(ctx, message, c.mergeFields(fields))
}

// Info logs an info message with context fields
func (c *ContextLogger) Info(ctx context.Context, message string, fields Fields) {
	c.logger.Info(ctx, message, c.mergeFields(fields))
}

// Warn logs a warning message with context fields
func (c *ContextLogger) Warn(ctx context.Context, message string, fields Fields) {
	c.logger.Warn(ctx, message, c.mergeFields(fields))
}

// Error logs an error message with context fields
func (c *ContextLogger) Error(ctx context.Context, message string, fields Fields, err error) {
	c.logger.Error(ctx, message, c.mergeFields(fields), err)
}

// mergeFields merges context fields with provided fields
func (c *ContextLogger) mergeFields(fields Fields) Fields {
	merged := make(Fields, len(c.fields)+len(fields))

	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return merged
}
