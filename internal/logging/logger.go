package logging

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/stagehand/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// LogEntry is a structured log line under construction.
type LogEntry struct {
	Time           time.Time
	Level          LogLevel
	Message        string
	Service        string
	TraceID        string
	OrganizationID string
	JobID          string
	Queue          string
	EventID        string
	Fields         map[string]any

	base *zap.Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	base    *zap.Logger
}

// New creates a JSON logger on stdout for the given service.
func New(service string) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stdout),
		levelFromEnv(),
	)
	return NewWithCore(service, core)
}

// NewWithCore builds a Logger on an arbitrary zap core (tests use zaptest/observer).
func NewWithCore(service string, core zapcore.Core) *Logger {
	return &Logger{service: service, base: zap.New(core)}
}

// Zap exposes the underlying logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// Sync flushes buffered output.
func (l *Logger) Sync() {
	_ = l.base.Sync()
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		base:    l.base,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	return l.entry().WithTraceID(tracing.GetTraceID(ctx))
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

func (e *LogEntry) WithOrganization(organizationID string) *LogEntry {
	e.OrganizationID = organizationID
	return e
}

func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.JobID = jobID
	return e
}

func (e *LogEntry) WithQueue(queue string) *LogEntry {
	e.Queue = queue
	return e
}

func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.log(LevelDebug, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) { e.log(LevelInfo, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) { e.log(LevelWarn, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.log(LevelFatal, message) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.log(LevelFatal, fmt.Sprintf(format, args...))
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output hands the entry to zap; fatal entries exit the process after writing.
func (e *LogEntry) output() {
	base := e.base
	if base == nil {
		base = defaultLogger.base
	}
	ce := base.Check(e.Level.zapLevel(), e.Message)
	if ce == nil {
		return
	}
	ce.Time = e.Time
	ce.Write(e.zapFields()...)
}

func (e *LogEntry) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, 6+len(e.Fields))
	if e.Service != "" {
		fields = append(fields, zap.String("service", e.Service))
	}
	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if e.OrganizationID != "" {
		fields = append(fields, zap.String("organization_id", e.OrganizationID))
	}
	if e.JobID != "" {
		fields = append(fields, zap.String("job_id", e.JobID))
	}
	if e.Queue != "" {
		fields = append(fields, zap.String("queue", e.Queue))
	}
	if e.EventID != "" {
		fields = append(fields, zap.String("event_id", e.EventID))
	}
	if len(e.Fields) > 0 {
		fields = append(fields, zap.Any("fields", e.Fields))
	}
	return fields
}

func levelFromEnv() zapcore.Level {
	lvl, err := zapcore.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
