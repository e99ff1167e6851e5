package logging

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(service string) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewWithCore(service, core), logs
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "stagehand-api"},
		{name: "create logger with empty service name", serviceName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
			if logger.Zap() == nil {
				t.Error("New() zap logger is nil")
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	otel.SetTracerProvider(trace.NewTracerProvider(trace.WithSyncer(exporter)))

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := newObserved("test-service")
			ctx := context.Background()
			if tt.hasTrace {
				newCtx, s := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer s.End()
			}

			entry := logger.WithContext(ctx)
			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want test-service", entry.Service)
			}
			if entry.Fields == nil {
				t.Error("WithContext() Fields should not be nil")
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("WithContext() TraceID should not be empty with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty", entry.TraceID)
			}

			entry.Info("hello")
			got := logs.All()
			if len(got) != 1 {
				t.Fatalf("observed %d entries, want 1", len(got))
			}
			_, hasTraceField := got[0].ContextMap()["trace_id"]
			if hasTraceField != tt.hasTrace {
				t.Errorf("trace_id field present = %v, want %v", hasTraceField, tt.hasTrace)
			}
		})
	}
}

func TestLogEntry_FluentFields(t *testing.T) {
	logger, logs := newObserved("stagehand-worker")

	logger.Plain().
		WithOrganization("org-1").
		WithJob("notification:abc").
		WithQueue("notifications").
		WithEvent("evt-9").
		WithField("attempt", 2).
		WithFields(map[string]any{"template": "invoice-paid"}).
		WithError(errors.New("smtp timeout")).
		Warn("dispatch failed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("observed %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", e.Level)
	}
	if e.Message != "dispatch failed" {
		t.Errorf("message = %q", e.Message)
	}

	ctxMap := e.ContextMap()
	want := map[string]string{
		"service":         "stagehand-worker",
		"organization_id": "org-1",
		"job_id":          "notification:abc",
		"queue":           "notifications",
		"event_id":        "evt-9",
	}
	for k, v := range want {
		if ctxMap[k] != v {
			t.Errorf("field %s = %v, want %q", k, ctxMap[k], v)
		}
	}
	fields, ok := ctxMap["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields = %T, want map", ctxMap["fields"])
	}
	if fields["error"] != "smtp timeout" || fields["template"] != "invoice-paid" || fields["attempt"] != 2 {
		t.Errorf("fields = %v", fields)
	}
}

func TestLogEntry_Levels(t *testing.T) {
	tests := []struct {
		name  string
		log   func(e *LogEntry)
		level zapcore.Level
		msg   string
	}{
		{name: "debug", log: func(e *LogEntry) { e.Debug("d") }, level: zapcore.DebugLevel, msg: "d"},
		{name: "debugf", log: func(e *LogEntry) { e.Debugf("d%d", 1) }, level: zapcore.DebugLevel, msg: "d1"},
		{name: "info", log: func(e *LogEntry) { e.Info("i") }, level: zapcore.InfoLevel, msg: "i"},
		{name: "infof", log: func(e *LogEntry) { e.Infof("i%s", "x") }, level: zapcore.InfoLevel, msg: "ix"},
		{name: "warnf", log: func(e *LogEntry) { e.Warnf("w%d", 2) }, level: zapcore.WarnLevel, msg: "w2"},
		{name: "error", log: func(e *LogEntry) { e.Error("e") }, level: zapcore.ErrorLevel, msg: "e"},
		{name: "errorf", log: func(e *LogEntry) { e.Errorf("e%v", true) }, level: zapcore.ErrorLevel, msg: "etrue"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := newObserved("svc")
			tt.log(logger.Plain())
			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("observed %d entries, want 1", len(entries))
			}
			if entries[0].Level != tt.level || entries[0].Message != tt.msg {
				t.Errorf("got %v %q, want %v %q", entries[0].Level, entries[0].Message, tt.level, tt.msg)
			}
		})
	}
}

func TestLogEntry_EmptyFieldsOmitted(t *testing.T) {
	logger, logs := newObserved("")
	logger.Plain().WithError(nil).Info("bare")

	ctxMap := logs.All()[0].ContextMap()
	for _, k := range []string{"service", "trace_id", "organization_id", "fields"} {
		if _, ok := ctxMap[k]; ok {
			t.Errorf("field %s should be omitted", k)
		}
	}
}
