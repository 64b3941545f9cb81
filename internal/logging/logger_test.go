package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { SetOutput(os.Stdout) })
	return buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out); err != nil {
		t.Fatalf("output is not a single JSON line: %v (%q)", err, buf.String())
	}
	return out
}

func TestNew(t *testing.T) {
	for _, name := range []string{"guildhook-worker", "", "guildhook-ingest-v2.1.3"} {
		logger := New(name)
		if logger == nil {
			t.Fatal("New() returned nil logger")
		}
		if logger.service != name {
			t.Errorf("New() service = %q, want %q", logger.service, name)
		}
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
			ctx := context.Background()
			if tt.hasTrace {
				newCtx, s := otel.Tracer("test").Start(ctx, "op")
				defer s.End()
				ctx = newCtx
			}

			before := time.Now().UTC()
			entry := New("svc").WithContext(ctx)

			if entry.Time.Before(before) {
				t.Errorf("WithContext() Time %v before %v", entry.Time, before)
			}
			if entry.Fields == nil {
				t.Error("WithContext() Fields should not be nil")
			}
			if tt.hasTrace && (entry.TraceID == "" || entry.SpanID == "") {
				t.Errorf("WithContext() ids = %q/%q, want both set", entry.TraceID, entry.SpanID)
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	entry := New("svc").Plain().
		WithTraceID("trace-1").
		WithScope("guild:42").
		WithEvent("evt_1").
		WithWebhook("wh_1").
		WithAttempt(3).
		WithField("status", 503).
		WithFields(map[string]any{"reason": "http_5xx"}).
		WithError(errors.New("boom")).
		WithError(nil)

	if entry.TraceID != "trace-1" || entry.Scope != "guild:42" || entry.EventID != "evt_1" ||
		entry.WebhookID != "wh_1" || entry.Attempt != 3 {
		t.Errorf("fluent setters did not apply: %+v", entry)
	}
	if entry.Fields["status"] != 503 || entry.Fields["reason"] != "http_5xx" || entry.Fields["error"] != "boom" {
		t.Errorf("fields = %v", entry.Fields)
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name      string
		logFn     func(*LogEntry)
		wantLevel string
		wantMsg   string
	}{
		{"Debug", func(e *LogEntry) { e.Debug("debug message") }, "debug", "debug message"},
		{"Debugf", func(e *LogEntry) { e.Debugf("debug %s %d", "formatted", 123) }, "debug", "debug formatted 123"},
		{"Info", func(e *LogEntry) { e.Info("info message") }, "info", "info message"},
		{"Infof", func(e *LogEntry) { e.Infof("info %s", "formatted") }, "info", "info formatted"},
		{"Warn", func(e *LogEntry) { e.Warn("warn message") }, "warn", "warn message"},
		{"Warnf", func(e *LogEntry) { e.Warnf("warn %d", 456) }, "warn", "warn 456"},
		{"Error", func(e *LogEntry) { e.Error("error message") }, "error", "error message"},
		{"Errorf", func(e *LogEntry) { e.Errorf("error %v", true) }, "error", "error true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureOutput(t)
			tt.logFn(New("guildhook-test").Plain().WithWebhook("wh_9").WithField("k", "v"))

			got := decodeLine(t, buf)
			if got["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %q", got["level"], tt.wantLevel)
			}
			if got["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %q", got["message"], tt.wantMsg)
			}
			if got["service"] != "guildhook-test" || got["webhook_id"] != "wh_9" {
				t.Errorf("correlation fields missing: %v", got)
			}
			fields, _ := got["fields"].(map[string]any)
			if fields["k"] != "v" {
				t.Errorf("fields = %v", got["fields"])
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t)
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	New("svc").Plain().Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info written below warn level: %q", buf.String())
	}
	New("svc").Plain().Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn not written: %q", buf.String())
	}
}

func TestEmptyCorrelationFieldsOmitted(t *testing.T) {
	buf := captureOutput(t)
	New("svc").Plain().Info("bare")

	got := decodeLine(t, buf)
	for _, key := range []string{"trace_id", "scope", "event_id", "webhook_id", "attempt", "fields"} {
		if _, ok := got[key]; ok {
			t.Errorf("unexpected key %q in %v", key, got)
		}
	}
}

func TestGlobalFunctions(t *testing.T) {
	SetDefaultService("guildhook-global")
	defer SetDefaultService("guildhook")

	for _, e := range []*LogEntry{WithContext(context.Background()), WithFields(map[string]any{"a": 1}), Plain()} {
		if e.Service != "guildhook-global" {
			t.Errorf("Service = %q, want guildhook-global", e.Service)
		}
	}
}

func TestSetup(t *testing.T) {
	defer SetOutput(os.Stdout)
	defer zerolog.SetGlobalLevel(zerolog.DebugLevel)

	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "stdout json", opts: Options{Level: "info", Format: "json", Output: "stdout"}},
		{name: "console", opts: Options{Level: "debug", Format: "console"}},
		{name: "file", opts: Options{Level: "warn", Output: "file", FilePath: filepath.Join(t.TempDir(), "logs", "relay.log"), MaxSizeMB: 1}},
		{name: "file without path", opts: Options{Output: "file"}, wantErr: true},
		{name: "bad level", opts: Options{Level: "loud"}, wantErr: true},
		{name: "bad output", opts: Options{Output: "syslog"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Setup(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("Setup() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
