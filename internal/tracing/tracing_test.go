package tracing

import (
	"context"
	"net/http"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "without SERVICE_VERSION", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{name: "hostname wins", hostnameEnv: "relay-01", podNameEnv: "guildhook-worker-abc", expected: "relay-01"},
		{name: "pod name fallback", podNameEnv: "guildhook-worker-abc", expected: "guildhook-worker-abc"},
		{name: "neither set", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostnameEnv)
			t.Setenv("POD_NAME", tt.podNameEnv)
			if tt.hostnameEnv == "" {
				os.Unsetenv("HOSTNAME")
			}
			if tt.podNameEnv == "" {
				os.Unsetenv("POD_NAME")
			}
			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "http prefix", envValue: "http://collector:4318", expected: "collector:4318"},
		{name: "https prefix", envValue: "https://collector:4318", expected: "collector:4318"},
		{name: "bare host", envValue: "otel.monitoring.svc:4318", expected: "otel.monitoring.svc:4318"},
		{name: "unset", envValue: "", expected: "localhost:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetSampleRatio(t *testing.T) {
	tests := []struct {
		env  string
		want float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"7", 1},
		{"nope", 1},
	}
	for _, tt := range tests {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.env)
		if got := getSampleRatio(); got != tt.want {
			t.Errorf("getSampleRatio(%q) = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestInitTracingDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	shutdown, err := InitTracing(context.Background(), "guildhook-test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "deliver", attribute.String("webhook.id", "wh_1"))
	AddSpanEvent(ctx, "http.response", attribute.Int("http.status_code", 500))
	SetSpanError(ctx, context.DeadlineExceeded)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "deliver" {
		t.Errorf("span name = %q, want deliver", got.Name)
	}
	if len(got.Events) < 2 {
		t.Errorf("span events = %d, want the custom event plus the recorded error", len(got.Events))
	}
	if got.Status.Description != context.DeadlineExceeded.Error() {
		t.Errorf("span status = %q", got.Status.Description)
	}
}

func TestGetTraceAndSpanID(t *testing.T) {
	setupTestTracer(t)

	if GetTraceID(context.Background()) != "" || GetSpanID(context.Background()) != "" {
		t.Error("expected empty ids without a span")
	}

	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()

	if len(GetTraceID(ctx)) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", GetTraceID(ctx))
	}
	if len(GetSpanID(ctx)) != 16 {
		t.Errorf("GetSpanID() = %q, want 16 hex chars", GetSpanID(ctx))
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch")
	defer span.End()
	original := GetTraceID(ctx)

	headers := InjectHeaders(ctx)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}

	restored := ExtractHeaders(context.Background(), headers)
	restored, child := StartSpan(restored, "deliver")
	defer child.End()

	if got := GetTraceID(restored); got != original {
		t.Errorf("trace id after round trip = %s, want %s", got, original)
	}
}

func TestExtractHeadersTolerance(t *testing.T) {
	setupTestTracer(t)
	for _, h := range []map[string]string{nil, {}, {"traceparent": "garbage"}} {
		if ctx := ExtractHeaders(context.Background(), h); ctx == nil {
			t.Errorf("ExtractHeaders(%v) returned nil context", h)
		}
	}
}

func TestInjectHTTP(t *testing.T) {
	setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "post")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	if h.Get("Traceparent") == "" {
		t.Errorf("InjectHTTP() did not set traceparent: %v", h)
	}
}

func TestTracerNameConstant(t *testing.T) {
	if TracerName != "github.com/austindbirch/guildhook" {
		t.Errorf("TracerName = %q", TracerName)
	}
}

func TestDeliveryAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "worker.delivery",
		DeliveryAttributes("evt_1", "message.created", "guild:1", "wh_1", 3)...)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		got[kv.Key] = kv.Value
	}
	want := map[attribute.Key]string{
		AttrEventID:   "evt_1",
		AttrEventType: "message.created",
		AttrScope:     "guild:1",
		AttrWebhookID: "wh_1",
	}
	for k, v := range want {
		if got[k].AsString() != v {
			t.Errorf("%s = %q, want %q", k, got[k].AsString(), v)
		}
	}
	if got[AttrAttempt].AsInt64() != 3 {
		t.Errorf("attempt = %d, want 3", got[AttrAttempt].AsInt64())
	}
	if n := len(EventAttributes("e", "t", "s")); n != 3 {
		t.Errorf("EventAttributes returned %d attributes", n)
	}
}
