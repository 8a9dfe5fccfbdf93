package tracing

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// withSentinelProvider installs a no-op provider for the test and restores
// the previous globals afterwards.
func withSentinelProvider(t *testing.T) noop.TracerProvider {
	t.Helper()
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})

	sentinel := noop.NewTracerProvider()
	otel.SetTracerProvider(sentinel)
	return sentinel
}

func TestInitLeavesGlobalsWithoutEndpoint(t *testing.T) {
	sentinel := withSentinelProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "   ")

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if otel.GetTracerProvider() != sentinel {
		t.Fatal("Init() replaced the tracer provider without an endpoint")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitInstallsSDKProvider(t *testing.T) {
	withSentinelProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")
	t.Setenv("OTEL_SERVICE_NAME", "lldrules-test")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("tracer provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}

	fields := otel.GetTextMapPropagator().Fields()
	if !containsField(fields, "traceparent") || !containsField(fields, "baggage") {
		t.Fatalf("propagator fields = %v, want traceparent and baggage", fields)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitRejectsInvalidEndpoint(t *testing.T) {
	sentinel := withSentinelProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://[::1")

	shutdown, err := Init(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid OTLP endpoint") {
		t.Fatalf("Init() error = %v, want invalid OTLP endpoint", err)
	}
	if shutdown != nil {
		t.Fatal("Init() returned a shutdown func on failure")
	}
	if otel.GetTracerProvider() != sentinel {
		t.Fatal("Init() replaced the tracer provider on failure")
	}
}

func TestServiceNameFromEnv(t *testing.T) {
	for raw, want := range map[string]string{
		"":                defaultServiceName,
		"  ":              defaultServiceName,
		" lldrules-east ": "lldrules-east",
	} {
		t.Setenv("OTEL_SERVICE_NAME", raw)
		if got := serviceNameFromEnv(); got != want {
			t.Errorf("serviceNameFromEnv() with %q = %q, want %q", raw, got, want)
		}
	}
}

func TestSamplerFromEnv(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "", want: "AlwaysOnSampler"},
		{raw: "0.25", want: "TraceIDRatioBased{0.25}"},
		{raw: "0", want: "TraceIDRatioBased{0}"},
		{raw: "1.5", want: "AlwaysOnSampler"},
		{raw: "half", want: "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.raw)
			got := samplerFromEnv().Description()
			if !strings.HasPrefix(got, "ParentBased{") || !strings.Contains(got, tt.want) {
				t.Fatalf("samplerFromEnv() = %q, want parent based %s", got, tt.want)
			}
		})
	}
}

func containsField(fields []string, want string) bool {
	for _, field := range fields {
		if field == want {
			return true
		}
	}
	return false
}
