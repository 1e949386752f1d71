package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "gsnsim-test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}

	_, span := StartSpan(ctx, "node.deliver")
	span.End()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "node.deliver") {
		t.Fatalf("exported spans missing node.deliver: %s", buf.String())
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil)
	if err == nil {
		t.Fatalf("InitTracing with unknown exporter: want error")
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("GSN_TRACING_ENABLED", "TRUE")
	t.Setenv("GSN_TRACING_EXPORTER", "OTLP")
	t.Setenv("GSN_TRACING_SAMPLE_RATIO", "2")
	t.Setenv("GSN_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("TracingConfigFromEnv = %+v", cfg)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio = %v, want default 1", cfg.SampleRatio)
	}
	if cfg.ServiceName != "gsnsim" {
		t.Fatalf("service name = %q, want gsnsim", cfg.ServiceName)
	}
}

func TestInterfaceFilterDropsOtherInterfaces(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
		Interfaces:  []string{"tunnel"},
		Scenario:    "two-serving",
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}

	_, kept := StartSpan(ctx, "tunnel.deliver", InterfaceKey.String("tunnel"))
	kept.End()
	_, dropped := StartSpan(ctx, "radio.deliver", InterfaceKey.String("radio"))
	if dropped.IsRecording() {
		t.Fatalf("radio span recorded with tunnel-only filter")
	}
	dropped.End()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "tunnel.deliver") || strings.Contains(out, "radio.deliver") {
		t.Fatalf("exported spans = %s, want only tunnel.deliver", out)
	}
	if !strings.Contains(out, "two-serving") {
		t.Fatalf("exported resource missing scenario attribute: %s", out)
	}
}

func TestTracingConfigFromEnvInterfaces(t *testing.T) {
	t.Setenv("GSN_TRACING_INTERFACES", " Radio, tunnel ,,")
	cfg := TracingConfigFromEnv()
	if len(cfg.Interfaces) != 2 || cfg.Interfaces[0] != "radio" || cfg.Interfaces[1] != "tunnel" {
		t.Fatalf("interfaces = %q, want [radio tunnel]", cfg.Interfaces)
	}
}
