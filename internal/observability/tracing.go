package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/gsn-simulator/internal/logging"
)

// TracerName is the instrumentation scope of simulator spans.
const TracerName = "github.com/signalsfoundry/gsn-simulator"

// InterfaceKey is the span attribute naming the signalling interface an
// envelope arrived on.
const InterfaceKey = attribute.Key("interface")

// TracingConfig selects the exporter and what gets sampled.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // otlp collector, host:port
	SampleRatio float64

	// Interfaces restricts delivery spans to the named signalling
	// interfaces (radio, tunnel, directory, switch). Empty traces all.
	Interfaces []string

	// Scenario is recorded on the resource so traces of different runs can
	// be told apart.
	Scenario string

	Writer io.Writer // stdout exporter destination; defaults to os.Stdout
}

// TracingConfigFromEnv reads the GSN_TRACING_* and GSN_OTLP_ENDPOINT
// variables.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("GSN_TRACING_ENABLED"), "true"),
		ServiceName: "gsnsim",
		Exporter:    "stdout",
		Endpoint:    os.Getenv("GSN_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if v := os.Getenv("GSN_TRACING_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("GSN_TRACING_EXPORTER"); v != "" {
		cfg.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv("GSN_TRACING_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	for _, iface := range strings.Split(os.Getenv("GSN_TRACING_INTERFACES"), ",") {
		if iface = strings.ToLower(strings.TrimSpace(iface)); iface != "" {
			cfg.Interfaces = append(cfg.Interfaces, iface)
		}
	}
	return cfg
}

// InitTracing installs the global tracer provider and propagators described
// by cfg. The returned function flushes and stops the exporter.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "gsn"),
	}
	if cfg.Scenario != "" {
		attrs = append(attrs, attribute.String("gsn.scenario", cfg.Scenario))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	if len(cfg.Interfaces) > 0 {
		sampler = interfaceSampler{allow: cfg.Interfaces, next: sampler}
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("interfaces", strings.Join(cfg.Interfaces, ",")),
		logging.String("sampler", sampler.Description()),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	}
	return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
}

// interfaceSampler drops root spans carrying an interface attribute outside
// allow and defers everything else to next.
type interfaceSampler struct {
	allow []string
	next  sdktrace.Sampler
}

func (s interfaceSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, kv := range p.Attributes {
		if kv.Key == InterfaceKey && !slices.Contains(s.allow, strings.ToLower(kv.Value.AsString())) {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.Drop,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return s.next.ShouldSample(p)
}

func (s interfaceSampler) Description() string {
	return fmt.Sprintf("interfaces{%s}/%s", strings.Join(s.allow, ","), s.next.Description())
}

// ShutdownWithTimeout runs shutdown with a five second bound and logs a
// failure instead of returning it.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

// StartSpan starts an internal span on the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
