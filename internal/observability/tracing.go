package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cityflux/traffic-replanner/internal/logging"
)

// tracerName identifies the instrumentation scope on every span the
// orchestrator emits.
const tracerName = "github.com/cityflux/traffic-replanner"

// TracingConfig governs span export for the orchestrator process. Tracing is
// opt-in; a disabled config installs a noop provider so instrumented call
// sites stay free.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string  // "stdout" or "otlp"
	Endpoint    string  // OTLP collector address, host:port
	SampleRatio float64 // 0..1, parent-based
}

// TracingConfigFromEnv reads the ORCH_TRACING_* environment variables.
func TracingConfigFromEnv() TracingConfig {
	return TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("ORCH_TRACING_ENABLED"), "true"),
		ServiceName: envOr("ORCH_TRACING_SERVICE_NAME", "traffic-replanner"),
		Exporter:    strings.ToLower(envOr("ORCH_TRACING_EXPORTER", "stdout")),
		Endpoint:    os.Getenv("ORCH_OTLP_ENDPOINT"),
		SampleRatio: envRatio("ORCH_TRACING_SAMPLE_RATIO", 1.0),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envRatio(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return fallback
	}
	return parsed
}

// Tracing holds the installed provider so the process can flush spans on the
// way out.
type Tracing struct {
	provider *sdktrace.TracerProvider
	log      logging.Logger
}

// StartTracing installs the global tracer provider and propagators. The
// returned handle is never nil on success; Close on a disabled handle is a
// no-op.
func StartTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (*Tracing, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		log.Info(ctx, "tracing disabled")
		return &Tracing{log: log}, nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceNamespace("cityflux"),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return &Tracing{provider: provider, log: log}, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}

// Close flushes buffered spans. Export errors are logged, not returned; span
// loss at shutdown is not worth failing the process over.
func (t *Tracing) Close(ctx context.Context) {
	if t == nil || t.provider == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		t.log.Warn(ctx, "tracing shutdown failed", logging.String("error", err.Error()))
	}
}

// StartOracleSpan opens a span covering one oracle round trip, including
// retries. EndOracleSpan records the terminal state.
func StartOracleSpan(ctx context.Context, jobID, agentID, trigger string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "oracle.propose_chain",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.trigger", trigger),
			attribute.String("agent.id", agentID),
		))
}

// EndOracleSpan closes an oracle span with the job's resolved state.
func EndOracleSpan(span trace.Span, state string, attempts int, err error) {
	span.SetAttributes(
		attribute.String("job.state", state),
		attribute.Int("job.attempts", attempts),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
