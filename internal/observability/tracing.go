package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/chorus/internal/config"
)

// TracerSetup holds the OTel TracerProvider and a named tracer.
type TracerSetup struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TracerOption adds resource attributes to every exported span.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	version  string
	instance string
	workers  int
}

// WithServiceVersion records the build version as service.version.
func WithServiceVersion(v string) TracerOption {
	return func(o *tracerOptions) { o.version = v }
}

// WithInstance records the orchestrator instance id and its max_parallel.
func WithInstance(id string, maxParallel int) TracerOption {
	return func(o *tracerOptions) {
		o.instance = id
		o.workers = maxParallel
	}
}

// resourceAttributes builds the span resource for a Chorus process.
func resourceAttributes(serviceName string, opts ...TracerOption) []attribute.KeyValue {
	var o tracerOptions
	for _, opt := range opts {
		opt(&o)
	}
	if serviceName == "" {
		serviceName = "chorus"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if o.version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(o.version))
	}
	if o.instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(o.instance))
	}
	if o.workers > 0 {
		attrs = append(attrs, attribute.Int("chorus.max_parallel", o.workers))
	}
	return attrs
}

// NewTracerSetup creates an OTel TracerProvider with an OTLP exporter.
func NewTracerSetup(cfg *config.TracingConfig, opts ...TracerOption) (*TracerSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	ctx := context.Background()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "chorus"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(resourceAttributes(serviceName, opts...)...),
		resource.WithProcessRuntimeVersion(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // "grpc" or empty
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	return &TracerSetup{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
	}, nil
}

// SetGlobal installs the provider as the global OTel provider, which the
// reasoner's package-level tracer delegates to.
func (t *TracerSetup) SetGlobal() {
	if t == nil || t.provider == nil {
		return
	}
	otel.SetTracerProvider(t.provider)
}

// Tracer returns the named tracer for creating spans.
func (t *TracerSetup) Tracer() trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return t.tracer
}

// Shutdown flushes any pending spans and shuts down the TracerProvider.
func (t *TracerSetup) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
