package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/chorus/internal/llm"
	"github.com/jkaninda/chorus/internal/toolkit"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an LLM provider with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	provider := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "llm.send_message",
			trace.WithAttributes(
				attribute.String("llm.provider", provider),
				attribute.Int("llm.messages", len(req.Messages)),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.SendMessage(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil && resp != nil {
		span.SetAttributes(
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
	}

	if p.metrics != nil {
		p.metrics.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(duration)

		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// --- InstrumentedInvoker ---

// InstrumentedInvoker wraps a toolkit.Invoker with metrics and tracing.
type InstrumentedInvoker struct {
	name    string
	inner   toolkit.Invoker
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedInvoker wraps the invoker of the tool called name.
func NewInstrumentedInvoker(name string, inner toolkit.Invoker, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedInvoker {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedInvoker{name: name, inner: inner, metrics: metrics, tracer: tracer}
}

func (i *InstrumentedInvoker) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var span trace.Span
	if i.tracer != nil {
		ctx, span = i.tracer.Start(ctx, "tool.invoke",
			trace.WithAttributes(attribute.String("tool.name", i.name)))
		defer span.End()
	}

	start := time.Now()
	out, err := i.inner.Invoke(ctx, args)

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if i.metrics != nil {
		i.metrics.ToolExecutionsTotal.WithLabelValues(i.name, status).Inc()
		i.metrics.ToolExecutionDuration.WithLabelValues(i.name).Observe(time.Since(start).Seconds())
	}
	return out, err
}

// InstrumentTools returns copies of tools with instrumented invokers.
func InstrumentTools(tools []toolkit.Tool, metrics *MetricsCollector, ts *TracerSetup) []toolkit.Tool {
	out := make([]toolkit.Tool, len(tools))
	for idx, t := range tools {
		if t.Invoker != nil {
			t.Invoker = NewInstrumentedInvoker(t.Name, t.Invoker, metrics, ts)
		}
		out[idx] = t
	}
	return out
}

// --- Compile-time interface checks ---

var (
	_ llm.Provider    = (*InstrumentedProvider)(nil)
	_ toolkit.Invoker = (*InstrumentedInvoker)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
