package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/chorus/internal/config"
	"github.com/jkaninda/chorus/internal/llm"
	"github.com/jkaninda/chorus/internal/toolkit"
)

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics == nil {
		t.Fatal("metrics should always be created")
	}
	if obs.Health == nil {
		t.Fatal("health checker should always be created")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
}

func TestNew_TracingDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{Tracing: &config.TracingConfig{Enabled: false}}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.TracerOrNil() != nil {
		t.Error("tracer should be nil when disabled")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
}

func TestTracerSetup_NilIsNoop(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil || ts != nil {
		t.Fatalf("expected nil setup for nil config, got: %v %v", ts, err)
	}
	_, span := ts.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes("", WithServiceVersion("1.2.0"), WithInstance("node-a", 4))
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"service.name":        "chorus",
		"service.version":     "1.2.0",
		"service.instance.id": "node-a",
		"chorus.max_parallel": "4",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("expected %s=%s, got: %q", k, v, got[k])
		}
	}

	if n := len(resourceAttributes("svc")); n != 1 {
		t.Fatalf("expected only service.name without options, got: %d", n)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()

	// Vec metrics only appear in Gather after first use.
	m.LLMRequestsTotal.WithLabelValues("test", "success").Inc()
	m.ToolExecutionsTotal.WithLabelValues("web_fetch", "success").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"chorus_llm_requests_total",
		"chorus_tool_executions_total",
		"chorus_http_requests_total",
		"chorus_active_requests",
		"go_goroutines",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("redis", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if got := status.Checks["database"]; got.Status != "fail" || got.Message != "connection refused" {
		t.Errorf("database check = %+v, want fail", got)
	}
	if status.Checks["redis"].Status != "ok" {
		t.Errorf("redis check = %q, want ok", status.Checks["redis"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("database", func(ctx context.Context) error { return errors.New("down") })
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- InstrumentedProvider ---

type mockProvider struct {
	name   string
	resp   *llm.Response
	err    error
	called int
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.called++
	return m.resp, m.err
}

func TestInstrumentedProvider_Success(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{name: "openai", resp: &llm.Response{
		Content: "hi",
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
	}}

	p := NewInstrumentedProvider(inner, metrics, nil)
	resp, err := p.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" || inner.called != 1 {
		t.Fatalf("expected passthrough, got: %+v (%d calls)", resp, inner.called)
	}
	if p.Name() != "openai" {
		t.Errorf("name = %q, want openai", p.Name())
	}

	if v := counterValue(t, metrics.Registry, "chorus_llm_requests_total", prometheus.Labels{"provider": "openai", "status": "success"}); v != 1 {
		t.Errorf("requests = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "chorus_llm_tokens_used_total", prometheus.Labels{"provider": "openai", "direction": "input"}); v != 10 {
		t.Errorf("input tokens = %v, want 10", v)
	}
	if v := counterValue(t, metrics.Registry, "chorus_llm_tokens_used_total", prometheus.Labels{"provider": "openai", "direction": "output"}); v != 5 {
		t.Errorf("output tokens = %v, want 5", v)
	}
}

func TestInstrumentedProvider_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockProvider{name: "anthropic", err: errors.New("overloaded")}

	p := NewInstrumentedProvider(inner, metrics, nil)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected error")
	}
	if v := counterValue(t, metrics.Registry, "chorus_llm_requests_total", prometheus.Labels{"provider": "anthropic", "status": "error"}); v != 1 {
		t.Errorf("error requests = %v, want 1", v)
	}
}

func TestInstrumentedProvider_NilMetrics(t *testing.T) {
	inner := &mockProvider{name: "ollama", resp: &llm.Response{Content: "ok"}}
	p := NewInstrumentedProvider(inner, nil, nil)
	if _, err := p.SendMessage(context.Background(), &llm.Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- InstrumentedInvoker ---

func TestInstrumentTools(t *testing.T) {
	metrics := NewMetricsCollector()
	tools := []toolkit.Tool{
		{ID: "t1", Name: "echo", Invoker: toolkit.Func(func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		})},
		{ID: "t2", Name: "broken", Invoker: toolkit.Func(func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		})},
	}

	wrapped := InstrumentTools(tools, metrics, nil)
	if _, ok := tools[0].Invoker.(*InstrumentedInvoker); ok {
		t.Fatal("expected the input slice to be left untouched")
	}

	out, err := wrapped[0].Invoker.Invoke(context.Background(), map[string]any{"text": "hello"})
	if err != nil || out != "hello" {
		t.Fatalf("expected passthrough, got: %v %v", out, err)
	}
	if _, err := wrapped[1].Invoker.Invoke(context.Background(), nil); err == nil {
		t.Fatal("expected error from broken tool")
	}

	if v := counterValue(t, metrics.Registry, "chorus_tool_executions_total", prometheus.Labels{"tool": "echo", "status": "success"}); v != 1 {
		t.Errorf("echo successes = %v, want 1", v)
	}
	if v := counterValue(t, metrics.Registry, "chorus_tool_executions_total", prometheus.Labels{"tool": "broken", "status": "error"}); v != 1 {
		t.Errorf("broken errors = %v, want 1", v)
	}
}

func TestRouteLabel(t *testing.T) {
	got := RouteLabel("/v1/jobs/0b9f6f5e-3c1a-4e59-8a63-1c2d3e4f5a6b/graph")
	if got != "/v1/jobs/:id/graph" {
		t.Fatalf("expected id placeholder, got: %s", got)
	}
	if RouteLabel("/healthz") != "/healthz" {
		t.Fatal("expected static path unchanged")
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
