// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and health checks for Chorus.
// Tracing is optional and nil-safe: when disabled, wrappers skip span
// creation with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/chorus/internal/config"
)

// Observability is the top-level facade holding all observability components.
// Tracer is nil when tracing is disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability instance from config. A nil config still
// yields metrics and a health checker; only tracing needs to be enabled.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger, opts ...TracerOption) (*Observability, error) {
	obs := &Observability{
		Metrics: NewMetricsCollector(),
		Health:  NewHealthChecker(logger),
	}

	if cfg != nil && cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, opts...)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		ts.SetGlobal()
		obs.Tracer = ts
	}

	return obs, nil
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup or nil if tracing is disabled.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}
