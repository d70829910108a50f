package trigger

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the trigger scheduler.
type Metrics struct {
	Fired        prometheus.Counter
	Succeeded    prometheus.Counter
	Failed       prometheus.Counter
	Missed       prometheus.Counter
	TickDuration prometheus.Histogram
}

// NewMetrics creates and registers trigger metrics.
// Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Fired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "trigger",
			Name:      "fired_total",
			Help:      "Total triggers fired (goal submitted).",
		}),
		Succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "trigger",
			Name:      "succeeded_total",
			Help:      "Total trigger submissions that succeeded.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "trigger",
			Name:      "failed_total",
			Help:      "Total trigger submissions that failed.",
		}),
		Missed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "trigger",
			Name:      "missed_total",
			Help:      "Total triggers skipped because they were outside the missed window.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chorus",
			Subsystem: "trigger",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each poll cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Fired,
		m.Succeeded,
		m.Failed,
		m.Missed,
		m.TickDuration,
	)
	return m
}
