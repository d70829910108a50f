package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/chorus/internal/domain"
)

// Metrics holds Prometheus metrics for the job graph scheduler.
// All metrics use the chorus_scheduler_ prefix. A nil *Metrics records nothing.
type Metrics struct {
	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	SubJobsTotal    *prometheus.CounterVec
	DispatchesTotal prometheus.Counter
	ActiveSubJobs   prometheus.Gauge
	RewritesTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers scheduler metrics. Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Total root jobs by final status.",
		}, []string{"status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chorus",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Root job duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),

		SubJobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "scheduler",
			Name:      "subjobs_total",
			Help:      "Total subjob completions by evaluator verdict.",
		}, []string{"verdict"}),

		DispatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "scheduler",
			Name:      "dispatches_total",
			Help:      "Total subjob dispatches to experts.",
		}),

		ActiveSubJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chorus",
			Subsystem: "scheduler",
			Name:      "active_subjobs",
			Help:      "Number of currently running subjobs.",
		}),

		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "scheduler",
			Name:      "rewrites_total",
			Help:      "Total graph rewrites by kind (retry, lesson, redecompose).",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.SubJobsTotal,
		m.DispatchesTotal,
		m.ActiveSubJobs,
		m.RewritesTotal,
	)
	return m
}

func (m *Metrics) dispatched() {
	if m == nil {
		return
	}
	m.DispatchesTotal.Inc()
	m.ActiveSubJobs.Inc()
}

func (m *Metrics) completed(v domain.Verdict) {
	if m == nil {
		return
	}
	m.ActiveSubJobs.Dec()
	m.SubJobsTotal.WithLabelValues(string(v)).Inc()
}

func (m *Metrics) rewrite(kind string) {
	if m == nil {
		return
	}
	m.RewritesTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) jobDone(status domain.JobStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(string(status)).Inc()
	m.JobDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}
