package reasoner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/chorus/internal/domain"
)

// Metrics holds Prometheus metrics for reasoner episodes.
// All metrics use the chorus_reasoner_ prefix. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RoundsTotal        prometheus.Counter
	FunctionCallsTotal *prometheus.CounterVec
	EpisodesTotal      *prometheus.CounterVec
	EpisodeDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers reasoner metrics. Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RoundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "reasoner",
			Name:      "rounds_total",
			Help:      "Total Thinker/Actor rounds executed.",
		}),
		FunctionCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "reasoner",
			Name:      "function_calls_total",
			Help:      "Total tool calls requested by the Actor, by outcome.",
		}, []string{"status"}),
		EpisodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chorus",
			Subsystem: "reasoner",
			Name:      "episodes_total",
			Help:      "Total reasoner episodes by variant and outcome.",
		}, []string{"variant", "status"}),
		EpisodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chorus",
			Subsystem: "reasoner",
			Name:      "episode_duration_seconds",
			Help:      "Reasoner episode duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"variant"}),
	}

	reg.MustRegister(m.RoundsTotal, m.FunctionCallsTotal, m.EpisodesTotal, m.EpisodeDuration)
	return m
}

func (m *Metrics) observeRound() {
	if m == nil {
		return
	}
	m.RoundsTotal.Inc()
}

func (m *Metrics) observeCalls(results []domain.FunctionCallResult) {
	if m == nil {
		return
	}
	for _, r := range results {
		m.FunctionCallsTotal.WithLabelValues(string(r.Status)).Inc()
	}
}

func (m *Metrics) observeEpisode(variant string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EpisodesTotal.WithLabelValues(variant, status).Inc()
	m.EpisodeDuration.WithLabelValues(variant).Observe(d.Seconds())
}
