// Package metrics exposes Prometheus instruments for the build pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/eztheme/builder/internal/pipeline"
)

// Metrics groups the pipeline's collectors and observes pipeline runs.
type Metrics struct {
	BuildsFinished         *prometheus.CounterVec
	StageDuration          *prometheus.HistogramVec
	UnresolvedPlaceholders prometheus.Counter
	InFlight               prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BuildsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "builds_finished_total",
			Help: "Build runs that reached a terminal status.",
		}, []string{"status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "build_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
		}, []string{"stage"}),
		UnresolvedPlaceholders: f.NewCounter(prometheus.CounterOpts{
			Name: "build_unresolved_placeholders_total",
			Help: "Config paths and placeholders left unresolved by substitution.",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "builds_in_flight",
			Help: "Pipeline runs currently executing.",
		}),
	}
}

func (m *Metrics) RunStarted(string) {
	m.InFlight.Inc()
}

func (m *Metrics) StageFinished(_ string, res pipeline.StageResult, _, _ int) {
	m.StageDuration.WithLabelValues(string(res.Stage)).Observe(res.Duration.Seconds())
}

func (m *Metrics) RunFinished(_ string, out pipeline.Outcome) {
	m.InFlight.Dec()
	m.BuildsFinished.WithLabelValues(string(out.Status)).Inc()
	if out.Unresolved > 0 {
		m.UnresolvedPlaceholders.Add(float64(out.Unresolved))
	}
}
