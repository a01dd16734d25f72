// Package metrics exposes Prometheus instrumentation for the job lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles the collectors the engine updates.
type Set struct {
	JobsQueued        prometheus.Gauge
	JobsRunning       prometheus.Gauge
	JobsCompleted     *prometheus.CounterVec
	GenerationSeconds prometheus.Histogram
	ReconcileSweeps   prometheus.Counter
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		JobsQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "comfygate_jobs_queued",
			Help: "Jobs currently waiting for an admission slot.",
		}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "comfygate_jobs_running",
			Help: "Jobs currently executing against ComfyUI.",
		}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "comfygate_jobs_completed_total",
			Help: "Terminal job outcomes by status.",
		}, []string{"status"}),
		GenerationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "comfygate_generation_duration_seconds",
			Help:    "Wall time from admission to terminal outcome.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ReconcileSweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "comfygate_reconcile_sweeps_total",
			Help: "Session reconciliation sweeps executed.",
		}),
	}
}

// SetCounts mirrors the admission counters into the gauges.
func (s *Set) SetCounts(queued, running int) {
	if s == nil {
		return
	}
	s.JobsQueued.Set(float64(queued))
	s.JobsRunning.Set(float64(running))
}

// Completed records one terminal outcome.
func (s *Set) Completed(status string, seconds float64) {
	if s == nil {
		return
	}
	s.JobsCompleted.WithLabelValues(status).Inc()
	s.GenerationSeconds.Observe(seconds)
}

// SweepDone records one reconciliation sweep.
func (s *Set) SweepDone() {
	if s == nil {
		return
	}
	s.ReconcileSweeps.Inc()
}
