package executor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the step-dispatch Prometheus metrics.
type Metrics struct {
	stepsExecuted *prometheus.CounterVec
	stepDuration  prometheus.Histogram
}

// NewMetrics creates and registers the dispatch metrics on reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steps_executed_total",
				Help: "Total number of steps dispatched, by route and result status",
			},
			[]string{"route", "status"},
		),
		stepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "step_duration_seconds",
				Help:    "Step execution duration in seconds",
				Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
	}
	reg.MustRegister(m.stepsExecuted, m.stepDuration)
	return m
}
