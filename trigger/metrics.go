package trigger

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the event-trigger Prometheus metrics.
type Metrics struct {
	eventsProcessed    prometheus.Counter
	eventsDeduplicated prometheus.Counter
	triggerExecutions  *prometheus.CounterVec
}

// NewMetrics creates and registers the trigger metrics on reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		eventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trigger_events_processed_total",
			Help: "External events processed by this worker",
		}),
		eventsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trigger_events_deduplicated_total",
			Help: "External events skipped because another worker held the lock",
		}),
		triggerExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trigger_executions_total",
				Help: "Task trigger executions, by outcome",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.eventsProcessed, m.eventsDeduplicated, m.triggerExecutions)
	return m
}
