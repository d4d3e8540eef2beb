package metrics

import "github.com/prometheus/client_golang/prometheus"

// EventMetrics tracks mutation-to-event publishing.
type EventMetrics struct {
	Published *prometheus.CounterVec
	Fallbacks prometheus.Counter
}

// NewEventMetrics creates and registers publisher metrics on the given registry.
func NewEventMetrics(reg prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of mutation events, by event and route (relay, local, failed).",
		}, []string{"event", "route"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "relay_fallbacks_total",
			Help:      "Total number of events emitted locally because the relay was unavailable.",
		}),
	}

	reg.MustRegister(m.Published, m.Fallbacks)
	return m
}
