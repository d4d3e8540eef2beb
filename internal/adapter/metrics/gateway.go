package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics holds Prometheus metrics for live connections and topic fan-out.
type GatewayMetrics struct {
	ActiveConnections   *prometheus.GaugeVec
	TopicMembers        *prometheus.GaugeVec
	EventsEmitted       *prometheus.CounterVec
	EmitFailures        *prometheus.CounterVec
	SlowClientsEvicted  prometheus.Counter
	LivenessTimeouts    *prometheus.CounterVec
	PingFailures        prometheus.Counter
	RejectedConnections *prometheus.CounterVec
	MalformedFrames     prometheus.Counter
	CommandQueueDepth   prometheus.Gauge
	HubPanics           prometheus.Counter
}

// NewGatewayMetrics creates and registers gateway metrics on the given registry.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Number of live connections, by transport.",
		}, []string{"transport"}),
		TopicMembers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "topic_members",
			Help:      "Number of connections joined to a topic.",
		}, []string{"topic"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_emitted_total",
			Help:      "Total number of events fanned out to topics, by event.",
		}, []string{"event"}),
		EmitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "emit_failures_total",
			Help:      "Total number of events that could not be fanned out, by event.",
		}, []string{"event"}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "slow_clients_evicted_total",
			Help:      "Total number of connections dropped because their send buffer was full.",
		}),
		LivenessTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "liveness_timeouts_total",
			Help:      "Total number of connections dropped for missing liveness, by transport.",
		}, []string{"transport"}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "ping_failures_total",
			Help:      "Total number of protocol pings that could not be written.",
		}),
		RejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rejected_connections_total",
			Help:      "Total number of rejected connection attempts, by reason.",
		}, []string{"reason"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "malformed_frames_total",
			Help:      "Total number of inbound frames dropped as malformed.",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "command_queue_depth",
			Help:      "Number of commands waiting for the hub goroutine.",
		}),
		HubPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "hub_panics_total",
			Help:      "Total number of recovered hub panics.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.TopicMembers, m.EventsEmitted, m.EmitFailures,
		m.SlowClientsEvicted, m.LivenessTimeouts, m.PingFailures, m.RejectedConnections,
		m.MalformedFrames, m.CommandQueueDepth, m.HubPanics,
	)
	return m
}
