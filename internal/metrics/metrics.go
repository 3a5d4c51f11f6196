package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Metrics
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_connection_state",
			Help: "Current connection state per domain (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed_permanent)",
		},
		[]string{"domain"},
	)

	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_connection_transitions_total",
			Help: "Total number of connection state transitions",
		},
		[]string{"domain", "to"},
	)

	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_connect_attempts_total",
			Help: "Total number of connection attempts by transport and result",
		},
		[]string{"domain", "transport", "result"}, // "success", "auth", "error"
	)

	TransportFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_transport_fallbacks_total",
			Help: "Total number of transport downgrades during negotiation",
		},
		[]string{"domain", "from"},
	)

	InvokeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_invoke_duration_seconds",
			Help:    "Duration of hub method invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain", "method"},
	)

	// Event Metrics
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_dispatched_total",
			Help: "Total number of events delivered to subscribers",
		},
		[]string{"domain", "event_type", "source"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_events_dropped_total",
			Help: "Total number of inbound events dropped before fan-out",
		},
		[]string{"domain", "reason"}, // "malformed", "unknown_type", "stale", "duplicate", "overflow"
	)

	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_handler_failures_total",
			Help: "Total number of subscriber handlers that returned an error or panicked",
		},
		[]string{"domain", "event_type"},
	)

	// Membership Metrics
	GroupJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_group_joins_total",
			Help: "Total number of upstream group join invocations",
		},
		[]string{"domain", "result"},
	)

	GroupsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_groups_active",
			Help: "Number of referenced groups per domain",
		},
		[]string{"domain"},
	)

	// Fallback Metrics
	PollingActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_polling_active",
			Help: "Whether the polling fallback is running for a domain (0 or 1)",
		},
		[]string{"domain"},
	)

	PollFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_poll_fetches_total",
			Help: "Total number of snapshot fetches made by the polling fallback",
		},
		[]string{"domain", "result"},
	)

	// Reconciliation Metrics
	ProjectionsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_projections_tracked",
			Help: "Current number of tracked entity projections",
		},
	)

	OptimisticRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_optimistic_rollbacks_total",
			Help: "Total number of optimistic changes rolled back after the confirmation window",
		},
		[]string{"kind"},
	)

	// Snapshot API Metrics
	SnapshotRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_snapshot_requests_total",
			Help: "Total number of REST snapshot requests by status",
		},
		[]string{"kind", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Hub Metrics
	HubConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connections_active",
			Help: "Current number of clients connected to the development hub",
		},
	)

	HubBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Total number of events published by the development hub",
		},
		[]string{"domain", "event_type"},
	)
)

// RecordTransition updates the state gauge and transition counter.
func RecordTransition(domain, to string, state int) {
	ConnectionState.WithLabelValues(domain).Set(float64(state))
	ConnectionTransitions.WithLabelValues(domain, to).Inc()
}

// RecordDrop counts an event dropped before fan-out.
func RecordDrop(domain, reason string) {
	EventsDropped.WithLabelValues(domain, reason).Inc()
}

// SetPolling flips the polling gauge for a domain.
func SetPolling(domain string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	PollingActive.WithLabelValues(domain).Set(v)
}

// RecordJoin counts an upstream join invocation.
func RecordJoin(domain string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	GroupJoins.WithLabelValues(domain, result).Inc()
}
