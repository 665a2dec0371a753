package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection lifecycle metrics
var (
	// ConnectionsCurrent tracks open sockets held by this instance
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connections_current",
			Help: "Open websocket connections held by this instance",
		},
	)

	// ConnectedUsersCurrent tracks users with at least one local socket
	ConnectedUsersCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connected_users_current",
			Help: "Users with at least one open connection on this instance",
		},
	)

	// ConnectionsRejectedTotal tracks rejected connection attempts by reason
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connections_rejected_total",
			Help: "Rejected connection attempts by reason",
		},
		[]string{"reason"},
	)
)

// Routing metrics
var (
	// MessagesPublishedTotal tracks envelopes published to the bus by channel
	MessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_published_total",
			Help: "Envelopes published to the fan-out bus by channel",
		},
		[]string{"channel"},
	)

	// SendsRejectedTotal tracks sends rejected before reaching the bus
	SendsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sends_rejected_total",
			Help: "Sends rejected before publish by reason (too_large, rate_limited)",
		},
		[]string{"reason"},
	)

	// DeliveriesTotal tracks local socket deliveries by outcome
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_total",
			Help: "Local socket deliveries by outcome (ok, dead)",
		},
		[]string{"outcome"},
	)

	// DeliveryDuration tracks local fan-out duration in seconds
	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Duration of one local fan-out across matching sockets",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// PubSubMessagesReceived tracks bus messages consumed by channel
	PubSubMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_messages_received_total",
			Help: "Bus messages received by channel",
		},
		[]string{"channel"},
	)
)

// Presence metrics
var (
	// PresenceTransitionsTotal tracks online/offline transitions observed here
	PresenceTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_transitions_total",
			Help: "Presence transitions detected by this instance (online, offline)",
		},
		[]string{"direction"},
	)
)

// Reaper metrics
var (
	// ReaperSweptConnections tracks dead connections evicted per sweep
	ReaperSweptConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reaper_swept_connections_total",
			Help: "Dead connections evicted by the periodic reaper",
		},
	)

	// ReaperStalePresenceRemoved tracks stale presence entries removed
	ReaperStalePresenceRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reaper_stale_presence_removed_total",
			Help: "Stale presence entries removed during reconciliation",
		},
	)
)

// Circuit breaker metrics
var (
	// CircuitBreakerStateChanges tracks breaker transitions by component and state
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
