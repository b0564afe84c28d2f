package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay Connection Metrics
var (
	// ConnectionsCurrent tracks currently open relay connections by transport (tcp/websocket)
	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_connections_current",
			Help: "Current number of open relay connections by transport",
		},
		[]string{"transport"},
	)

	// ConnectionsTotal tracks accepted relay connections by transport
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total relay connections admitted by transport",
		},
		[]string{"transport"},
	)

	// ConnectionsRejected tracks connections refused by admission limits
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_connections_rejected_total",
			Help: "Total relay connections rejected by reason",
		},
		[]string{"reason"},
	)

	// ConnectionDuration tracks how long connections stayed open
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_connection_duration_seconds",
			Help:    "Relay connection lifetime in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// AcceptErrors tracks listener accept failures by kind (temporary/permanent)
	AcceptErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_accept_errors_total",
			Help: "Total listener accept errors by kind",
		},
		[]string{"kind"},
	)

	// HandlerPanics tracks recovered panics in connection handlers
	HandlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_handler_panics_total",
			Help: "Total connection handler panic recoveries",
		},
	)
)

// Hub Metrics
var (
	// LinesPublished tracks lines published to the hub by source (local/bridge)
	LinesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_lines_published_total",
			Help: "Total lines published to the hub by source",
		},
		[]string{"source"},
	)

	// LinesDelivered tracks lines written to client connections
	LinesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_lines_delivered_total",
			Help: "Total lines written to relay clients",
		},
	)

	// EchoSuppressed tracks broadcasts skipped because they came from the receiving connection
	EchoSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_echo_suppressed_total",
			Help: "Total broadcasts not written back to their sender",
		},
	)

	// SubscriberLagEvents tracks how often a subscriber fell out of the ring
	SubscriberLagEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_subscriber_lag_events_total",
			Help: "Total times a hub subscriber fell behind and lost messages",
		},
	)

	// SubscriberMissedMessages tracks messages dropped for lagging subscribers
	SubscriberMissedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_subscriber_missed_messages_total",
			Help: "Total messages dropped for lagging hub subscribers",
		},
	)

	// HubSubscribers tracks active hub subscriptions
	HubSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_subscribers",
			Help: "Current number of hub subscriptions",
		},
	)
)

// Redis Bridge Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// BridgeMessages tracks envelopes crossing the bridge by direction (out/in/own)
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_total",
			Help: "Total bridge envelopes by direction",
		},
		[]string{"direction"},
	)

	// BridgeErrors tracks bridge failures by stage (publish/decode)
	BridgeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_errors_total",
			Help: "Total bridge errors by stage",
		},
		[]string{"stage"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
