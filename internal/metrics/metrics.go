package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commx_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commx_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commx_ws_connections_open",
			Help: "Currently open WebSocket connections",
		},
	)

	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commx_events_delivered_total",
			Help: "Total events written to connections",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commx_events_dropped_total",
			Help: "Total events dropped due to dead or saturated connections",
		},
	)

	// Call metrics
	CallsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commx_calls_active",
			Help: "Calls currently in a non-terminal state",
		},
	)

	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commx_calls_total",
			Help: "Calls by terminal outcome",
		},
		[]string{"outcome"}, // "ended", "declined", "missed"
	)

	SignalsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commx_signals_relayed_total",
			Help: "WebRTC signaling payloads relayed",
		},
		[]string{"signal_type"},
	)

	// Delivery metrics
	MessagesTracked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commx_messages_tracked_total",
			Help: "Messages accepted into delivery tracking",
		},
		[]string{"kind"}, // "channel" or "dm"
	)

	ReadReceipts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commx_read_receipts_total",
			Help: "Read receipts recorded",
		},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commx_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	PostgresLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commx_postgres_latency_seconds",
			Help:    "PostgreSQL query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
