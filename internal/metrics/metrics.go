package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayd_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Session metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayd_connections_active",
			Help: "Currently registered agent sessions",
		},
	)

	ConnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_connects_total",
			Help: "Total successful handshakes",
		},
	)

	DisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_disconnects_total",
			Help: "Total session teardowns",
		},
		[]string{"reason"}, // "client", "goodbye", "superseded", "heartbeat", "overflow", "shutdown", "handshake"
	)

	// Protocol metrics
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_frames_received_total",
			Help: "Client frames received by type",
		},
		[]string{"type"},
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayd_protocol_errors_total",
			Help: "ERROR frames sent by error code",
		},
		[]string{"code"},
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_messages_persisted_total",
			Help: "Messages newly appended to the store",
		},
	)

	MessagesDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_messages_duplicate_total",
			Help: "Appends short-circuited by duplicate message id",
		},
	)

	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_fanout_delivered_total",
			Help: "Messages enqueued to recipient sessions",
		},
	)

	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_fanout_dropped_total",
			Help: "Fan-out attempts dropped by outbound buffer overflow",
		},
	)

	ReplayMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_replay_messages_total",
			Help: "Messages delivered by offline replay at handshake",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayd_rate_limit_hits_total",
			Help: "Upgrade requests rejected by the connection rate limiter",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayd_store_latency_seconds",
			Help:    "Store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
		[]string{"op"},
	)
)
