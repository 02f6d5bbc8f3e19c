// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_sessions_started_total",
			Help: "Total number of broadcast sessions created",
		},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_sessions_ended_total",
			Help: "Total number of broadcast sessions ended",
		},
		[]string{"reason"}, // "stop", "stale"
	)

	Heartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_heartbeats_total",
			Help: "Total number of heartbeats received",
		},
		[]string{"result"}, // "ok", "fallback", "not_found"
	)

	Joins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_joins_total",
			Help: "Total number of participants joined",
		},
		[]string{"user_type"},
	)

	ChatSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_chat_sends_total",
			Help: "Total number of chat messages and reactions accepted",
		},
		[]string{"kind"}, // "message", "reaction"
	)

	StatWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_stat_write_failures_total",
			Help: "Total number of session counter increments that failed after the record was stored",
		},
		[]string{"field"},
	)

	// Signaling
	SignalsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrtc_signals_sent_total",
			Help: "Total number of signaling messages stored",
		},
		[]string{"type"},
	)

	SignalsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrtc_signals_delivered_total",
			Help: "Total number of signaling messages delivered by polling",
		},
		[]string{"type"},
	)

	// Storage
	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_fallbacks_total",
			Help: "Total number of operations served by the fallback store",
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Realtime
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Current number of active WebSocket connections",
		},
	)

	// Archive worker
	ArchiveJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_jobs_total",
			Help: "Total number of archive jobs processed",
		},
		[]string{"result"}, // "success", "retry", "dead_letter"
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"route"},
	)
)
