// Package metrics declares the Prometheus metrics for the CRDT relay.
//
// Naming convention: namespace_subsystem_name
//   - namespace: crdt_relay (application-level grouping)
//   - subsystem: websocket, room, message, circuit_breaker, rate_limit, redis
//   - name: specific metric
//
// Built with promauto's Gauge/CounterVec/HistogramVec constructors, which
// register each metric with the default registry at declaration time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt_relay",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt_relay",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crdt_relay",
		Subsystem: "room",
		Name:      "clients_count",
		Help:      "Number of clients currently tracked in each room",
	}, []string{"room_name"})

	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt_relay",
		Subsystem: "message",
		Name:      "processed_total",
		Help:      "Total inbound frames processed, by tag and outcome",
	}, []string{"tag", "status"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt_relay",
		Subsystem: "message",
		Name:      "processing_seconds",
		Help:      "Time spent processing an inbound frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"tag"})

	SnapshotSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt_relay",
		Subsystem: "room",
		Name:      "snapshot_saves_total",
		Help:      "Total room snapshot save attempts, by outcome",
	}, []string{"status"})

	RoomsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt_relay",
		Subsystem: "room",
		Name:      "evicted_total",
		Help:      "Total rooms removed from the registry, by reason",
	}, []string{"reason"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "crdt_relay",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt_relay",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt_relay",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt_relay",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against the rate limiter",
	}, []string{"endpoint"})

	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt_relay",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total Redis operations, by operation and outcome",
	}, []string{"operation", "status"})

	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt_relay",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
