package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the relay.
// Scraped from /metrics and visualized in Grafana.
//
// Every label takes values from a fixed set (roles, reasons, kinds, sources,
// outcomes). Nothing a client sends is used as a label value directly.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of WebSocket connections established",
	}, []string{"role"})

	connectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of registered connections by role",
	}, []string{"role"})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_failed_total",
		Help: "Total number of failed or rejected connection attempts",
	})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connection_rate_limited_total",
		Help: "Connection attempts rejected by the admission rate limiter",
	}, []string{"scope"})

	capacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_capacity_rejections_total",
		Help: "Connection attempts rejected by the resource guard",
	}, []string{"reason"})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	connectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})

	// Frame metrics
	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_received_total",
		Help: "Inbound frames by declared type",
	}, []string{"type"})

	malformedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_malformed_frames_total",
		Help: "Inbound frames dropped because they could not be parsed",
	})

	rateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_frames_total",
		Help: "Inbound frames dropped by the per-connection rate limit",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_sent_total",
		Help: "Total number of bytes written to clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_received_total",
		Help: "Total number of bytes read from clients",
	})

	// Fan-out metrics
	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Broadcast invocations by event kind",
	}, []string{"kind"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Events queued to recipients by event kind",
	}, []string{"kind"})

	droppedDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dropped_deliveries_total",
		Help: "Deliveries skipped by event kind and reason",
	}, []string{"kind", "reason"})

	slowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_slow_clients_disconnected_total",
		Help: "Consumers disconnected because their send buffer stayed full",
	})

	// Subscription and liveness metrics
	subscribedDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_subscribed_devices",
		Help: "Number of devices with at least one subscriber",
	})

	livenessTerminations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_liveness_terminations_total",
		Help: "Connections terminated for exceeding the liveness deadline",
	})

	livenessProbes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_liveness_probes_total",
		Help: "Liveness pings queued to idle connections",
	})

	// Ingest metrics
	ingestMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ingest_messages_total",
		Help: "Events received from external sources by source and outcome",
	}, []string{"source", "outcome"})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_cpu_usage_percent",
		Help: "Process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_goroutines_active",
		Help: "Current number of active goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(ConnectionsFailed)
	prometheus.MustRegister(connectionRateLimited)
	prometheus.MustRegister(capacityRejections)
	prometheus.MustRegister(disconnectsTotal)
	prometheus.MustRegister(connectionDuration)

	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(malformedFrames)
	prometheus.MustRegister(rateLimitedFrames)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(bytesReceived)

	prometheus.MustRegister(broadcastsTotal)
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(droppedDeliveries)
	prometheus.MustRegister(slowClientsDisconnected)

	prometheus.MustRegister(subscribedDevices)
	prometheus.MustRegister(livenessTerminations)
	prometheus.MustRegister(livenessProbes)

	prometheus.MustRegister(ingestMessages)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// Disconnect reasons - standardized constants for categorization
const (
	DisconnectReasonReadError        = "read_error"        // Socket read failed (network issue, crash)
	DisconnectReasonClientInitiated  = "client_initiated"  // Normal close from client
	DisconnectReasonLivenessDeadline = "liveness_deadline" // No activity within the deadline
	DisconnectReasonSlowClient       = "slow_client"       // Send buffer stayed full
	DisconnectReasonWriteError       = "write_error"       // Socket write failed
	DisconnectReasonServerShutdown   = "server_shutdown"   // Graceful shutdown
	DisconnectReasonProtocolError    = "protocol_error"    // Client broke the WebSocket framing rules
)

// Who initiated the disconnect
const (
	DisconnectInitiatedByClient = "client"
	DisconnectInitiatedByServer = "server"
)

// Drop reasons - why a delivery was skipped
const (
	DropReasonBufferFull = "buffer_full"
	DropReasonClosed     = "closed"
)

// Ingest outcomes
const (
	IngestOutcomeAccepted = "accepted"
	IngestOutcomeInvalid  = "invalid"
	IngestOutcomeDropped  = "dropped"
)

// SetMaxConnections publishes the configured connection ceiling
func SetMaxConnections(n int) {
	connectionsMax.Set(float64(n))
}

// IncrementConnectionRateLimit records a rejected connection attempt ("global" or "per_ip")
func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

// IncrementCapacityRejection records a connection refused for resource pressure
func IncrementCapacityRejection(reason string) {
	capacityRejections.WithLabelValues(reason).Inc()
}

// RecordConnect tracks an admitted connection
func RecordConnect(stats *types.Stats, role string) {
	connectionsTotal.WithLabelValues(role).Inc()
	atomic.AddInt64(&stats.TotalConnections, 1)
	atomic.AddInt64(&stats.CurrentConnections, 1)
}

// SetActiveConnections publishes registry membership counts
func SetActiveConnections(producers, consumers int) {
	connectionsActive.WithLabelValues("producer").Set(float64(producers))
	connectionsActive.WithLabelValues("consumer").Set(float64(consumers))
}

// RecordDisconnectWithStats tracks a disconnect and updates both Prometheus and Stats.
//
// reason should be one of the DisconnectReason constants and initiatedBy one
// of the DisconnectInitiatedBy constants. duration feeds the connection
// duration histogram for that reason.
//
// Example:
//
//	RecordDisconnectWithStats(stats, DisconnectReasonSlowClient,
//	    DisconnectInitiatedByServer, time.Since(conn.ConnectedAt()))
func RecordDisconnectWithStats(stats *types.Stats, reason, initiatedBy string, duration time.Duration) {
	disconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()
	connectionDuration.WithLabelValues(reason).Observe(duration.Seconds())

	atomic.AddInt64(&stats.CurrentConnections, -1)

	stats.DisconnectsMu.Lock()
	stats.DisconnectsByReason[reason]++
	stats.DisconnectsMu.Unlock()
}

// RecordFrameReceived tracks an inbound frame and its size.
//
// frameType becomes a label value, so callers must map client input onto a
// closed set first (the router uses the known frame types plus "unknown" and
// "invalid"). Passing the raw type would create one series per distinct
// string a client sends.
func RecordFrameReceived(frameType string, size int) {
	framesReceived.WithLabelValues(frameType).Inc()
	bytesReceived.Add(float64(size))
}

// IncrementMalformedFrames increments the malformed frame counter
func IncrementMalformedFrames() {
	malformedFrames.Inc()
}

// IncrementRateLimitedFrames increments the rate limited frame counter
func IncrementRateLimitedFrames() {
	rateLimitedFrames.Inc()
}

// UpdateBytesSent tracks bytes written by the write pump
func UpdateBytesSent(n int) {
	bytesSent.Add(float64(n))
}

// RecordBroadcast tracks one broadcast and its successful deliveries
func RecordBroadcast(kind string, delivered int) {
	broadcastsTotal.WithLabelValues(kind).Inc()
	if delivered > 0 {
		deliveriesTotal.WithLabelValues(kind).Add(float64(delivered))
	}
}

// RecordDroppedDelivery tracks a skipped delivery
func RecordDroppedDelivery(kind, reason string) {
	droppedDeliveries.WithLabelValues(kind, reason).Inc()
}

// IncrementSlowClientDisconnects increments slow client disconnect counter
func IncrementSlowClientDisconnects() {
	slowClientsDisconnected.Inc()
}

// SetSubscribedDevices publishes the number of devices with subscribers
func SetSubscribedDevices(n int) {
	subscribedDevices.Set(float64(n))
}

// IncrementLivenessTerminations increments the liveness termination counter
func IncrementLivenessTerminations() {
	livenessTerminations.Inc()
}

// IncrementLivenessProbes increments the liveness probe counter
func IncrementLivenessProbes() {
	livenessProbes.Inc()
}

// RecordIngest tracks an event received from an external source
func RecordIngest(source, outcome string) {
	ingestMessages.WithLabelValues(source, outcome).Inc()
}

// HandleMetrics serves Prometheus metrics at /metrics endpoint
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
