package relay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/limits"
	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/rs/zerolog"
)

// Config holds the relay core settings
type Config struct {
	SendBufferSize     int
	SweepInterval      time.Duration
	LivenessDeadline   time.Duration
	SlowClientStrikes  int
	ClientMessageRate  float64
	ClientMessageBurst int
}

// ConfigFrom extracts the core settings from the server configuration
func ConfigFrom(sc types.ServerConfig) Config {
	return Config{
		SendBufferSize:     sc.SendBufferSize,
		SweepInterval:      sc.SweepInterval,
		LivenessDeadline:   sc.LivenessDeadline,
		SlowClientStrikes:  sc.SlowClientStrikes,
		ClientMessageRate:  sc.ClientMessageRate,
		ClientMessageBurst: sc.ClientMessageBurst,
	}
}

// Hub wires the registry, subscription index, broadcaster, router and
// liveness monitor together and owns the connection lifecycle.
type Hub struct {
	config  Config
	stats   *types.Stats
	limiter *limits.RateLimiter
	logger  zerolog.Logger

	registry    *Registry
	index       *SubscriptionIndex
	broadcaster *Broadcaster
	router      *Router
	liveness    *LivenessMonitor

	// Held for reading while admitting, so Shutdown sees every admitted connection
	mu     sync.RWMutex
	closed bool
}

// NewHub builds the relay core. stats may be shared with the transport for /health.
func NewHub(config Config, stats *types.Stats, logger zerolog.Logger) *Hub {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	if stats == nil {
		stats = types.NewStats()
	}

	h := &Hub{
		config:  config,
		stats:   stats,
		limiter: limits.NewRateLimiter(config.ClientMessageRate, config.ClientMessageBurst),
		logger:  logger,
	}
	h.index = NewSubscriptionIndex()
	h.registry = NewRegistry(h.index, logger)
	h.broadcaster = NewBroadcaster(h.registry, h.index, config.SlowClientStrikes, h.terminate, logger)
	h.router = NewRouter(h.registry, h.index, h.broadcaster, h.limiter, stats, logger)
	h.liveness = NewLivenessMonitor(h.registry, config.SweepInterval, config.LivenessDeadline, h.terminate, logger)
	return h
}

func (h *Hub) Registry() *Registry               { return h.registry }
func (h *Hub) Subscriptions() *SubscriptionIndex { return h.index }
func (h *Hub) Broadcaster() *Broadcaster         { return h.broadcaster }
func (h *Hub) Router() *Router                   { return h.router }
func (h *Hub) Liveness() *LivenessMonitor        { return h.liveness }
func (h *Hub) Stats() *types.Stats               { return h.stats }

// Start launches the liveness monitor
func (h *Hub) Start(ctx context.Context) {
	h.liveness.Start(ctx)
}

// Connect creates a connection over closer, queues the connection
// confirmation and admits it. The confirmation is queued before admission so
// it is always the first frame the client sees.
//
// Returns ErrShuttingDown once Shutdown has started; closer is left to the caller.
func (h *Hub) Connect(role Role, deviceID string, closer io.Closer) (*Conn, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, ErrShuttingDown
	}

	c := NewConn(role, deviceID, h.config.SendBufferSize, closer)
	_ = c.Send(ConnectionConfirmation(c, time.Now()))

	monitoring.RecordConnect(h.stats, string(role))
	h.registry.Admit(c)
	return c, nil
}

// Disconnect closes c and purges it from the registry and subscription index.
// Only the first call for a connection records the disconnect.
func (h *Hub) Disconnect(c *Conn, reason, initiatedBy string) {
	var closeErr error
	if initiatedBy == monitoring.DisconnectInitiatedByServer {
		closeErr = c.closeWithReason(reason)
	} else {
		closeErr = c.Close()
	}
	if closeErr != nil {
		h.logger.Debug().
			Str("conn_id", c.ID()).
			Err(closeErr).
			Msg("Error closing connection")
	}

	if !h.registry.Remove(c) {
		return
	}
	h.limiter.RemoveClient(c.ID())
	monitoring.RecordDisconnectWithStats(h.stats, reason, initiatedBy, time.Since(c.ConnectedAt()))
}

func (h *Hub) terminate(c *Conn, reason string) {
	h.Disconnect(c, reason, monitoring.DisconnectInitiatedByServer)
}

// Shutdown refuses further admits, stops the liveness monitor and closes
// every connection. Returns the number of connections closed.
func (h *Hub) Shutdown() int {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.liveness.Stop()

	conns := h.registry.All()
	for _, c := range conns {
		h.Disconnect(c, monitoring.DisconnectReasonServerShutdown, monitoring.DisconnectInitiatedByServer)
	}
	return len(conns)
}
