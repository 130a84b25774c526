// Package server exposes the relay over WebSocket and HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/ingest"
	"github.com/adred-codev/telemetry-relay/internal/limits"
	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/platform"
	"github.com/adred-codev/telemetry-relay/internal/relay"
	"github.com/adred-codev/telemetry-relay/internal/snapshot"
	"github.com/adred-codev/telemetry-relay/internal/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write one batch of frames to a client
	writeWait = 5 * time.Second

	// Largest inbound message accepted, after reassembly
	maxMessageSize = 64 * 1024

	// Grace period for in-flight HTTP requests on shutdown
	shutdownTimeout = 10 * time.Second
)

// Server owns the HTTP listener, the relay hub and the optional ingest bridges
type Server struct {
	config types.ServerConfig
	logger zerolog.Logger
	stats  *types.Stats

	hub        *relay.Hub
	store      *snapshot.Store
	storeToken relay.Token

	connectionsSem        chan struct{} // Semaphore for max connections
	connectionRateLimiter *limits.ConnectionRateLimiter
	resourceGuard         *limits.ResourceGuard // nil when every brake is disabled
	systemMonitor         *monitoring.SystemMonitor
	cpuAllocation         float64 // Container CPU quota in cores, 0 = unlimited

	dispatcher  *ingest.Dispatcher
	natsBridge  *ingest.NATSBridge
	kafkaBridge *ingest.KafkaBridge

	router     *mux.Router
	listener   net.Listener
	httpServer *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	connMu       sync.Mutex // Orders pump wg.Add against the shutdown flag
}

// NewServer builds the server and its components. Nothing listens or
// connects until Start.
func NewServer(config types.ServerConfig, logger zerolog.Logger) (*Server, error) {
	if config.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be > 0")
	}

	ctx, cancel := context.WithCancel(context.Background())
	stats := types.NewStats()
	guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
		CPURejectThreshold: config.CPURejectThreshold,
		MaxGoroutines:      config.MaxGoroutines,
		MemoryLimit:        config.MemoryLimit,
	}, stats, logger)

	s := &Server{
		config:         config,
		logger:         logger,
		stats:          stats,
		hub:            relay.NewHub(relay.ConfigFrom(config), stats, logger),
		store:          snapshot.New(snapshot.DefaultAlarmHistory),
		connectionsSem: make(chan struct{}, config.MaxConnections),
		resourceGuard:  guard,
		cpuAllocation:  platform.ReadCPUAllocation(platform.CgroupRoot),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.storeToken = s.store.Attach(s.hub.Broadcaster())

	if config.ConnectionRateLimitEnabled {
		s.connectionRateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     config.ConnRateLimitIPBurst,
			IPRate:      config.ConnRateLimitIPRate,
			IPTTL:       5 * time.Minute,
			GlobalBurst: config.ConnRateLimitGlobalBurst,
			GlobalRate:  config.ConnRateLimitGlobalRate,
			Logger:      logger,
		})
		logger.Info().Msg("Connection rate limiting enabled")
	}

	sysMonitor, err := monitoring.NewSystemMonitor(stats, logger)
	if err != nil {
		// Health still works, just without process CPU/memory
		logger.Warn().Err(err).Msg("System monitor unavailable")
	}
	s.systemMonitor = sysMonitor

	if err := s.setupIngest(); err != nil {
		s.stopHelpers()
		cancel()
		return nil, err
	}

	s.router = s.routes()
	monitoring.SetMaxConnections(config.MaxConnections)

	logger.Info().
		Str("addr", config.Addr).
		Int("max_connections", config.MaxConnections).
		Int("send_buffer", config.SendBufferSize).
		Bool("nats_ingest", s.natsBridge != nil).
		Bool("kafka_ingest", s.kafkaBridge != nil).
		Msg("Server initialized")

	return s, nil
}

func (s *Server) setupIngest() error {
	if s.config.NATSURL == "" && len(s.config.KafkaBrokers) == 0 {
		return nil
	}

	s.dispatcher = ingest.NewDispatcher(s.config.IngestWorkers, s.config.IngestQueueSize, s.logger)

	if s.config.NATSURL != "" {
		s.natsBridge = ingest.NewNATSBridge(ingest.NATSConfig{
			URL:           s.config.NATSURL,
			SubjectPrefix: s.config.NATSSubjectPrefix,
		}, s.hub.Broadcaster(), s.dispatcher, s.logger)
	}

	if len(s.config.KafkaBrokers) > 0 {
		bridge, err := ingest.NewKafkaBridge(ingest.KafkaConfig{
			Brokers:        s.config.KafkaBrokers,
			ConsumerGroup:  s.config.KafkaConsumerGroup,
			TelemetryTopic: s.config.KafkaTelemetryTopic,
			AlarmTopic:     s.config.KafkaAlarmTopic,
		}, s.hub.Broadcaster(), s.dispatcher, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka bridge: %w", err)
		}
		s.kafkaBridge = bridge
	}
	return nil
}

// Handler returns the HTTP handler serving /ws, /health, /metrics and /api
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the relay core
func (s *Server) Hub() *relay.Hub {
	return s.hub
}

// Stats returns the counters surfaced by /health
func (s *Server) Stats() *types.Stats {
	return s.stats
}

// Start launches background tasks and begins serving on config.Addr
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	if err := s.StartBackground(); err != nil {
		listener.Close()
		return err
	}

	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.HTTPReadTimeout,
		WriteTimeout:   s.config.HTTPWriteTimeout,
		IdleTimeout:    s.config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Server listening")
	return nil
}

// StartBackground starts the liveness monitor, system monitor and ingest
// bridges without opening a listener. Used directly when the handler is
// mounted elsewhere.
func (s *Server) StartBackground() error {
	s.hub.Start(s.ctx)

	if s.systemMonitor != nil {
		interval := s.config.MetricsInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		s.systemMonitor.Start(s.ctx, interval)
	}

	if s.dispatcher != nil {
		s.dispatcher.Start(s.ctx)
	}
	if s.natsBridge != nil {
		if err := s.natsBridge.Start(); err != nil {
			return fmt.Errorf("failed to start nats bridge: %w", err)
		}
	}
	if s.kafkaBridge != nil {
		s.kafkaBridge.Start(s.ctx)
	}
	return nil
}

// trackConnection reserves the two pump goroutines of a new connection.
// Returns false once shutdown has begun; after that wg.Wait may be running.
func (s *Server) trackConnection() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.shuttingDown.Load() {
		return false
	}
	s.wg.Add(2)
	return true
}

// Addr returns the listening address once Start has succeeded
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, stops ingest, closes every client
// connection and waits for all connection goroutines to exit.
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.shutdown()
	})
	return err
}

func (s *Server) shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.connMu.Lock()
	s.shuttingDown.Store(true)
	s.connMu.Unlock()

	var shutdownErr error
	if s.httpServer != nil {
		s.logger.Info().Msg("Closing listener (no new connections accepted)")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		shutdownErr = s.httpServer.Shutdown(ctx)
		cancel()
	}

	if s.natsBridge != nil {
		s.logger.Info().Msg("Stopping NATS bridge")
		s.natsBridge.Stop()
	}
	if s.kafkaBridge != nil {
		s.logger.Info().Msg("Stopping Kafka bridge")
		s.kafkaBridge.Stop()
	}
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}

	closed := s.hub.Shutdown()
	s.logger.Info().
		Int("closed_connections", closed).
		Msg("Closed client connections")

	s.cancel()
	s.stopHelpers()
	s.hub.Broadcaster().Revoke(s.storeToken)

	s.logger.Info().Msg("Waiting for all goroutines to finish")
	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return shutdownErr
}

func (s *Server) stopHelpers() {
	if s.connectionRateLimiter != nil {
		s.connectionRateLimiter.Stop()
	}
	if s.systemMonitor != nil {
		s.systemMonitor.Stop()
	}
}
