package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/relay"
	"github.com/gobwas/ws"
)

const maxDeviceIDLength = 128

// handleWebSocket upgrades /ws?clientType=producer|consumer&deviceId=... and
// starts the connection's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		s.logger.Debug().
			Str("client_ip", clientIP).
			Msg("Connection rejected: server shutting down")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	role, err := relay.ParseRole(query.Get("clientType"))
	if err != nil {
		s.logger.Debug().
			Str("client_ip", clientIP).
			Str("client_type", query.Get("clientType")).
			Msg("Connection rejected: invalid client type")
		http.Error(w, "clientType must be producer or consumer", http.StatusBadRequest)
		return
	}
	deviceID := query.Get("deviceId")
	if len(deviceID) > maxDeviceIDLength {
		http.Error(w, "deviceId too long", http.StatusBadRequest)
		return
	}

	if s.connectionRateLimiter != nil && !s.connectionRateLimiter.CheckConnectionAllowed(clientIP) {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if accept, reason := s.resourceGuard.ShouldAcceptConnection(); !accept {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("reason", reason).
			Msg("Connection rejected: resource pressure")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Msg("WebSocket upgrade failed")
		return
	}
	// Deadlines set by http.Server survive the hijack
	conn.SetDeadline(time.Time{})

	sock := newSocket(conn)
	if !s.trackConnection() {
		s.rejectUpgraded(sock, clientIP)
		return
	}
	c, err := s.hub.Connect(role, deviceID, sock)
	if err != nil {
		s.wg.Done()
		s.wg.Done()
		s.rejectUpgraded(sock, clientIP)
		return
	}

	s.logger.Info().
		Str("client_ip", clientIP).
		Str("conn_id", c.ID()).
		Str("client_type", string(role)).
		Str("device_id", deviceID).
		Dur("setup_time", time.Since(startTime)).
		Msg("Client connected - pumps starting")

	go s.writePump(c, sock)
	go s.readPump(c, sock)
}

// rejectUpgraded closes a connection that lost the race with shutdown
func (s *Server) rejectUpgraded(sock *socket, clientIP string) {
	<-s.connectionsSem
	monitoring.ConnectionsFailed.Inc()
	s.logger.Debug().
		Str("client_ip", clientIP).
		Msg("Connection rejected: server shutting down")
	_ = sock.closeWith(ws.StatusGoingAway, "server shutting down")
}

// getClientIP extracts the client IP, honouring X-Forwarded-For from a proxy
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
