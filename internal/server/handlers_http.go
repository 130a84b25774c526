package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/relay"
	"github.com/gorilla/mux"
)

const maxRequestBody = 64 * 1024

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/metrics", monitoring.HandleMetrics)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)
	api.HandleFunc("/telemetry/latest", s.handleLatestTelemetry).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/{deviceId}/latest", s.handleDeviceTelemetry).Methods(http.MethodGet)
	api.HandleFunc("/telemetry", s.handlePublish(relay.TypeTelemetry)).Methods(http.MethodPost)
	api.HandleFunc("/alarms", s.handlePublish(relay.TypeAlarm)).Methods(http.MethodPost)
	api.HandleFunc("/alarms/recent", s.handleRecentAlarms).Methods(http.MethodGet)
	api.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	api.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.stats.Mu.RLock()
	cpuPercent := s.stats.CPUPercent
	memoryMB := s.stats.MemoryMB
	s.stats.Mu.RUnlock()

	producers, consumers := s.hub.Registry().Counts()
	current := producers + consumers
	maxConns := s.config.MaxConnections

	status := "healthy"
	statusCode := http.StatusOK
	warnings := []string{}
	capacityPercent := float64(current) / float64(maxConns) * 100
	switch {
	case s.shuttingDown.Load():
		status = "shutting_down"
		statusCode = http.StatusServiceUnavailable
	case current >= maxConns:
		status = "degraded"
		warnings = append(warnings, fmt.Sprintf("Server at full capacity (%d/%d)", current, maxConns))
	case capacityPercent > 90:
		status = "degraded"
		warnings = append(warnings, fmt.Sprintf("Server near capacity (%.1f%%)", capacityPercent))
	}

	s.stats.DisconnectsMu.RLock()
	disconnects := make(map[string]int64, len(s.stats.DisconnectsByReason))
	for reason, n := range s.stats.DisconnectsByReason {
		disconnects[reason] = n
	}
	s.stats.DisconnectsMu.RUnlock()

	writeJSON(w, statusCode, map[string]any{
		"status":   status,
		"healthy":  statusCode == http.StatusOK,
		"warnings": warnings,
		"uptime":   time.Since(s.stats.StartTime).Round(time.Second).String(),
		"connections": map[string]any{
			"current":   current,
			"max":       maxConns,
			"producers": producers,
			"consumers": consumers,
			"total":     atomic.LoadInt64(&s.stats.TotalConnections),
		},
		"subscriptions": map[string]any{
			"devices": len(s.hub.Subscriptions().Devices()),
		},
		"messages": map[string]any{
			"frames_received":     atomic.LoadInt64(&s.stats.FramesReceived),
			"malformed_frames":    atomic.LoadInt64(&s.stats.MalformedFrames),
			"rate_limited_frames": atomic.LoadInt64(&s.stats.RateLimitedFrames),
			"messages_sent":       atomic.LoadInt64(&s.stats.MessagesSent),
			"bytes_sent":          atomic.LoadInt64(&s.stats.BytesSent),
		},
		"disconnects": disconnects,
		"system": map[string]any{
			"cpu_percent":    cpuPercent,
			"cpu_allocation": s.cpuAllocation,
			"memory_mb":      memoryMB,
			"goroutines":     runtime.NumGoroutine(),
		},
		"resource_guard": s.resourceGuard.GetStats(),
		"ingest": map[string]any{
			"nats":  s.natsBridge != nil,
			"kafka": s.kafkaBridge != nil,
		},
	})
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, _ *http.Request) {
	events := s.store.AllLatest()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(events),
		"devices": events,
	})
}

func (s *Server) handleDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]
	e, ok := s.store.Latest(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no telemetry for device %q", deviceID))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleRecentAlarms(w http.ResponseWriter, _ *http.Request) {
	alarms := s.store.RecentAlarms()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(alarms),
		"alarms": alarms,
	})
}

// handlePublish accepts an event over REST and broadcasts it like a producer frame
func (s *Server) handlePublish(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		e, err := relay.EventFromJSON(kind, body)
		if err == nil {
			err = relay.ValidateEvent(e)
		}
		if err != nil {
			s.logger.Debug().Err(err).Str("type", kind).Msg("Rejected published event")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		e.Stamp(time.Now())
		var delivered int
		if kind == relay.TypeAlarm {
			delivered = s.hub.Broadcaster().Alarm(e)
		} else {
			delivered = s.hub.Broadcaster().Telemetry(e)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"type":      kind,
			"delivered": delivered,
		})
	}
}

type connectionInfo struct {
	ID            string    `json:"id"`
	ClientType    string    `json:"clientType"`
	DeviceID      string    `json:"deviceId,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Subscriptions []string  `json:"subscriptions"`
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.hub.Registry().All()
	infos := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, connectionInfo{
			ID:            c.ID(),
			ClientType:    string(c.Role()),
			DeviceID:      c.DeviceID(),
			ConnectedAt:   c.ConnectedAt().UTC(),
			LastActivity:  c.LastActivity().UTC(),
			Subscriptions: s.hub.Subscriptions().DevicesOf(c),
		})
	}

	producers, consumers := s.hub.Registry().Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"producers":   producers,
		"consumers":   consumers,
		"devices":     s.hub.Subscriptions().Devices(),
		"connections": infos,
	})
}
