package server

import (
	"sync/atomic"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/relay"
	"github.com/gobwas/ws"
)

// writePump drains the connection's outbound queue onto the socket.
//
// Frames already queued when the pump wakes are written as one batch and
// flushed once. Liveness probes from the monitor become WebSocket pings.
// The pump exits when the connection is closed or a write fails.
func (s *Server) writePump(c *relay.Conn, sock *socket) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.ID(),
	})

	frames := make([]ws.Frame, 0, 16)
	for {
		select {
		case message := <-c.Outbound():
			frames = append(frames[:0], ws.NewTextFrame(message))
			for n := len(c.Outbound()); n > 0; n-- {
				frames = append(frames, ws.NewTextFrame(<-c.Outbound()))
			}

			written, err := sock.write(frames...)
			if err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Failed to write message")
				s.hub.Disconnect(c, monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
				return
			}
			atomic.AddInt64(&s.stats.MessagesSent, int64(len(frames)))
			atomic.AddInt64(&s.stats.BytesSent, int64(written))
			monitoring.UpdateBytesSent(written)

		case <-c.Probes():
			if _, err := sock.write(ws.NewPingFrame(nil)); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Failed to send ping")
				s.hub.Disconnect(c, monitoring.DisconnectReasonWriteError, monitoring.DisconnectInitiatedByServer)
				return
			}

		case <-c.Done():
			return
		}
	}
}
