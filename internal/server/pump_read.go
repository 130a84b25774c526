package server

import (
	"io"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/adred-codev/telemetry-relay/internal/relay"
	"github.com/gobwas/ws"
)

// readPump reads frames until the client goes away, handing complete text
// messages to the router. Pongs (and client pings) count as activity for the
// liveness monitor. There is no read deadline: the monitor reaps idle clients.
func (s *Server) readPump(c *relay.Conn, sock *socket) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.ID(),
	})

	disconnectReason := monitoring.DisconnectReasonReadError
	defer func() {
		s.hub.Disconnect(c, disconnectReason, monitoring.DisconnectInitiatedByClient)
		<-s.connectionsSem
	}()

	var (
		message    []byte // Fragments of the message being reassembled
		fragmented bool   // A data frame without FIN has started a message
	)
	protocolError := func(reason string) {
		s.logger.Warn().
			Str("conn_id", c.ID()).
			Str("reason", reason).
			Msg("Closing connection: protocol error")
		disconnectReason = monitoring.DisconnectReasonProtocolError
		_ = sock.closeWith(ws.StatusProtocolError, reason)
	}

	for {
		header, err := ws.ReadHeader(sock.br)
		if err != nil {
			return
		}
		// Client frames must be masked (RFC 6455 section 5.1)
		if !header.Masked {
			protocolError("unmasked client frame")
			return
		}
		if header.OpCode.IsControl() && !header.Fin {
			protocolError("fragmented control frame")
			return
		}
		if header.Length > maxMessageSize || int64(len(message))+header.Length > maxMessageSize {
			s.logger.Warn().
				Str("conn_id", c.ID()).
				Int64("frame_size", header.Length).
				Msg("Client frame exceeds size limit")
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(sock.br, payload); err != nil {
			return
		}
		ws.Cipher(payload, header.Mask, 0)

		switch header.OpCode {
		case ws.OpClose:
			disconnectReason = monitoring.DisconnectReasonClientInitiated
			return

		case ws.OpPing:
			s.hub.Registry().Touch(c)
			if _, err := sock.write(ws.NewPongFrame(payload)); err != nil {
				return
			}

		case ws.OpPong:
			s.hub.Registry().Touch(c)

		case ws.OpText, ws.OpBinary:
			if fragmented {
				protocolError("new message before the previous one finished")
				return
			}
			if !header.Fin {
				message, fragmented = payload, true
				continue
			}
			s.dispatch(c, payload)

		case ws.OpContinuation:
			if !fragmented {
				protocolError("continuation frame without a message to continue")
				return
			}
			message = append(message, payload...)
			if header.Fin {
				s.dispatch(c, message)
				message, fragmented = nil, false
			}

		default:
			protocolError("reserved opcode")
			return
		}
	}
}

func (s *Server) dispatch(c *relay.Conn, data []byte) {
	if err := s.hub.Router().OnFrame(c, data); err != nil {
		s.logger.Debug().
			Err(err).
			Str("conn_id", c.ID()).
			Msg("Frame not relayed")
	}
}
