package relay

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the relay core. None of them is fatal to the process:
// each one affects a single frame or a single connection.
var (
	// ErrMalformedFrame: the frame could not be parsed or lacks a required field.
	// The frame is dropped and the connection stays open.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrDeliveryFailure: the recipient could not accept an event.
	// The recipient is skipped and not counted.
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrConnectionTerminated: the server closed the connection (liveness deadline,
	// slow consumer, shutdown).
	ErrConnectionTerminated = errors.New("connection terminated")

	// ErrDispatch: an unexpected failure while routing a frame.
	ErrDispatch = errors.New("dispatch error")

	// ErrShuttingDown: the hub no longer admits connections.
	ErrShuttingDown = errors.New("relay shutting down")
)

var (
	errConnClosed = fmt.Errorf("%w: connection closed", ErrDeliveryFailure)
	errBufferFull = fmt.Errorf("%w: send buffer full", ErrDeliveryFailure)
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}
