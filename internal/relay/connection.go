package relay

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Role is the part a connection plays in the relay
type Role string

const (
	RoleProducer Role = "producer" // Device or data source pushing readings
	RoleConsumer Role = "consumer" // Dashboard receiving broadcasts
)

// ParseRole maps the clientType query parameter onto a Role.
// An empty value means consumer.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "":
		return RoleConsumer, nil
	case RoleProducer, RoleConsumer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown client type %q", s)
	}
}

// Conn is one open client channel as seen by the relay core.
//
// The transport owns the socket; Conn only holds what the core needs:
// identity, role, bound device, activity timestamp and a bounded outbound
// queue. Outbound frames are never written from the caller's goroutine:
// Send enqueues and the transport's write pump drains Outbound().
//
// The send queue is never closed. Closing a Conn closes Done() instead, so a
// broadcast racing with a close can never panic on a closed channel.
type Conn struct {
	id          string
	role        Role
	deviceID    string
	connectedAt time.Time

	lastActivity atomic.Int64 // unix nanos

	send  chan []byte   // Outbound event queue (FIFO per connection)
	probe chan struct{} // Pending liveness ping (capacity 1)
	done  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closer    io.Closer

	reasonMu    sync.Mutex
	closeReason string

	// Consecutive deliveries dropped because the send queue was full
	dropStrikes atomic.Int32
	slowWarned  atomic.Bool
}

// NewConn creates a connection with a fresh UUID. closer is the underlying
// channel (may be nil in tests); it is closed exactly once by Close.
func NewConn(role Role, deviceID string, sendBuffer int, closer io.Closer) *Conn {
	if sendBuffer < 1 {
		sendBuffer = 1
	}
	now := time.Now()
	c := &Conn{
		id:          uuid.NewString(),
		role:        role,
		deviceID:    deviceID,
		connectedAt: now,
		send:        make(chan []byte, sendBuffer),
		probe:       make(chan struct{}, 1),
		done:        make(chan struct{}),
		closer:      closer,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Conn) ID() string             { return c.id }
func (c *Conn) Role() Role             { return c.role }
func (c *Conn) DeviceID() string       { return c.deviceID }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the most recent inbound frame or pong
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch marks the connection active now
func (c *Conn) Touch() {
	c.TouchAt(time.Now())
}

// TouchAt marks the connection active at t. Older timestamps never win.
func (c *Conn) TouchAt(t time.Time) {
	n := t.UnixNano()
	for {
		cur := c.lastActivity.Load()
		if n <= cur || c.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

// IsOpen reports whether the connection has not been closed
func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}

// Send queues data without blocking. It fails when the connection is closed
// or its queue is full; both wrap ErrDeliveryFailure.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBufferFull
	}
}

// Probe requests a liveness ping. Returns false if the connection is closed
// or a probe is already pending.
func (c *Conn) Probe() bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.probe <- struct{}{}:
		return true
	default:
		return false
	}
}

// Outbound is drained by the transport's write pump
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Probes delivers pending liveness ping requests to the write pump
func (c *Conn) Probes() <-chan struct{} { return c.probe }

// Done is closed when the connection is closed
func (c *Conn) Done() <-chan struct{} { return c.done }

// Pending returns the number of queued outbound frames
func (c *Conn) Pending() int { return len(c.send) }

// Close marks the connection closed and closes the underlying channel once.
// Later calls return nil.
func (c *Conn) Close() error {
	return c.closeWithReason("")
}

func (c *Conn) closeWithReason(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.closeReason = reason
		c.reasonMu.Unlock()

		c.closed.Store(true)
		close(c.done)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

// Err returns nil while open. After a server-side termination it wraps
// ErrConnectionTerminated with the reason.
func (c *Conn) Err() error {
	if c.IsOpen() {
		return nil
	}
	c.reasonMu.Lock()
	reason := c.closeReason
	c.reasonMu.Unlock()
	if reason == "" {
		return errConnClosed
	}
	return fmt.Errorf("%w: %s", ErrConnectionTerminated, reason)
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s/%s", c.role, c.id)
}
