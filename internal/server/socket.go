package server

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// socket serializes frame writes to one upgraded connection. The write pump
// and the read pump (pong replies) both write, so every write goes through mu.
type socket struct {
	conn net.Conn
	br   *bufio.Reader

	mu sync.Mutex
	bw *bufio.Writer

	closeOnce sync.Once
}

func newSocket(conn net.Conn) *socket {
	return &socket{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

// write sends frames as one flushed batch. Returns the payload bytes written.
func (s *socket) write(frames ...ws.Frame) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	n := 0
	for _, f := range frames {
		if err := ws.WriteFrame(s.bw, f); err != nil {
			return n, err
		}
		n += len(f.Payload)
	}
	return n, s.bw.Flush()
}

// Close sends a normal-closure frame when no write is in progress, then closes
// the connection. Only the first call (of Close or closeWith) has any effect.
func (s *socket) Close() error {
	return s.closeWith(ws.StatusNormalClosure, "")
}

// closeWith is Close with an explicit close status, used for protocol
// violations and shutdown rejections.
func (s *socket) closeWith(status ws.StatusCode, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		if s.mu.TryLock() {
			s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			body := ws.NewCloseFrameBody(status, reason)
			if ws.WriteFrame(s.bw, ws.NewCloseFrame(body)) == nil {
				_ = s.bw.Flush()
			}
			s.mu.Unlock()
		}
		err = s.conn.Close()
	})
	return err
}
