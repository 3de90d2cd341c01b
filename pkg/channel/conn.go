package channel

import (
	"sync/atomic"

	"github.com/harunnryd/suara/pkg/transports"
)

// connection pairs a transport conn with its writer goroutine. enqueue and
// close are only called from the event loop.
type connection struct {
	conn   transports.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func newConnection(conn transports.Conn, buffer int) *connection {
	return &connection{conn: conn, sendCh: make(chan []byte, buffer)}
}

func (s *connection) enqueue(b []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.sendCh <- b:
		return true
	default:
		return false
	}
}

// writeLoop drains the send queue until close. The first write error is
// reported through onErr and ends the loop.
func (s *connection) writeLoop(onErr func(error)) {
	for msg := range s.sendCh {
		if err := s.conn.WriteMessage(msg); err != nil {
			onErr(err)
			return
		}
	}
}

func (s *connection) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	return s.conn.Close()
}
