package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harunnryd/suara/pkg/transports"
)

// Dialer is an in-memory dialer for tests. Each successful Dial yields a Conn
// the test drives from the server side.
type Dialer struct {
	mu    sync.Mutex
	err   error
	conns []*Conn
	dials int
}

func NewDialer() *Dialer {
	return &Dialer{}
}

// FailWith makes subsequent dials fail with err (nil restores success).
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, url string, headers map[string]string) (transports.Conn, error) {
	d.mu.Lock()
	d.dials++
	err := d.err
	var conn *Conn
	if err == nil {
		conn = NewConn()
		d.conns = append(d.conns, conn)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Dials reports how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently dialed connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn is an in-memory transports.Conn.
type Conn struct {
	recvCh chan []byte
	mu     sync.Mutex
	sent   [][]byte
	done   chan struct{}
	err    error
	closed atomic.Bool
}

func NewConn() *Conn {
	return &Conn{
		recvCh: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.recvCh:
		return data, nil
	case <-c.done:
		return nil, c.closeErr()
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return transports.ErrClosed
	}
	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.Drop(nil)
	return nil
}

// Push injects an inbound frame.
func (c *Conn) Push(data []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.recvCh <- data:
	default:
	}
}

// Drop simulates the server closing the connection with err.
func (c *Conn) Drop(err error) {
	if c.closed.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	}
}

// Sent returns a copy of every frame written so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return transports.ErrClosed
}
