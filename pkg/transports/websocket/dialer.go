package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/suara/pkg/transports"
)

// Dialer opens gorilla websocket connections.
type Dialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

func (d Dialer) withDefaults() Dialer {
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	if d.WriteTimeout <= 0 {
		d.WriteTimeout = 10 * time.Second
	}
	if d.ReadLimit <= 0 {
		d.ReadLimit = 32 << 20
	}
	return d
}

func (d Dialer) Dial(ctx context.Context, url string, headers map[string]string) (transports.Conn, error) {
	d = d.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	conn, resp, err := dialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(d.ReadLimit)
	return &Conn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// Conn adapts *websocket.Conn to transports.Conn. Only text and binary frames
// are surfaced; control frames are handled by gorilla.
type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if IsCloseError(err) {
				return nil, fmt.Errorf("%w: %v", transports.ErrClosed, err)
			}
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsCloseError reports whether err is a normal websocket shutdown.
func IsCloseError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}
