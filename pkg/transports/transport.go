package transports

import (
	"context"
	"errors"
)

// ErrClosed is returned by Conn methods after Close.
var ErrClosed = errors.New("transport closed")

// Conn is one established duplex message connection. ReadMessage is called
// from a single reader goroutine and WriteMessage from a single writer
// goroutine; Close may be called concurrently with both.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections to the session backend.
type Dialer interface {
	Dial(ctx context.Context, url string, headers map[string]string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, headers map[string]string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string, headers map[string]string) (Conn, error) {
	return f(ctx, url, headers)
}
