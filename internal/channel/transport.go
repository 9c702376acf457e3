package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a connection to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer websocket.Dialer
	Header http.Header
}

// NewGorillaDialer returns a dialer with a handshake timeout.
func NewGorillaDialer(handshakeTimeout time.Duration) *GorillaDialer {
	return &GorillaDialer{
		Dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("ws dial failed: %w", err)
	}
	return conn, nil
}
