package stream

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a duplex connection the client uses.
// *websocket.Conn satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a duplex connection to the assistant service.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{Dialer: websocket.DefaultDialer}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
