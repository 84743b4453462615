package conn

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// Conn is the subset of the websocket connection the Manager uses.
// Narrowing it lets tests substitute an in-process pipe.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer establishes the underlying websocket channel
type Dialer interface {
	Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error)
}

// GorillaDialer is the production Dialer backed by gorilla/websocket
type GorillaDialer struct {
	dialer *websocket.Dialer
}

// NewGorillaDialer creates a Dialer using gorilla's default settings
func NewGorillaDialer() *GorillaDialer {
	return &GorillaDialer{dialer: websocket.DefaultDialer}
}

func (g *GorillaDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	ws, resp, err := g.dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return ws, nil
}
