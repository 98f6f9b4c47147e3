package conn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established streaming connection to the recognition backend.
type Conn interface {
	// ReadMessage blocks until the next message or a connection error.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// WritePing sends a transport-level ping; the pong handler registered
	// via SetPongHandler fires when the peer answers.
	WritePing(data []byte) error
	SetPongHandler(fn func())
	Close() error
}

// Transport dials streaming connections. The websocket implementation is the
// production one; tests substitute a scripted fake.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketTransport dials gorilla websocket connections.
type WebSocketTransport struct {
	// Header is attached to the handshake request (e.g. Authorization).
	Header http.Header
}

func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	c, resp, err := dialer.DialContext(ctx, url, t.Header)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) WritePing(data []byte) error {
	return w.c.WriteControl(websocket.PingMessage, data, time.Now().Add(5*time.Second))
}

func (w *wsConn) SetPongHandler(fn func()) {
	w.c.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
