package relay

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxMessageSize = 64 * 1024
	wsCloseTimeout   = time.Second
)

// WebSocketConn adapts a WebSocket to Conn. Every text or binary message read becomes exactly one
// newline-terminated line, with embedded line breaks replaced by spaces; every Write is sent as one text
// message without its trailing newline.
type WebSocketConn struct {
	ws      *websocket.Conn
	pending bytes.Reader
}

func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	ws.SetReadLimit(wsMaxMessageSize)
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	for c.pending.Len() == 0 {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("websocket read: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		c.pending.Reset(frameToLine(data))
	}
	return c.pending.Read(p)
}

// frameToLine turns one message into one line: a single trailing newline is kept, inner ones become spaces.
func frameToLine(data []byte) []byte {
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte(" "))
	data = bytes.ReplaceAll(data, []byte("\n"), []byte(" "))
	return append(data, '\n')
}

func (c *WebSocketConn) Write(p []byte) (int, error) {
	text := strings.TrimSuffix(string(p), "\n")
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return 0, fmt.Errorf("websocket write: %w", err)
	}
	return len(p), nil
}

// Close sends a close frame on a best-effort basis and closes the underlying connection.
func (c *WebSocketConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
	return c.ws.Close()
}

func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
