package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWebSocket exposes s over a WebSocket endpoint and returns its ws:// URL.
func startWebSocket(t *testing.T, s *Server) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = s.Handle(context.WithoutCancel(r.Context()), NewWebSocketConn(ws), TransportWebSocket)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestWebSocket_RelaysWithTCPClients(t *testing.T) {
	s, h := newTestServer(t, 10)
	tcpAddr := startTCP(t, s)
	wsURL := startWebSocket(t, s)

	tcp := dial(t, tcpAddr, h)
	ws := dialWebSocket(t, wsURL)
	require.Eventually(t, func() bool { return h.Len() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("from browser")))
	tcp.expect(t, "from browser\n")

	tcp.send(t, "from terminal\n")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "from terminal", string(data))
}

func TestWebSocket_NoEchoToSender(t *testing.T) {
	s, h := newTestServer(t, 10)
	wsURL := startWebSocket(t, s)

	a := dialWebSocket(t, wsURL)
	b := dialWebSocket(t, wsURL)
	require.Eventually(t, func() bool { return h.Len() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("one\n")))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, a.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = a.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocket_CloseReleasesSubscription(t *testing.T) {
	s, h := newTestServer(t, 10)
	wsURL := startWebSocket(t, s)

	ws := dialWebSocket(t, wsURL)
	require.Eventually(t, func() bool { return h.Len() == 1 }, waitFor, time.Millisecond)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, msg))

	require.Eventually(t, func() bool { return h.Len() == 0 && s.ActiveConnections() == 0 }, waitFor, time.Millisecond)
}

func TestWebSocket_FrameIsOneLine(t *testing.T) {
	s, h := newTestServer(t, 10)
	tcpAddr := startTCP(t, s)
	wsURL := startWebSocket(t, s)

	tcp := dial(t, tcpAddr, h)
	ws := dialWebSocket(t, wsURL)
	require.Eventually(t, func() bool { return h.Len() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("a\nb\r\nc\n")))
	tcp.expect(t, "a b c\n")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("next")))
	tcp.expect(t, "next\n")
}

func TestFrameToLine(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "\n"},
		{"plain", "plain\n"},
		{"terminated\n", "terminated\n"},
		{"a\nb", "a b\n"},
		{"a\r\nb\n", "a b\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(frameToLine([]byte(tt.in))), "frame %q", tt.in)
	}
}
