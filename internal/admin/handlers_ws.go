package admin

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatrelay/internal/relay"
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newCheckOrigin(s.isDev),
	}
}

// handleWebSocket upgrades the request and hands the connection to the relay. The relay owns the
// connection afterwards, so it must outlive the request context.
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader().Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written an error response.
		slog.Debug("WebSocket upgrade failed", "remote", c.Request().RemoteAddr, "error", err)
		return nil
	}

	ctx := context.WithoutCancel(c.Request().Context())
	if err := s.relay.Handle(ctx, relay.NewWebSocketConn(ws), relay.TransportWebSocket); err != nil {
		slog.Debug("WebSocket connection not admitted", "remote", c.Request().RemoteAddr, "error", err)
	}
	return nil
}
