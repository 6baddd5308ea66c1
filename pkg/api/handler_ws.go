package api

import (
	echo "github.com/labstack/echo/v5"

	"github.com/coder/websocket"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to
// ConnectionManager. Clients send {"action":"subscribe","execution_id":
// "..."} over the connection to stream one execution's events in real
// time; the manager alone knows how that maps to a NOTIFY channel.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(503, "event streaming not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
