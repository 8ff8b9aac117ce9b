package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// HandleWS handles GET /ws: upgrades the connection and hands it to the
// events connection manager, which owns the subscribe/catchup protocol.
// Blocks until the client disconnects.
func (s *Server) HandleWS(c *gin.Context) {
	if s.connManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WebSocket not available"})
		return
	}

	// Same-host clients are always accepted; cross-origin dashboards need
	// explicit origin patterns from the config.
	opts := &websocket.AcceptOptions{OriginPatterns: s.allowedWSOrigins}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	s.connManager.HandleConnection(c.Request.Context(), conn)
}
