package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health handles GET /health. The database probe is authoritative; MCP
// trouble degrades the report without failing it, since running sessions
// keep their own retry paths.
func (s *Server) Health(c *gin.Context) {
	status := "healthy"
	database := "ok"
	code := http.StatusOK

	if s.dbProbe != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.dbProbe(ctx); err != nil {
			status = "unhealthy"
			database = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	body := gin.H{
		"status":   status,
		"database": database,
		"version":  s.version,
	}

	if s.mcpHealthy != nil {
		healthy := s.mcpHealthy()
		body["mcp"] = healthy
		if !healthy && status == "healthy" {
			body["status"] = "degraded"
		}
	}

	c.JSON(code, body)
}
