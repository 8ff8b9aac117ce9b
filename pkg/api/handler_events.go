package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GetEvents handles GET /api/v1/sessions/:id/events?after=<id>&limit=.
// It pages the durable event feed; the WebSocket catchup path runs the
// same query.
func (s *Server) GetEvents(c *gin.Context) {
	id := c.Param("id")

	var after int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		after = v
	}

	limit := queryInt(c, "limit", defaultEventLimit)
	if limit < 1 || limit > maxEventLimit {
		limit = defaultEventLimit
	}

	records, err := s.store.GetEventsSince(c.Request.Context(), id, after, limit)
	if err != nil {
		s.log.Error("failed to load events", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"events":     records,
		"count":      len(records),
	})
}
