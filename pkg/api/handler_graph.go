package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/store"
)

// GetGraph handles GET /api/v1/sessions/:id/graph?type=task|causal and
// returns the persisted node and edge snapshot.
func (s *Server) GetGraph(c *gin.Context) {
	id := c.Param("id")

	graphType := c.DefaultQuery("type", graph.GraphTypeTask)
	if graphType != graph.GraphTypeTask && graphType != graph.GraphTypeCausal {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be task or causal"})
		return
	}

	snapshot, err := s.store.GetGraphSnapshot(c.Request.Context(), id, graphType)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		s.log.Error("failed to load graph snapshot",
			"session_id", id, "graph_type", graphType, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load graph"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}
