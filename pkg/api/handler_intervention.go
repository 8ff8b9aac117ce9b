package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/peregrine-agent/peregrine/pkg/intervention"
	"github.com/peregrine-agent/peregrine/pkg/store"
)

// decisionRequest is the body of POST /api/v1/interventions/:id/decision.
type decisionRequest struct {
	Action       string         `json:"action" binding:"required"`
	ModifiedData map[string]any `json:"modified_data,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// GetPendingIntervention handles
// GET /api/v1/sessions/:id/interventions/pending.
func (s *Server) GetPendingIntervention(c *gin.Context) {
	if s.interventions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending intervention"})
		return
	}

	id := c.Param("id")
	iv, err := s.interventions.GetPending(c.Request.Context(), id)
	if err != nil {
		s.log.Error("failed to load pending intervention", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load intervention"})
		return
	}
	if iv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending intervention"})
		return
	}

	c.JSON(http.StatusOK, iv)
}

// SubmitDecision handles POST /api/v1/interventions/:id/decision. The
// first decision wins; a repeat submit against a resolved request is
// acknowledged without overwriting.
func (s *Server) SubmitDecision(c *gin.Context) {
	if s.interventions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "intervention not found"})
		return
	}

	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	ok, err := s.interventions.SubmitDecision(c.Request.Context(), id, req.Action, req.ModifiedData, req.Reason)
	if errors.Is(err, intervention.ErrUnknownAction) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "intervention not found"})
		return
	}
	if err != nil {
		s.log.Error("failed to submit decision", "intervention_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit decision"})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "intervention already resolved"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "resolved", "action": req.Action})
}
