package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/session"
	"github.com/peregrine-agent/peregrine/pkg/store"
)

// CreateSession handles POST /api/v1/sessions. The mission starts running
// before the response is written.
func (s *Server) CreateSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sess, err := s.registry.Start(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, session.ErrEmptyGoal) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("failed to start session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		return
	}

	c.JSON(http.StatusCreated, sess)
}

// ListSessions handles GET /api/v1/sessions with limit/offset paging.
func (s *Server) ListSessions(c *gin.Context) {
	limit := queryInt(c, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	resp, err := s.store.ListSessions(c.Request.Context(), limit, offset)
	if err != nil {
		s.log.Error("failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession handles GET /api/v1/sessions/:id.
func (s *Server) GetSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.store.GetSession(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		s.log.Error("failed to load session", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": sess,
		"running": s.registry.Running(id),
	})
}

// HaltSession handles POST /api/v1/sessions/:id/halt. The halt is a
// graceful signal: the engine notices it at the next probe point.
func (s *Server) HaltSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Halt(id); err != nil {
		if errors.Is(err, session.ErrNotRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "session is not running"})
			return
		}
		s.log.Error("failed to halt session", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to halt session"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "halting"})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
