package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session lifecycle statuses.
const (
	SessionStatusPending   = "pending"
	SessionStatusRunning   = "running"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
	SessionStatusStopped   = "stopped"
)

// Session is one mission: a goal plus the run that pursues it.
type Session struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Goal      string         `json:"goal"`
	Status    string         `json:"status"`
	SortIndex int            `json:"sort_index"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSessionID builds a session identifier from the current time and a
// short random suffix, e.g. "task_1716400000_1a2b3c4d".
func NewSessionID() string {
	return fmt.Sprintf("task_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
}

// CreateSessionRequest contains the fields accepted when creating a mission.
type CreateSessionRequest struct {
	Name   string         `json:"name,omitempty"`
	Goal   string         `json:"goal"`
	Config map[string]any `json:"config,omitempty"`
}

// SessionListResponse contains a paginated session list.
type SessionListResponse struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}
