package models

import "time"

// Event names emitted through the broker and the durable event feed.
const (
	EventSessionCreated           = "session.created"
	EventSessionStatus            = "session.status"
	EventPlanningInitialCompleted = "planning.initial.completed"
	EventPlanningDynamicCompleted = "planning.dynamic.completed"
	EventGraphChanged             = "graph.changed"
	EventStepCompleted            = "execution.step.completed"
	EventExecutionHalt            = "execution.halt"
	EventReflectionCompleted      = "reflection.completed"
	EventInterventionRequired     = "intervention.required"
	EventInterventionResolved     = "intervention.resolved"
	EventLLMRequest               = "llm.request"
	EventLLMResponse              = "llm.response"
	EventMissionCompleted         = "mission.completed"
	EventShutdown                 = "shutdown"
)

// Envelope is the timestamped wrapper every broker subscriber receives.
// SessionID is empty for broadcast events.
type Envelope struct {
	Event     string         `json:"event"`
	TS        time.Time      `json:"ts"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// EventRecord is one row of the durable event feed (event_logs table).
type EventRecord struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	Content   map[string]any `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}
