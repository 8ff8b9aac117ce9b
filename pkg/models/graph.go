package models

import (
	"fmt"
	"time"
)

// Task-graph node kinds.
const (
	NodeKindRootTask      = "root_task"
	NodeKindSubtask       = "subtask"
	NodeKindExecutionStep = "execution_step"
)

// Task-graph edge types.
const (
	EdgeDecomposition = "decomposition"
	EdgeDependency    = "dependency"
	EdgeExecution     = "execution"
	EdgeProduces      = "produces"
)

// Subtask statuses. The terminal set is irreversible: once a subtask enters
// it, no transition back to a non-terminal status is accepted.
const (
	StatusPending        = "pending"
	StatusInProgress     = "in_progress"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
	StatusBlocked        = "blocked"
	StatusDeprecated     = "deprecated"
	StatusStalledOrphan  = "stalled_orphan"
	StatusCompletedError = "completed_error"
)

var terminalStatuses = map[string]bool{
	StatusCompleted:      true,
	StatusFailed:         true,
	StatusDeprecated:     true,
	StatusStalledOrphan:  true,
	StatusCompletedError: true,
}

var validStatuses = map[string]bool{
	StatusPending:        true,
	StatusInProgress:     true,
	StatusCompleted:      true,
	StatusFailed:         true,
	StatusBlocked:        true,
	StatusDeprecated:     true,
	StatusStalledOrphan:  true,
	StatusCompletedError: true,
}

// IsTerminalStatus reports whether a subtask status is terminal.
func IsTerminalStatus(status string) bool { return terminalStatuses[status] }

// IsValidStatus reports whether a status belongs to the subtask lifecycle.
func IsValidStatus(status string) bool { return validStatuses[status] }

// RootTask anchors the task graph. Created once per session, never deleted.
type RootTask struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ExecSummaryCache tracks how fresh a subtask's cached execution summary is.
type ExecSummaryCache struct {
	Summary      string    `json:"summary,omitempty"`
	LastSequence int64     `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Subtask is a unit of work in the task graph.
type Subtask struct {
	ID                 string         `json:"id"`
	Description        string         `json:"description"`
	Status             string         `json:"status"`
	Priority           int            `json:"priority"`
	Reason             string         `json:"reason,omitempty"`
	CompletionCriteria string         `json:"completion_criteria,omitempty"`
	MissionBriefing    map[string]any `json:"mission_briefing,omitempty"`
	Summary            string         `json:"summary,omitempty"`

	Artifacts            []string         `json:"artifacts,omitempty"`
	StagedCausalNodes    []CausalNode     `json:"staged_causal_nodes,omitempty"`
	ConversationHistory  []Message        `json:"conversation_history,omitempty"`
	TurnCounter          int              `json:"turn_counter"`
	LastStepIDs          []string         `json:"last_step_ids,omitempty"`
	ExecSummaryCache     ExecSummaryCache `json:"execution_summary_cache"`
	Warnings             []string         `json:"warnings,omitempty"`
	TerminationReason    string           `json:"termination_reason,omitempty"`
	ExecutedSteps        int              `json:"executed_steps"`
	DisableArtifactCheck bool             `json:"disable_artifact_check,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppendWarning records a timestamped warning on the subtask.
func (s *Subtask) AppendWarning(msg string) {
	s.Warnings = append(s.Warnings, fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), msg))
}

// StepAction is the tool invocation an execution step performs.
type StepAction struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// Execution-step statuses.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
	StepStatusAborted    = "aborted"
)

// ExecutionStep is a single thought-act-observe record within a subtask.
type ExecutionStep struct {
	ID                        string         `json:"id"`
	ParentID                  string         `json:"parent_id"`
	Thought                   string         `json:"thought,omitempty"`
	Action                    StepAction     `json:"action"`
	Observation               string         `json:"observation,omitempty"`
	ObservationTruncated      bool           `json:"observation_truncated,omitempty"`
	ObservationOriginalLength int            `json:"observation_original_length,omitempty"`
	Status                    string         `json:"status"`
	Sequence                  int64          `json:"sequence"`
	HypothesisUpdate          map[string]any `json:"hypothesis_update,omitempty"`
	CreatedAt                 time.Time      `json:"created_at"`
}

// TaskEdge is a typed edge in the task graph.
type TaskEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// GraphSnapshot is the serializable view of one graph, used by the API and
// the persistence mirror.
type GraphSnapshot struct {
	GraphType string           `json:"graph_type"`
	Nodes     []map[string]any `json:"nodes"`
	Edges     []map[string]any `json:"edges"`
}
