package models

import "time"

// Graph operation commands a Planner may emit.
const (
	OpAddNode       = "ADD_NODE"
	OpUpdateNode    = "UPDATE_NODE"
	OpDeleteNode    = "DELETE_NODE"
	OpDeprecateNode = "DEPRECATE_NODE"
)

// GraphOperation is one planner-issued mutation of the task graph.
// ADD_NODE uses ID + the descriptive fields; UPDATE/DELETE/DEPRECATE use
// NodeID (falling back to ID when the LLM conflates the two).
type GraphOperation struct {
	Command            string         `json:"command"`
	ID                 string         `json:"id,omitempty"`
	NodeID             string         `json:"node_id,omitempty"`
	Description        string         `json:"description,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	Priority           int            `json:"priority,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	CompletionCriteria string         `json:"completion_criteria,omitempty"`
	MissionBriefing    map[string]any `json:"mission_briefing,omitempty"`
	Updates            map[string]any `json:"updates,omitempty"`
}

// TargetID returns the node the operation addresses.
func (op GraphOperation) TargetID() string {
	if op.NodeID != "" {
		return op.NodeID
	}
	return op.ID
}

// PlanningDecision is the full output of a dynamic planning round.
type PlanningDecision struct {
	GraphOperations           []GraphOperation `json:"graph_operations"`
	GlobalMissionBriefing     string           `json:"global_mission_briefing,omitempty"`
	Reasoning                 string           `json:"reasoning,omitempty"`
	GlobalMissionAccomplished bool             `json:"global_mission_accomplished,omitempty"`
}

// PlanSummary condenses one planning round for the history window.
type PlanSummary struct {
	OperationsCount int  `json:"operations_count"`
	NodesAdded      int  `json:"nodes_added"`
	Success         bool `json:"success"`
}

// PlanningAttempt is one entry in the planner's history window.
type PlanningAttempt struct {
	Timestamp   time.Time   `json:"timestamp"`
	Goal        string      `json:"goal"`
	Strategy    string      `json:"strategy,omitempty"`
	Assumptions []string    `json:"assumptions,omitempty"`
	PlanSummary PlanSummary `json:"generated_plan_summary"`
}

// PlannerContext is the rolling memory handed back to the Planner on each
// dynamic round. Entries older than the history window are compressed into
// CompressedSummary.
type PlannerContext struct {
	PlanningHistory         []PlanningAttempt `json:"planning_history,omitempty"`
	RejectedStrategies      map[string]string `json:"rejected_strategies,omitempty"`
	LongTermObjectives      []string          `json:"long_term_objectives,omitempty"`
	LatestReflectionSummary string            `json:"latest_reflection_summary,omitempty"`
	PreviousSession         string            `json:"previous_planning_session,omitempty"`
	CompressedSummary       string            `json:"compressed_history_summary,omitempty"`
	CompressionCount        int               `json:"compression_count"`
}

// FailedTaskSummary describes one failed subtask for the replanning prompt.
type FailedTaskSummary struct {
	ID      string `json:"id"`
	Summary string `json:"summary,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
