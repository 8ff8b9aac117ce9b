package models

import "time"

// Audit statuses a Reflector may return. The set is open (the LLM chooses),
// but these are the values the orchestrator branches on.
const (
	AuditGoalAchieved   = "GOAL_ACHIEVED"
	AuditFailed         = "FAILED"
	AuditPartialSuccess = "PARTIAL_SUCCESS"
	AuditStalled        = "STALLED"
	AuditAggregated     = "AGGREGATED"
)

// AuditResult is the Reflector's verdict on a finished subtask.
type AuditResult struct {
	Status             string   `json:"status"`
	CompletionCheck    string   `json:"completion_check,omitempty"`
	MethodologyIssues  []string `json:"methodology_issues,omitempty"`
	LogicIssues        []string `json:"logic_issues,omitempty"`
	IsStrategicFailure bool     `json:"is_strategic_failure,omitempty"`
	ValidatedNodes     []string `json:"validated_nodes,omitempty"`
}

// Insight is the opaque strategic takeaway attached to a reflection.
type Insight struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// Reflection is the full Reflector output for one subtask.
type Reflection struct {
	SubtaskID          string             `json:"subtask_id"`
	AuditResult        AuditResult        `json:"audit_result"`
	KeyFindings        []string           `json:"key_findings,omitempty"`
	ValidatedNodes     []CausalNode       `json:"validated_nodes,omitempty"`
	Insight            *Insight           `json:"insight,omitempty"`
	CausalGraphUpdates CausalGraphUpdates `json:"causal_graph_updates"`
	KeyFacts           []string           `json:"key_facts,omitempty"`
	Metrics            *CycleMetrics      `json:"metrics,omitempty"`
}

// ReflectionInsight is one entry in the reflector's rolling log.
type ReflectionInsight struct {
	Timestamp        time.Time `json:"timestamp"`
	SubtaskID        string    `json:"subtask_id"`
	NormalizedStatus string    `json:"normalized_status"`
	KeyInsight       string    `json:"key_insight,omitempty"`
	FailurePattern   string    `json:"failure_pattern,omitempty"`
}

// ReflectorContext is the rolling memory handed to the Reflector. Entries
// older than the history window are compressed into CompressedSummary.
type ReflectorContext struct {
	ReflectionLog     []ReflectionInsight `json:"reflection_log,omitempty"`
	FailurePatterns   map[string]int      `json:"failure_patterns,omitempty"`
	SuccessPatterns   map[string]int      `json:"success_patterns,omitempty"`
	CompressedSummary string              `json:"compressed_summary,omitempty"`
	CompressionCount  int                 `json:"compression_count"`
}

// AddInsight appends an insight and maintains the pattern counters.
func (c *ReflectorContext) AddInsight(in ReflectionInsight) {
	c.ReflectionLog = append(c.ReflectionLog, in)
	if in.FailurePattern != "" {
		if c.FailurePatterns == nil {
			c.FailurePatterns = make(map[string]int)
		}
		c.FailurePatterns[in.FailurePattern]++
	}
}

// IntelligenceSummary is the aggregate of all completed reflections handed
// to the Planner for a dynamic replan.
type IntelligenceSummary struct {
	Status          string       `json:"status"`
	CompletionCheck string       `json:"completion_check,omitempty"`
	CompletedTasks  []string     `json:"completed_tasks,omitempty"`
	ValidatedNodes  []CausalNode `json:"validated_nodes,omitempty"`
	KeyFindings     []string     `json:"key_findings,omitempty"`
	BlockedTasks    []string     `json:"blocked_tasks,omitempty"`
	Insights        []Insight    `json:"insights,omitempty"`
}

// DependencySummary describes one upstream subtask for a dependent's prompt.
type DependencySummary struct {
	TaskID            string   `json:"task_id"`
	Description       string   `json:"description"`
	Status            string   `json:"status"`
	KeyFindings       []string `json:"key_findings,omitempty"`
	FailureReason     string   `json:"failure_reason,omitempty"`
	NodesProduced     []string `json:"nodes_produced,omitempty"`
	TerminationReason string   `json:"termination_reason,omitempty"`
	ExecutedSteps     int      `json:"executed_steps,omitempty"`
}

// GlobalInsight is the strategy-tactic-applicability record produced by the
// session-level reflection after a goal is achieved.
type GlobalInsight struct {
	StrategicPrinciple string `json:"strategic_principle"`
	TacticalPlaybook   string `json:"tactical_playbook"`
	Applicability      string `json:"applicability"`
}

// GlobalReflection condenses a successful session.
type GlobalReflection struct {
	GlobalSummary     string         `json:"global_summary"`
	StrategicAnalysis string         `json:"strategic_analysis"`
	GlobalInsight     *GlobalInsight `json:"global_insight,omitempty"`
}
