package models

import "time"

// CycleMetrics accumulates LLM and tool usage over one executor cycle (or
// one planner/reflector call).
type CycleMetrics struct {
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	Cost             float64        `json:"cost"`
	ToolCalls        map[string]int `json:"tool_calls,omitempty"`
	ExecutionSteps   int            `json:"execution_steps"`
	PlanSteps        int            `json:"plan_steps"`
	ExecuteSteps     int            `json:"execute_steps"`
	ReflectSteps     int            `json:"reflect_steps"`
}

// Add merges another metrics record into m. Tokens, cost, loop-step
// counters, and per-tool counts accumulate; ExecutionSteps is overwritten
// (it is a gauge of the session's step sequence, not a sum).
func (m *CycleMetrics) Add(other *CycleMetrics) {
	if other == nil {
		return
	}
	m.PromptTokens += other.PromptTokens
	m.CompletionTokens += other.CompletionTokens
	m.Cost += other.Cost
	m.PlanSteps += other.PlanSteps
	m.ExecuteSteps += other.ExecuteSteps
	m.ReflectSteps += other.ReflectSteps
	if other.ExecutionSteps > 0 {
		m.ExecutionSteps = other.ExecutionSteps
	}
	if len(other.ToolCalls) > 0 {
		if m.ToolCalls == nil {
			m.ToolCalls = make(map[string]int)
		}
		for tool, n := range other.ToolCalls {
			m.ToolCalls[tool] += n
		}
	}
}

// TotalTokens returns prompt + completion tokens.
func (m *CycleMetrics) TotalTokens() int {
	return m.PromptTokens + m.CompletionTokens
}

// SuccessInfo records whether and why the goal was achieved.
type SuccessInfo struct {
	Found  bool   `json:"found"`
	Reason string `json:"reason,omitempty"`
}

// MissionMetrics is the final snapshot written when a session ends.
type MissionMetrics struct {
	TaskName         string         `json:"task_name"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          time.Time      `json:"end_time"`
	TotalTimeSeconds float64        `json:"total_time_seconds"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Cost             float64        `json:"cost"`
	ToolCalls        map[string]int `json:"tool_calls,omitempty"`
	Success          SuccessInfo    `json:"success_info"`
	ExecutionSteps   int            `json:"execution_steps"`
	PlanSteps        int            `json:"plan_steps"`
	ExecuteSteps     int            `json:"execute_steps"`
	ReflectSteps     int            `json:"reflect_steps"`
	ArtifactsFound   int            `json:"artifacts_found"`
	CausalGraphNodes int            `json:"causal_graph_nodes"`
}
