package prompt

import (
	"fmt"
	"strings"

	"github.com/peregrine-agent/peregrine/pkg/knowledge"
	"github.com/peregrine-agent/peregrine/pkg/models"
)

const executorRoleIntro = `You are the executor of an autonomous penetration-testing agent. You work on exactly one subtask, thinking step by step and invoking tools to gather evidence. You stay inside the engagement scope and never fabricate observations.`

const executorFormatInstructions = `Respond with a single JSON object every turn:
{
  "previous_steps_status": {"<step_id>": "completed" | "failed" | "executed"},
  "thought": "your reasoning for this turn",
  "execution_operations": [
    {"command": "EXECUTE_NOW", "node_id": "step_1", "parent_id": "optional previous step id", "thought": "why this call", "action": {"tool": "tool_name", "params": {...}}}
  ],
  "staged_causal_nodes": [
    {"node_type": "Evidence|Hypothesis|...", "description": "...", "source_step_id": "..."}
  ],
  "hypothesis_update": {"contradiction_detected": "", "observation_summary": ""},
  "is_subtask_complete": false
}
Issue several execution_operations in one turn when the calls are independent. Set "is_subtask_complete" to true only when the completion criteria are met.`

// ExecutorTurnInput carries the per-turn context the executor system
// prompt is rebuilt from.
type ExecutorTurnInput struct {
	Goal              string
	Subtask           models.Subtask
	GlobalBriefing    string
	CausalContext     models.RelevantCausalContext
	DependencyContext []models.DependencySummary
	ToolCatalog       string
	Knowledge         []knowledge.Snippet
}

// BuildExecutorSystemPrompt assembles the executor's system message. It is
// rebuilt from current graph state on every turn, so the model always sees
// fresh intelligence instead of a stale opening message.
func (b *Builder) BuildExecutorSystemPrompt(in ExecutorTurnInput) string {
	var sb strings.Builder
	sb.WriteString(executorRoleIntro)
	if b.ctf {
		sb.WriteString("\n\n")
		sb.WriteString(ctfExecutorAddendum)
	}
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "## Mission Goal\n%s\n\n", in.Goal)
	if in.GlobalBriefing != "" {
		fmt.Fprintf(&sb, "## Mission Briefing\n%s\n\n", in.GlobalBriefing)
	}

	fmt.Fprintf(&sb, "## Your Subtask\nID: %s\nDescription: %s\n", in.Subtask.ID, in.Subtask.Description)
	if in.Subtask.CompletionCriteria != "" {
		fmt.Fprintf(&sb, "Completion criteria: %s\n", in.Subtask.CompletionCriteria)
	}
	if in.Subtask.Reason != "" {
		fmt.Fprintf(&sb, "Why this subtask: %s\n", in.Subtask.Reason)
	}
	sb.WriteString("\n")

	sb.WriteString(FormatDependencySection(in.DependencyContext))
	sb.WriteString(FormatCausalContextSection(in.CausalContext))
	sb.WriteString(FormatKnowledgeSection(in.Knowledge))

	sb.WriteString("## Available Tools\n")
	if strings.TrimSpace(in.ToolCatalog) == "" {
		sb.WriteString("No tools are currently available.\n")
	} else {
		sb.WriteString(in.ToolCatalog)
		if !strings.HasSuffix(in.ToolCatalog, "\n") {
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")

	sb.WriteString(executorFormatInstructions)
	return sb.String()
}

// BuildExecutorBootstrapMessage is the first user turn of a subtask.
func (b *Builder) BuildExecutorBootstrapMessage(subtask models.Subtask) string {
	return fmt.Sprintf("Begin subtask %s. Plan your first tool calls.", subtask.ID)
}

// BuildObservationMessage renders tool results into the single synthetic
// user turn appended after a dispatch round.
func BuildObservationMessage(observations []StepObservation) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d tool call(s) resolved:\n", len(observations))
	for _, obs := range observations {
		fmt.Fprintf(&sb, "\n[%s] %s -> %s\n%s\n", obs.StepID, obs.Tool, obs.Status, obs.Observation)
	}
	return sb.String()
}

// StepObservation is one resolved tool call for the observation message.
type StepObservation struct {
	StepID      string
	Tool        string
	Status      string
	Observation string
}

// BuildCorrectionMessage renders the single user turn for a correctable
// dispatch round (syntax or missing-tool failures the model can fix).
func BuildCorrectionMessage(feedback []string) string {
	var sb strings.Builder
	sb.WriteString("Some tool calls were rejected before execution. Correct them and retry:\n")
	for _, line := range feedback {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// BuildForcedReflectionMessage is the injected user turn after repeated
// failures or a detected contradiction.
func BuildForcedReflectionMessage(reason string) string {
	return fmt.Sprintf("STOP. %s Before any further tool calls, re-examine your working hypothesis: state what you believed, what the observations actually show, and a revised hypothesis in staged_causal_nodes.", reason)
}
