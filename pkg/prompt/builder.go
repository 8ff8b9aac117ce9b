// Package prompt builds all message sequences the engine exchanges with
// the LLM: planner rounds, the per-turn executor system prompt, reflector
// audits, and the small validator calls. It composes system messages,
// user messages, and response-format instructions. Stateless — all state
// comes from parameters. Thread-safe — no mutable state.
package prompt

import (
	"fmt"
	"strings"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// Builder builds prompt text for the planner, executor, and reflector.
type Builder struct {
	ctf bool
}

// Option configures a Builder.
type Option func(*Builder)

// WithCTFFocus switches the role intros to the capture-the-flag variant:
// flag-oriented strategy, no broad-spectrum scanning.
func WithCTFFocus() Option {
	return func(b *Builder) { b.ctf = true }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

const plannerRoleIntro = `You are the strategic planner of an autonomous penetration-testing agent. You decompose the mission goal into a task graph of subtasks and keep that graph current as intelligence arrives. You never execute tools yourself; you only emit graph operations.`

const ctfPlannerAddendum = `This is a CTF engagement. The mission ends when the flag is captured, so plan narrow and deep: target the specific service or artifact named in the goal, skip broad-spectrum scanning and brute-force sweeps, and prefer subtasks that read, decode, or exploit what is already known.`

const ctfExecutorAddendum = `This is a CTF engagement. Look for flag-format strings (e.g. flag{...}) in every output, avoid long-running scans, and record a candidate flag as Evidence the moment you see one.`

func (b *Builder) plannerIntro() string {
	if b.ctf {
		return plannerRoleIntro + "\n\n" + ctfPlannerAddendum
	}
	return plannerRoleIntro
}

const plannerFormatInstructions = `Respond with a single JSON object:
{
  "reasoning": "why this plan",
  "graph_operations": [
    {"command": "ADD_NODE", "id": "subtask_1", "description": "...", "dependencies": [], "priority": 1, "reason": "...", "completion_criteria": "..."},
    {"command": "UPDATE_NODE", "node_id": "subtask_2", "updates": {"status": "pending"}},
    {"command": "DEPRECATE_NODE", "node_id": "subtask_3", "reason": "..."}
  ]
}
Subtask ids must be unique. Dependencies reference other subtask ids. Lower priority numbers run first.`

const dynamicPlannerFormatInstructions = `Respond with a single JSON object:
{
  "reasoning": "why this revision",
  "global_mission_briefing": "current strategic picture for all executors",
  "global_mission_accomplished": false,
  "graph_operations": [ ... same commands as initial planning ... ]
}
Set "global_mission_accomplished" to true only when the evidence already collected proves the mission goal is met.`

// BuildInitialPlanMessages builds the conversation for the first planning
// round of a mission.
func (b *Builder) BuildInitialPlanMessages(goal, causalSummary string) []models.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "## Mission Goal\n%s\n\n", goal)
	user.WriteString(FormatCausalSummarySection(causalSummary))
	user.WriteString("\nDecompose the goal into an initial batch of subtasks. Start broad (reconnaissance) and narrow toward the goal.\n")

	return []models.Message{
		models.SystemMessage(b.plannerIntro() + "\n\n" + plannerFormatInstructions),
		models.UserMessage(user.String()),
	}
}

// DynamicPlanInput carries everything a dynamic replanning round sees.
type DynamicPlanInput struct {
	Goal            string
	GraphSummary    string
	Intelligence    *models.IntelligenceSummary
	CausalSummary   string
	AttackPaths     string
	FailurePatterns models.FailurePatterns
	FailedTasks     []models.FailedTaskSummary
	PlannerContext  *models.PlannerContext
}

// BuildDynamicPlanMessages builds the conversation for a dynamic replan.
func (b *Builder) BuildDynamicPlanMessages(in DynamicPlanInput) []models.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "## Mission Goal\n%s\n\n", in.Goal)
	fmt.Fprintf(&user, "## Current Task Graph\n%s\n\n", in.GraphSummary)
	user.WriteString(FormatIntelligenceSection(in.Intelligence))
	user.WriteString(FormatCausalSummarySection(in.CausalSummary))
	user.WriteString(FormatAttackPathSection(in.AttackPaths))
	user.WriteString(FormatFailurePatternSection(in.FailurePatterns))
	user.WriteString(FormatFailedTasksSection(in.FailedTasks))
	user.WriteString(FormatPlannerContextSection(in.PlannerContext))
	user.WriteString("\nRevise the task graph: deprecate dead branches, add follow-up subtasks for new leads, and update stale ones.\n")

	return []models.Message{
		models.SystemMessage(b.plannerIntro() + "\n\n" + dynamicPlannerFormatInstructions),
		models.UserMessage(user.String()),
	}
}

// BuildBranchReplanMessages builds the conversation for regenerating a
// failed branch of the task graph.
func (b *Builder) BuildBranchReplanMessages(goal, branchRootID, failureReason string) []models.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "## Mission Goal\n%s\n\n", goal)
	fmt.Fprintf(&user, "## Failed Branch\nSubtask %q failed: %s\n\n", branchRootID, failureReason)
	user.WriteString("Produce a replacement sub-plan that reaches the branch's objective another way. Do not reuse the failed approach.\n")

	return []models.Message{
		models.SystemMessage(b.plannerIntro() + "\n\n" + plannerFormatInstructions),
		models.UserMessage(user.String()),
	}
}

const reflectorRoleIntro = `You are the reflector of an autonomous penetration-testing agent. You audit a finished subtask against its completion criteria, judge the methodology, and distill the execution log into causal-graph updates the rest of the mission can build on.`

const reflectorFormatInstructions = `Respond with a single JSON object:
{
  "audit_result": {
    "status": "GOAL_ACHIEVED" | "FAILED" | "PARTIAL_SUCCESS",
    "completion_check": "one-paragraph verdict against the completion criteria",
    "methodology_issues": ["..."],
    "logic_issues": ["..."],
    "is_strategic_failure": false
  },
  "key_findings": ["..."],
  "key_facts": ["durable facts about the target worth remembering"],
  "insight": {"type": "...", "description": "...", "suggestion": "..."},
  "causal_graph_updates": {
    "nodes": [{"id": "optional", "node_type": "Evidence|Hypothesis|Vulnerability|ConfirmedVulnerability|PossibleVulnerability|Exploit|Credential|SystemProperty|TargetArtifact|KeyFact", "description": "...", "source_step_id": "...", "confidence": 0.5}],
    "edges": [{"source": "...", "target": "...", "label": "SUPPORTS|CONTRADICTS|REVEALS|EXPLOITS|MITIGATES", "strength": "necessary|contingent"}]
  }
}
Set "is_strategic_failure" to true only when the whole approach (not just this attempt) is wrong.`

// ReflectInput carries everything a reflection sees.
type ReflectInput struct {
	Subtask           models.Subtask
	Outcome           string
	ExecutionLog      string
	StagedNodes       []models.CausalNode
	GraphSummary      string
	DependencyContext []models.DependencySummary
	FailurePatterns   models.FailurePatterns
	ReflectorContext  *models.ReflectorContext
}

// BuildReflectorMessages builds the conversation for one subtask audit.
func (b *Builder) BuildReflectorMessages(in ReflectInput) []models.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "## Subtask Under Audit\nID: %s\nDescription: %s\nStatus: %s\nOutcome: %s\n", in.Subtask.ID, in.Subtask.Description, in.Subtask.Status, in.Outcome)
	if in.Subtask.CompletionCriteria != "" {
		fmt.Fprintf(&user, "Completion criteria: %s\n", in.Subtask.CompletionCriteria)
	}
	if in.Subtask.TerminationReason != "" {
		fmt.Fprintf(&user, "Termination reason: %s\n", in.Subtask.TerminationReason)
	}
	user.WriteString("\n")

	fmt.Fprintf(&user, "## Execution Log\n%s\n\n", orPlaceholder(in.ExecutionLog, "No steps were executed."))
	user.WriteString(FormatStagedNodesSection(in.StagedNodes))
	fmt.Fprintf(&user, "## Task Graph Summary\n%s\n\n", in.GraphSummary)
	user.WriteString(FormatDependencySection(in.DependencyContext))
	user.WriteString(FormatFailurePatternSection(in.FailurePatterns))
	user.WriteString(FormatReflectorContextSection(in.ReflectorContext))
	user.WriteString("\nAudit the subtask and produce the causal-graph updates.\n")

	return []models.Message{
		models.SystemMessage(reflectorRoleIntro + "\n\n" + reflectorFormatInstructions),
		models.UserMessage(user.String()),
	}
}

// BuildValidatorMessages builds the secondary yes/no completion check.
func (b *Builder) BuildValidatorMessages(criteria, executionLog string) []models.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "## Completion Criteria\n%s\n\n", criteria)
	fmt.Fprintf(&user, "## Execution Log\n%s\n\n", orPlaceholder(executionLog, "No steps were executed."))
	user.WriteString("Does the execution log satisfy the completion criteria? Respond with a single JSON object: {\"is_complete\": true or false, \"reason\": \"...\"}\n")

	return []models.Message{
		models.SystemMessage(reflectorRoleIntro),
		models.UserMessage(user.String()),
	}
}

const globalReflectionFormatInstructions = `Respond with a single JSON object:
{
  "global_summary": "how the mission was accomplished",
  "strategic_analysis": "why this approach worked",
  "global_insight": {
    "strategic_principle": "the reusable strategy",
    "tactical_playbook": "the concrete step pattern",
    "applicability": "when this transfers to other targets"
  }
}`

// BuildGlobalReflectionMessages builds the session-level reflection run
// after the goal is achieved. subgraph is the rendered success subgraph.
func (b *Builder) BuildGlobalReflectionMessages(goal, subgraph string) []models.Message {
	var user strings.Builder
	fmt.Fprintf(&user, "## Mission Goal (achieved)\n%s\n\n", goal)
	fmt.Fprintf(&user, "## Success Subgraph\n%s\n\n", orPlaceholder(subgraph, "No causal trace recorded."))
	user.WriteString("Condense this successful mission into a strategy-tactic-applicability record.\n")

	return []models.Message{
		models.SystemMessage(reflectorRoleIntro + "\n\n" + globalReflectionFormatInstructions),
		models.UserMessage(user.String()),
	}
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}
