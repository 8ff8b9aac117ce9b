// Package engine drives the planner-executor-reflector loop of a mission.
// The Orchestrator owns the outer cycle, the Planner and Reflector wrap the
// strategic LLM roles, and the Executor runs one subtask's tool-calling
// conversation. All graph state lives in graph.Manager; the engine only
// decides what to do next.
package engine

import (
	"context"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/knowledge"
	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/prompt"
)

// Executor outcomes reported back to the orchestrator.
const (
	OutcomeCompleted            = "completed"
	OutcomeCompletedViaMaxSteps = "completed-via-max-steps"
	OutcomeStalledNoPlan        = "stalled_no_plan"
	OutcomeError                = "error"
	OutcomeAbortedByHalt        = "aborted_by_halt_signal"
	OutcomeAbortedExternally    = "aborted_by_external_halt_signal"
)

// Termination reasons recorded on a subtask when its turn budget runs out.
const (
	TerminationMaxSteps       = "max_steps_reached"
	TerminationNoNewArtifacts = "no_new_artifacts"
)

// LLM is the slice of the llm.Client surface the engine consumes.
type LLM interface {
	SendStructured(ctx context.Context, sessionID, role string, messages []models.Message) (map[string]any, *models.CycleMetrics, error)
	SendText(ctx context.Context, sessionID, role string, messages []models.Message) (string, *models.CycleMetrics, error)
	Summarize(ctx context.Context, sessionID string, messages []models.Message) (string, *models.CycleMetrics, error)
}

// Tools dispatches tool calls and describes the available catalog. Call
// always returns a payload string; transport failures are encoded into it.
type Tools interface {
	Call(ctx context.Context, toolName string, params map[string]any) string
	Catalog(ctx context.Context) string
}

// Emitter publishes session events.
type Emitter interface {
	Emit(event, sessionID string, payload map[string]any)
}

// Approver gates plan application on a human decision.
type Approver interface {
	RequestApproval(ctx context.Context, sessionID, kind string, payload map[string]any, timeout time.Duration) (*models.Decision, error)
	Enabled() bool
}

// TerminalApprover is the interactive console arm of the approval race.
type TerminalApprover interface {
	Prompt(ctx context.Context, stage string, ops []models.GraphOperation) (*models.Decision, error)
}

// Retriever fetches reference snippets from the knowledge base.
type Retriever interface {
	Enabled() bool
	Retrieve(ctx context.Context, query string, topK int) (*knowledge.RetrieveResult, error)
}

// SessionStore persists session status transitions.
type SessionStore interface {
	UpdateSessionStatus(ctx context.Context, id, status string) error
}

// Notifier announces mission completion to an external channel.
type Notifier interface {
	MissionCompleted(ctx context.Context, metrics *models.MissionMetrics)
}

// newPromptBuilder picks the prompt variant for the configured scenario.
func newPromptBuilder(scenario config.ScenarioMode) *prompt.Builder {
	if scenario == config.ScenarioCTF {
		return prompt.NewBuilder(prompt.WithCTFFocus())
	}
	return prompt.NewBuilder()
}

// Result is one executor run's outcome for a subtask.
type Result struct {
	SubtaskID string
	Outcome   string
	Metrics   *models.CycleMetrics
}
