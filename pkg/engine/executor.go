package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/knowledge"
	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/prompt"
)

// Executor runs one subtask's tool-calling conversation: rebuild the system
// prompt from live graph state, ask the model for the next batch of tool
// calls, dispatch them concurrently, and feed the observations back until
// the subtask completes or a budget runs out.
type Executor struct {
	graph     *graph.Manager
	llm       LLM
	tools     Tools
	retriever Retriever
	prompts   *prompt.Builder
	halt      *HaltLatch
	emitter   Emitter
	cfg       *config.ExecutorConfig
	log       *slog.Logger
}

// NewExecutor builds an executor bound to a session's graph. The retriever
// may be nil when no knowledge base is configured.
func NewExecutor(l LLM, tools Tools, g *graph.Manager, halt *HaltLatch, cfg *config.ExecutorConfig, retriever Retriever, emitter Emitter, log *slog.Logger) *Executor {
	if cfg == nil {
		cfg = config.DefaultExecutorConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		graph:     g,
		llm:       l,
		tools:     tools,
		retriever: retriever,
		prompts:   newPromptBuilder(cfg.Scenario),
		halt:      halt,
		emitter:   emitter,
		cfg:       cfg,
		log:       log.With("component", "executor"),
	}
}

// Run drives the subtask until completion, stall, budget exhaustion, or a
// halt signal. Conversation state is persisted on the subtask after every
// turn so a resumed session continues where it stopped.
func (e *Executor) Run(ctx context.Context, goal, globalBriefing, subtaskID string) Result {
	metrics := &models.CycleMetrics{ToolCalls: make(map[string]int)}
	log := e.log.With("subtask_id", subtaskID)

	st, ok := e.graph.Subtask(subtaskID)
	if !ok {
		log.Error("subtask not found")
		return Result{SubtaskID: subtaskID, Outcome: OutcomeError, Metrics: metrics}
	}

	history := append([]models.Message(nil), st.ConversationHistory...)
	lastStepIDs := append([]string(nil), st.LastStepIDs...)
	turn := st.TurnCounter
	executed := st.ExecutedSteps
	failureCounts := make(map[string]int)
	noArtifactTurns := 0
	snippets := e.retrieveKnowledge(ctx, st.Description)

	persist := func() {
		e.graph.SaveExecutorState(subtaskID, history, lastStepIDs, turn, executed)
	}
	abort := func(outcome string) Result {
		e.graph.MarkStepsAborted(lastStepIDs)
		persist()
		metrics.ExecutionSteps = executed
		return Result{SubtaskID: subtaskID, Outcome: outcome, Metrics: metrics}
	}

	for {
		if e.halt.Halted() {
			return abort(OutcomeAbortedByHalt)
		}

		history = e.maybeCompress(ctx, subtaskID, history, turn, metrics)
		history = e.refreshSystemPrompt(ctx, history, goal, globalBriefing, subtaskID, snippets)

		reply, callMetrics, err := e.llm.SendStructured(ctx, e.graph.SessionID(), config.RoleExecutor, history)
		metrics.Add(callMetrics)
		if err != nil {
			log.Error("executor turn failed", "turn", turn, "error", err)
			persist()
			metrics.ExecutionSteps = executed
			return Result{SubtaskID: subtaskID, Outcome: OutcomeError, Metrics: metrics}
		}
		if raw, merr := json.Marshal(reply); merr == nil {
			history = append(history, models.AssistantMessage(string(raw)))
		}

		e.reconcileStepStatuses(reply, lastStepIDs)
		if msg := e.failurePressureMessage(lastStepIDs, failureCounts); msg != "" {
			history = append(history, models.UserMessage(msg))
		}
		if contradiction := stringField(anyToMap(reply["hypothesis_update"]), "contradiction_detected"); contradiction != "" {
			history = append(history, models.UserMessage(prompt.BuildForcedReflectionMessage(
				fmt.Sprintf("A contradiction was detected: %s.", contradiction))))
		}

		complete := coerceBool(reply["is_subtask_complete"])
		staged := decodeCausalNodes(reply["staged_causal_nodes"])
		if len(staged) > 0 {
			if serr := e.graph.StageProposedCausalNodes(subtaskID, staged); serr != nil {
				log.Warn("failed to stage causal nodes", "error", serr)
			}
		}

		ops := executeNowOperations(reply["execution_operations"])
		if e.halt.Halted() {
			return abort(OutcomeAbortedByHalt)
		}
		if len(ops) == 0 && !complete {
			log.Warn("executor produced no operations and no completion claim", "turn", turn)
			persist()
			metrics.ExecutionSteps = executed
			return Result{SubtaskID: subtaskID, Outcome: OutcomeStalledNoPlan, Metrics: metrics}
		}

		if len(ops) > 0 {
			stepIDs := e.registerSteps(subtaskID, ops, lastStepIDs, metrics, log)
			if len(stepIDs) > 0 {
				lastStepIDs = stepIDs
			}
			persist()

			outcomes := e.dispatch(ctx, stepIDs)
			correctable := e.applyToolOutcomes(subtaskID, stepIDs, outcomes)
			if len(correctable) > 0 {
				history = append(history, models.UserMessage(prompt.BuildCorrectionMessage(correctable)))
				// The correction must reach the durable transcript before
				// the retry round, or a crash in between loses it.
				persist()
				continue
			}
			history = append(history, models.UserMessage(buildObservations(stepIDs, outcomes)))
		}

		if complete {
			e.graph.UpdateNode(subtaskID, map[string]any{"status": models.StatusCompleted})
			persist()
			metrics.ExecutionSteps = executed
			return Result{SubtaskID: subtaskID, Outcome: OutcomeCompleted, Metrics: metrics}
		}

		executed++
		turn++

		if executed >= e.cfg.MaxSteps {
			e.graph.UpdateNode(subtaskID, map[string]any{"termination_reason": TerminationMaxSteps})
			log.Warn("turn budget exhausted", "executed", executed)
			break
		}
		if len(staged) == 0 {
			noArtifactTurns++
		} else {
			noArtifactTurns = 0
		}
		if noArtifactTurns >= e.cfg.NoArtifactsPatience && !st.DisableArtifactCheck {
			e.graph.UpdateNode(subtaskID, map[string]any{"termination_reason": TerminationNoNewArtifacts})
			log.Warn("no new artifacts staged", "turns", noArtifactTurns)
			break
		}
		if e.halt.Halted() {
			return abort(OutcomeAbortedExternally)
		}
		persist()
	}

	// Budget exhaustion: settle the last in-flight steps and hand the
	// partial result to the reflector.
	for _, id := range lastStepIDs {
		if step, ok := e.graph.Step(id); ok && step.Status == models.StepStatusInProgress {
			e.graph.UpdateNode(id, map[string]any{"status": models.StepStatusCompleted})
		}
	}
	persist()
	metrics.ExecutionSteps = executed
	return Result{SubtaskID: subtaskID, Outcome: OutcomeCompletedViaMaxSteps, Metrics: metrics}
}

// refreshSystemPrompt rebuilds the system message from live graph state,
// replacing the previous one in place.
func (e *Executor) refreshSystemPrompt(ctx context.Context, history []models.Message, goal, briefing, subtaskID string, snippets []knowledge.Snippet) []models.Message {
	st, _ := e.graph.Subtask(subtaskID)
	system := e.prompts.BuildExecutorSystemPrompt(prompt.ExecutorTurnInput{
		Goal:              goal,
		Subtask:           st,
		GlobalBriefing:    briefing,
		CausalContext:     e.graph.RelevantCausalContext(5, 3),
		DependencyContext: e.graph.DependencySummaries(subtaskID),
		ToolCatalog:       e.tools.Catalog(ctx),
		Knowledge:         snippets,
	})

	if len(history) > 0 && history[0].Role == models.RoleSystem {
		history[0] = models.SystemMessage(system)
	} else {
		history = append([]models.Message{models.SystemMessage(system)}, history...)
	}
	if len(history) == 1 {
		history = append(history, models.UserMessage(e.prompts.BuildExecutorBootstrapMessage(st)))
	}
	return history
}

func (e *Executor) retrieveKnowledge(ctx context.Context, query string) []knowledge.Snippet {
	if e.retriever == nil || !e.retriever.Enabled() || strings.TrimSpace(query) == "" {
		return nil
	}
	result, err := e.retriever.Retrieve(ctx, query, 3)
	if err != nil {
		e.log.Warn("knowledge retrieval failed", "error", err)
		return nil
	}
	return result.Results
}

// maybeCompress folds the middle of a long conversation into a summary,
// keeping the system prompt and the most recent turns verbatim.
func (e *Executor) maybeCompress(ctx context.Context, subtaskID string, history []models.Message, turn int, metrics *models.CycleMetrics) []models.Message {
	c := e.cfg
	switch {
	case len(history) > c.MessageCompressThreshold:
	case turn > 0 && c.CompressInterval > 0 && turn%c.CompressInterval == 0 && len(history) > c.CompressIntervalMsgThreshold:
	case models.EstimateTokens(history) > c.TokenCompressThreshold:
	default:
		return history
	}

	if len(history) == 0 || history[0].Role != models.RoleSystem {
		return history
	}
	keep := c.RecentMessagesKeep
	if len(history) <= keep+1 {
		return history
	}
	middle := history[1 : len(history)-keep]
	if len(middle) < c.MinCompressMessages {
		return history
	}

	summary, sm, err := e.llm.Summarize(ctx, e.graph.SessionID(), middle)
	metrics.Add(sm)
	if err != nil || strings.TrimSpace(summary) == "" {
		e.log.Warn("conversation compression failed", "subtask_id", subtaskID, "error", err)
		return history
	}

	compressed := make([]models.Message, 0, keep+2)
	compressed = append(compressed, history[0])
	compressed = append(compressed, models.SystemMessage(
		fmt.Sprintf("Context summary (compressed from %d messages):\n\n%s", len(middle), summary)))
	compressed = append(compressed, history[len(history)-keep:]...)
	e.log.Info("conversation compressed", "subtask_id", subtaskID, "before", len(history), "after", len(compressed))
	return compressed
}

// reconcileStepStatuses applies the model's claimed statuses for the
// previous round onto the step nodes. Only completed and failed are
// accepted; anything else keeps the tool-layer verdict.
func (e *Executor) reconcileStepStatuses(reply map[string]any, lastStepIDs []string) {
	claimed := anyToMap(reply["previous_steps_status"])
	if claimed == nil {
		return
	}
	for _, id := range lastStepIDs {
		status, _ := claimed[id].(string)
		if status == "executed" {
			status = models.StepStatusCompleted
		}
		if status == models.StepStatusCompleted || status == models.StepStatusFailed {
			e.graph.UpdateNode(id, map[string]any{"status": status})
		}
	}
}

// failurePressureMessage tracks consecutive all-failed rounds per parent
// step and forces a hypothesis re-examination once the threshold is hit.
func (e *Executor) failurePressureMessage(lastStepIDs []string, counts map[string]int) string {
	if len(lastStepIDs) == 0 {
		return ""
	}
	byParent := make(map[string][]models.ExecutionStep)
	for _, id := range lastStepIDs {
		if step, ok := e.graph.Step(id); ok {
			byParent[step.ParentID] = append(byParent[step.ParentID], step)
		}
	}
	for parent, steps := range byParent {
		allFailed := len(steps) > 0
		for _, step := range steps {
			if step.Status != models.StepStatusFailed {
				allFailed = false
				break
			}
		}
		if allFailed {
			counts[parent]++
		} else {
			counts[parent] = 0
		}
		if counts[parent] >= e.cfg.FailureThreshold {
			counts[parent] = 0
			return prompt.BuildForcedReflectionMessage(
				fmt.Sprintf("%d consecutive tool-call rounds under %s failed.", e.cfg.FailureThreshold, parent))
		}
	}
	return ""
}

// executeNowOperations filters the model's operations to the dispatchable
// set.
func executeNowOperations(v any) []map[string]any {
	items := anyToList(v)
	ops := make([]map[string]any, 0, len(items))
	for _, item := range items {
		op, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if strings.ToUpper(stringField(op, "command")) != "EXECUTE_NOW" {
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

// registerSteps inserts the round's step nodes under the subtask. Step ids
// are namespaced with the subtask id; a parent reference outside the
// subtask falls back to the previous round's first step.
func (e *Executor) registerSteps(subtaskID string, ops []map[string]any, lastStepIDs []string, metrics *models.CycleMetrics, log *slog.Logger) []string {
	defaultParent := subtaskID
	if len(lastStepIDs) > 0 {
		defaultParent = lastStepIDs[0]
	}

	var stepIDs []string
	for _, op := range ops {
		rawID := stringField(op, "node_id")
		if rawID == "" || rawID == "None" {
			log.Warn("skipping EXECUTE_NOW without node_id")
			continue
		}
		stepID := subtaskID + "_" + rawID

		parent := stringField(op, "parent_id")
		if !e.validParent(subtaskID, parent) {
			parent = defaultParent
		}

		tool, params := decodeStepAction(op["action"])
		hypothesis := anyToMap(op["hypothesis_update"])
		if _, err := e.graph.AddExecutionStep(stepID, parent, stringField(op, "thought"),
			models.StepAction{Tool: tool, Params: params}, models.StepStatusInProgress, hypothesis); err != nil {
			log.Warn("failed to add execution step", "step_id", stepID, "error", err)
			continue
		}
		metrics.ToolCalls[tool]++
		stepIDs = append(stepIDs, stepID)
	}
	return stepIDs
}

func (e *Executor) validParent(subtaskID, parent string) bool {
	if parent == "" || parent == "None" {
		return false
	}
	if parent == subtaskID {
		return true
	}
	return strings.HasPrefix(parent, subtaskID+"_") && e.graph.HasTaskNode(parent)
}

// decodeStepAction accepts an action object, a JSON-encoded action, or a
// bare tool name.
func decodeStepAction(v any) (string, map[string]any) {
	action := anyToMap(v)
	if action == nil {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s, map[string]any{}
		}
		return "unknown_tool", map[string]any{}
	}
	tool := stringField(action, "tool")
	if tool == "" {
		tool = stringField(action, "name")
	}
	if tool == "" {
		tool = "unknown_tool"
	}
	params := anyToMap(action["params"])
	if params == nil {
		params = anyToMap(action["arguments"])
	}
	if params == nil {
		params = map[string]any{}
	}
	return tool, params
}

// toolOutcome is one resolved tool call.
type toolOutcome struct {
	tool        string
	status      string
	observation string
	truncated   bool
	originalLen int
	correctable bool
	feedback    string
}

// dispatch fans the round's tool calls out concurrently, each under its own
// timeout.
func (e *Executor) dispatch(ctx context.Context, stepIDs []string) map[string]*toolOutcome {
	outcomes := make(map[string]*toolOutcome, len(stepIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range stepIDs {
		step, ok := e.graph.Step(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(stepID, tool string, params map[string]any) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
			defer cancel()
			payload := e.tools.Call(callCtx, tool, params)
			outcome := e.classifyToolResult(stepID, tool, payload)
			mu.Lock()
			outcomes[stepID] = outcome
			mu.Unlock()
		}(id, step.Action.Tool, step.Action.Params)
	}
	wg.Wait()
	return outcomes
}

// classifyToolResult sorts a tool payload into completed, hard failure, or
// a correctable rejection the model can fix next turn (bad syntax, unknown
// tool). Long observations are truncated with the original length noted.
func (e *Executor) classifyToolResult(stepID, tool, payload string) *toolOutcome {
	out := &toolOutcome{tool: tool, status: models.StepStatusCompleted, observation: payload}

	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err == nil && data != nil {
		if success, ok := data["success"].(bool); ok && !success {
			errMsg := stringField(data, "error")
			switch strings.ToUpper(stringField(data, "error_type")) {
			case "SYNTAX", "MISSING_TOOL":
				out.status = models.StepStatusFailed
				out.correctable = true
				message := stringField(data, "message")
				if message == "" {
					message = errMsg
				}
				fix := stringField(data, "fix_suggestion")
				if fix == "" {
					fix = stringField(data, "hint")
				}
				out.feedback = fmt.Sprintf("- Step %s (Tool: %s) failed: %s -> %s", stepID, tool, message, fix)
			default:
				if strings.HasPrefix(errMsg, "tool call failed") {
					out.status = models.StepStatusFailed
					out.observation = "Error executing tool: " + errMsg
				}
			}
		}
	}

	if limit := e.cfg.MaxOutputLength; limit > 0 && len(out.observation) > limit {
		out.originalLen = len(out.observation)
		out.observation = out.observation[:limit] + fmt.Sprintf("\n... (Truncated from %d)", out.originalLen)
		out.truncated = true
	}
	return out
}

// applyToolOutcomes writes observations onto the step nodes and emits the
// per-step events. It returns the correctable feedback lines, if any.
func (e *Executor) applyToolOutcomes(subtaskID string, stepIDs []string, outcomes map[string]*toolOutcome) []string {
	var correctable []string
	for _, id := range stepIDs {
		out := outcomes[id]
		if out == nil {
			continue
		}
		updates := map[string]any{
			"observation": out.observation,
			"status":      out.status,
		}
		if out.truncated {
			updates["observation_truncated"] = true
			updates["observation_original_length"] = out.originalLen
		}
		e.graph.UpdateNode(id, updates)
		if e.emitter != nil {
			e.emitter.Emit(models.EventStepCompleted, e.graph.SessionID(), map[string]any{
				"subtask_id": subtaskID,
				"step_id":    id,
				"tool_name":  out.tool,
				"status":     out.status,
			})
		}
		if out.correctable {
			correctable = append(correctable, out.feedback)
		}
	}
	return correctable
}

func buildObservations(stepIDs []string, outcomes map[string]*toolOutcome) string {
	observations := make([]prompt.StepObservation, 0, len(stepIDs))
	for _, id := range stepIDs {
		out := outcomes[id]
		if out == nil {
			continue
		}
		observations = append(observations, prompt.StepObservation{
			StepID:      id,
			Tool:        out.tool,
			Status:      out.status,
			Observation: out.observation,
		})
	}
	return prompt.BuildObservationMessage(observations)
}
