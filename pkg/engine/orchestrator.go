package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/prompt"
)

// defaultStallWindow bounds how long a hypothesis may sit without new
// evidence before it counts as stalled in failure-pattern analysis.
const defaultStallWindow = 10 * time.Minute

// Orchestrator owns one mission: initial planning, parallel subtask
// execution, reflection, dynamic replanning, and final accounting.
type Orchestrator struct {
	graph     *graph.Manager
	planner   *Planner
	reflector *Reflector
	runner    *Runner
	halt      *HaltLatch
	cfg       *config.EngineConfig
	log       *slog.Logger
	goal      string

	approver Approver
	terminal TerminalApprover
	emitter  Emitter
	store    SessionStore
	notifier Notifier

	plannerCtx     models.PlannerContext
	reflectorCtx   models.ReflectorContext
	globalBriefing string
	metrics        models.CycleMetrics
}

// OrchestratorOption configures optional collaborators.
type OrchestratorOption func(*Orchestrator)

// WithApprover wires the human-in-the-loop approval channel.
func WithApprover(a Approver) OrchestratorOption { return func(o *Orchestrator) { o.approver = a } }

// WithTerminalApprover wires the interactive console approval arm.
func WithTerminalApprover(t TerminalApprover) OrchestratorOption {
	return func(o *Orchestrator) { o.terminal = t }
}

// WithEmitter wires the session event stream.
func WithEmitter(e Emitter) OrchestratorOption { return func(o *Orchestrator) { o.emitter = e } }

// WithSessionStore wires session-status persistence.
func WithSessionStore(s SessionStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithNotifier wires the completion notification channel.
func WithNotifier(n Notifier) OrchestratorOption { return func(o *Orchestrator) { o.notifier = n } }

// NewOrchestrator assembles a mission around an existing graph and its
// role components.
func NewOrchestrator(goal string, g *graph.Manager, planner *Planner, reflector *Reflector, runner *Runner, halt *HaltLatch, cfg *config.EngineConfig, log *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		graph:     g,
		planner:   planner,
		reflector: reflector,
		runner:    runner,
		halt:      halt,
		cfg:       cfg,
		log:       log.With("component", "orchestrator", "session_id", g.SessionID()),
		goal:      goal,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives the mission to completion and returns its final metrics.
func (o *Orchestrator) Run(ctx context.Context) (*models.MissionMetrics, error) {
	start := time.Now()
	defer o.halt.Clear()

	o.setSessionStatus(ctx, models.SessionStatusRunning)
	success := models.SuccessInfo{}

	ops, m := o.planner.Plan(ctx, o.goal, o.graph.CausalGraphSummary())
	o.metrics.Add(m)
	o.metrics.PlanSteps++

	decision := o.approve(ctx, "initial_plan", ops)
	switch decision.Action {
	case models.DecisionReject:
		o.log.Warn("initial plan rejected, terminating mission", "reason", decision.Reason)
		return o.finish(ctx, start, models.SessionStatusFailed,
			models.SuccessInfo{Reason: "Initial plan rejected by operator."}), nil
	case models.DecisionModify:
		ops = decisionOperations(decision, ops)
	}
	o.applyOperations(ops)

	completed := make(map[string]*models.Reflection)
	forcedReplan := false

loop:
	for {
		if ctx.Err() != nil || o.halt.Halted() {
			return o.finish(ctx, start, models.SessionStatusStopped, success), ctx.Err()
		}

		if len(completed) > 0 {
			accomplished, sinfo := o.replanRound(ctx, completed)
			completed = make(map[string]*models.Reflection)
			if accomplished {
				success = sinfo
				break loop
			}
		}

		batch := o.graph.NextExecutableSubtasks()
		if len(batch) == 0 {
			if o.graph.IsGoalAchieved() {
				break loop
			}
			if forcedReplan {
				o.log.Warn("mission stalled after forced replan, giving up")
				break loop
			}
			forcedReplan = true
			completed["__force_replan__"] = stallReflection()
			continue
		}
		forcedReplan = false

		for _, st := range batch {
			o.graph.UpdateNode(st.ID, map[string]any{"status": models.StatusInProgress})
		}
		o.log.Info("executing subtask batch", "size", len(batch))
		results := o.runner.RunBatch(ctx, o.goal, o.globalBriefing, batch)

		var branches []branchFailure
		for _, res := range results {
			o.metrics.Add(res.Metrics)
			o.metrics.ExecuteSteps++
			if !o.graph.HasTaskNode(res.SubtaskID) {
				continue
			}
			reflection := o.reflectOnResult(ctx, res)
			if reflection == nil {
				continue
			}
			if reflection.AuditResult.IsStrategicFailure {
				branches = append(branches, branchFailure{subtaskID: res.SubtaskID, reflection: reflection})
			} else {
				completed[res.SubtaskID] = reflection
			}
		}

		if len(branches) > 0 {
			o.replanBranches(ctx, branches)
			completed = make(map[string]*models.Reflection)
		}
	}

	status := models.SessionStatusCompleted
	if o.graph.IsGoalAchieved() {
		if !success.Found {
			success = models.SuccessInfo{Found: true, Reason: "Goal artifact confirmed in the causal graph."}
		}
		o.runGlobalReflection(ctx)
	}
	return o.finish(ctx, start, status, success), nil
}

type branchFailure struct {
	subtaskID  string
	reflection *models.Reflection
}

// replanRound runs one dynamic planning round over the collected
// reflections. It reports whether the planner declared the mission done.
func (o *Orchestrator) replanRound(ctx context.Context, completed map[string]*models.Reflection) (bool, models.SuccessInfo) {
	in := prompt.DynamicPlanInput{
		Goal:            o.goal,
		GraphSummary:    o.graph.FullGraphSummary(graph.DetailStatuses),
		Intelligence:    AggregateIntelligence(completed),
		CausalSummary:   o.graph.CausalGraphSummary(),
		AttackPaths:     o.graph.AttackPathSummary(5),
		FailurePatterns: o.graph.AnalyzeFailurePatterns(defaultStallWindow),
		FailedTasks:     failedTaskSummaries(o.graph.FailedSubtasks()),
		PlannerContext:  &o.plannerCtx,
	}
	decision, m := o.planner.DynamicPlan(ctx, in)
	o.metrics.Add(m)
	o.metrics.PlanSteps++
	if decision == nil {
		return false, models.SuccessInfo{}
	}

	if decision.GlobalMissionAccomplished {
		o.applyOperations(decision.GraphOperations)
		o.graph.MarkGoalAchieved()
		return true, models.SuccessInfo{Found: true, Reason: "Global mission accomplished signal received from the planner."}
	}

	o.planner.RecordAttempt(&o.plannerCtx, decision, o.goal)
	o.metrics.Add(o.planner.CompressContext(ctx, &o.plannerCtx))
	if decision.GlobalMissionBriefing != "" {
		o.globalBriefing = decision.GlobalMissionBriefing
	}

	ops := decision.GraphOperations
	if len(ops) > 0 {
		d := o.approve(ctx, "dynamic_plan", ops)
		switch d.Action {
		case models.DecisionReject:
			o.log.Warn("dynamic plan rejected", "reason", d.Reason)
			ops = nil
		case models.DecisionModify:
			ops = decisionOperations(d, ops)
		}
	}
	if len(ops) > 0 {
		o.applyOperations(ops)
	}
	return false, models.SuccessInfo{}
}

// reflectOnResult audits one executor result and applies the verdict to the
// graph. A failure while applying the reflection marks the subtask
// completed_error instead of wedging the loop.
func (o *Orchestrator) reflectOnResult(ctx context.Context, res Result) (reflection *models.Reflection) {
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Error("reflection handling failed", "subtask_id", res.SubtaskID, "panic", rec)
			o.graph.UpdateNode(res.SubtaskID, map[string]any{
				"status":  models.StatusCompletedError,
				"summary": fmt.Sprintf("Critical error during reflection: %v", rec),
			})
			o.graph.ClearStagedCausalNodes(res.SubtaskID)
			reflection = nil
		}
	}()

	st, ok := o.graph.Subtask(res.SubtaskID)
	if !ok {
		return nil
	}

	reflection = o.reflector.Reflect(ctx, prompt.ReflectInput{
		Subtask:           st,
		Outcome:           res.Outcome,
		ExecutionLog:      o.graph.ExecutionLog(res.SubtaskID),
		StagedNodes:       o.graph.StagedCausalNodes(res.SubtaskID),
		GraphSummary:      o.graph.FullGraphSummary(graph.DetailStatuses),
		DependencyContext: o.graph.DependencySummaries(res.SubtaskID),
		FailurePatterns:   o.graph.AnalyzeFailurePatterns(defaultStallWindow),
		ReflectorContext:  &o.reflectorCtx,
	})
	o.metrics.Add(reflection.Metrics)
	o.metrics.ReflectSteps++

	o.reflector.RecordInsight(&o.reflectorCtx, reflection, res.SubtaskID, res.Outcome)
	o.metrics.Add(o.reflector.CompressContext(ctx, &o.reflectorCtx))

	validated := o.graph.ValidateCausalGraphUpdates(reflection.CausalGraphUpdates)
	o.graph.ProcessCausalGraphCommands(validated)
	for _, fact := range reflection.KeyFacts {
		o.graph.ProcessCausalGraphCommands(models.CausalGraphUpdates{
			Nodes: []models.CausalNode{{NodeType: models.CausalKeyFact, Description: fact, RawOutput: fact}},
		})
	}

	if reflection.AuditResult.Status == models.AuditGoalAchieved {
		o.graph.MarkGoalAchieved()
	}

	status := mapAuditStatus(reflection.AuditResult.Status)
	o.graph.UpdateNode(res.SubtaskID, map[string]any{
		"status":  status,
		"summary": reflection.AuditResult.CompletionCheck,
	})
	if status != models.StatusPending {
		o.graph.ClearStagedCausalNodes(res.SubtaskID)
	}
	return reflection
}

// replanBranches regenerates every strategically failed branch.
func (o *Orchestrator) replanBranches(ctx context.Context, branches []branchFailure) {
	for _, b := range branches {
		reason := b.reflection.AuditResult.CompletionCheck
		if reason == "" {
			reason = "No failure reason provided."
		}
		ops, m := o.planner.RegenerateBranchPlan(ctx, o.goal, b.subtaskID, reason)
		o.metrics.Add(m)
		o.metrics.PlanSteps++
		if len(ops) > 0 {
			o.applyOperations(ops)
		}
	}
}

// applyOperations runs the orphan check and applies a planner batch.
func (o *Orchestrator) applyOperations(ops []models.GraphOperation) {
	if len(ops) == 0 {
		return
	}
	ops = VerifyAndHandleOrphans(o.graph, ops, o.log)
	ProcessGraphCommands(o.graph, ops, o.log)
}

// approve races the configured approval channels over a plan batch. With no
// channel configured the batch passes immediately; the first concrete
// decision wins and cancels the other arm.
func (o *Orchestrator) approve(ctx context.Context, stage string, ops []models.GraphOperation) *models.Decision {
	if o.approver == nil && o.terminal == nil {
		return &models.Decision{Action: models.DecisionApprove, Reason: "no approval channel configured"}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type answer struct {
		decision *models.Decision
		err      error
	}
	answers := make(chan answer, 2)
	arms := 0

	if o.approver != nil {
		arms++
		go func() {
			d, err := o.approver.RequestApproval(raceCtx, o.graph.SessionID(), models.InterventionKindPlanApproval,
				map[string]any{"stage": stage, "operations": opsToPayload(ops)}, o.cfg.HITLTimeout)
			answers <- answer{d, err}
		}()
	}
	if o.terminal != nil {
		arms++
		go func() {
			d, err := o.terminal.Prompt(raceCtx, stage, ops)
			answers <- answer{d, err}
		}()
	}

	for i := 0; i < arms; i++ {
		a := <-answers
		if a.err != nil || a.decision == nil {
			continue
		}
		o.log.Info("plan decision received", "stage", stage, "action", a.decision.Action)
		return a.decision
	}
	return &models.Decision{Action: models.DecisionApprove, Reason: "approval channels unavailable"}
}

func (o *Orchestrator) runGlobalReflection(ctx context.Context) {
	gr, m := o.reflector.ReflectGlobal(ctx, o.goal)
	o.metrics.Add(m)
	o.metrics.ReflectSteps++
	if gr != nil {
		o.log.Info("global reflection archived", "summary", gr.GlobalSummary)
	}
}

// finish writes the final status everywhere it belongs and assembles the
// mission metrics snapshot.
func (o *Orchestrator) finish(ctx context.Context, start time.Time, status string, success models.SuccessInfo) *models.MissionMetrics {
	end := time.Now()
	causalNodes := len(o.graph.Snapshot(graph.GraphTypeCausal).Nodes)
	mm := &models.MissionMetrics{
		TaskName:         o.graph.SessionID(),
		StartTime:        start,
		EndTime:          end,
		TotalTimeSeconds: end.Sub(start).Seconds(),
		PromptTokens:     o.metrics.PromptTokens,
		CompletionTokens: o.metrics.CompletionTokens,
		TotalTokens:      o.metrics.TotalTokens(),
		Cost:             o.metrics.Cost,
		ToolCalls:        o.metrics.ToolCalls,
		Success:          success,
		ExecutionSteps:   o.metrics.ExecutionSteps,
		PlanSteps:        o.metrics.PlanSteps,
		ExecuteSteps:     o.metrics.ExecuteSteps,
		ReflectSteps:     o.metrics.ReflectSteps,
		ArtifactsFound:   causalNodes,
		CausalGraphNodes: causalNodes,
	}

	o.setSessionStatus(ctx, status)
	if o.emitter != nil {
		o.emitter.Emit(models.EventMissionCompleted, o.graph.SessionID(), map[string]any{
			"status":       status,
			"success":      success.Found,
			"reason":       success.Reason,
			"total_tokens": mm.TotalTokens,
			"cost":         mm.Cost,
		})
	}
	if o.notifier != nil {
		o.notifier.MissionCompleted(ctx, mm)
	}
	o.log.Info("mission finished", "status", status, "success", success.Found,
		"duration_s", mm.TotalTimeSeconds, "total_tokens", mm.TotalTokens)
	return mm
}

func (o *Orchestrator) setSessionStatus(ctx context.Context, status string) {
	if o.store != nil {
		if err := o.store.UpdateSessionStatus(ctx, o.graph.SessionID(), status); err != nil {
			o.log.Warn("failed to persist session status", "status", status, "error", err)
		}
	}
	if o.emitter != nil {
		o.emitter.Emit(models.EventSessionStatus, o.graph.SessionID(), map[string]any{"status": status})
	}
}

// decisionOperations extracts the replacement batch from a MODIFY decision,
// keeping the original batch when the payload is unusable.
func decisionOperations(d *models.Decision, fallback []models.GraphOperation) []models.GraphOperation {
	if d == nil || d.Data == nil {
		return fallback
	}
	for _, key := range []string{"graph_operations", "operations"} {
		if raw, ok := d.Data[key]; ok {
			if ops := decodeGraphOperations(raw); len(ops) > 0 {
				return sanitizeGraphOperations(ops, nil)
			}
		}
	}
	return fallback
}

// stallReflection is the synthetic reflection injected when every branch is
// blocked but the goal is not achieved, forcing a fresh planning round.
func stallReflection() *models.Reflection {
	return &models.Reflection{
		AuditResult: models.AuditResult{
			Status:          models.AuditStalled,
			CompletionCheck: "All tasks are blocked or completed, but the goal is not achieved.",
		},
		KeyFindings: []string{"Global task execution has stalled."},
		Insight: &models.Insight{
			Type:        "stall_analysis",
			Description: "The agent is stuck. A new high-level plan is required to find an alternative path.",
		},
	}
}

func failedTaskSummaries(subtasks []models.Subtask) []models.FailedTaskSummary {
	out := make([]models.FailedTaskSummary, 0, len(subtasks))
	for _, st := range subtasks {
		out = append(out, models.FailedTaskSummary{
			ID:      st.ID,
			Summary: st.Summary,
			Reason:  st.TerminationReason,
		})
	}
	return out
}
