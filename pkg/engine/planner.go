package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/prompt"
)

// Planner wraps the strategic LLM role that decomposes the goal into the
// task graph and revises it between execution rounds.
type Planner struct {
	llm     LLM
	graph   *graph.Manager
	prompts *prompt.Builder
	emitter Emitter
	cfg     *config.EngineConfig
	log     *slog.Logger
	now     func() time.Time
}

// NewPlanner builds a planner bound to a session's graph.
func NewPlanner(llm LLM, g *graph.Manager, cfg *config.EngineConfig, emitter Emitter, log *slog.Logger) *Planner {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Planner{
		llm:     llm,
		graph:   g,
		prompts: newPromptBuilder(cfg.Scenario),
		emitter: emitter,
		cfg:     cfg,
		log:     log.With("component", "planner"),
		now:     time.Now,
	}
}

// Plan produces the initial decomposition of the goal. A malformed or
// failed LLM round falls back to a single reconnaissance subtask so the
// mission always has somewhere to start.
func (p *Planner) Plan(ctx context.Context, goal, causalSummary string) ([]models.GraphOperation, *models.CycleMetrics) {
	messages := p.prompts.BuildInitialPlanMessages(goal, causalSummary)
	reply, metrics, err := p.llm.SendStructured(ctx, p.graph.SessionID(), config.RolePlanner, messages)
	if err != nil || reply["graph_operations"] == nil {
		p.log.Warn("initial planning failed, falling back to recon plan", "error", err)
		return p.fallbackPlan(goal), nil
	}

	ops := sanitizeGraphOperations(decodeGraphOperations(reply["graph_operations"]), p.log)
	if len(ops) == 0 {
		p.log.Warn("initial plan contained no usable operations, falling back to recon plan")
		return p.fallbackPlan(goal), metrics
	}
	p.emit(models.EventPlanningInitialCompleted, map[string]any{"operations_count": len(ops)})
	return ops, metrics
}

func (p *Planner) fallbackPlan(goal string) []models.GraphOperation {
	return []models.GraphOperation{{
		Command:     models.OpAddNode,
		ID:          "subtask_1",
		Description: fmt.Sprintf("Perform initial reconnaissance to understand the target: %s", goal),
		Priority:    1,
	}}
}

// DynamicPlan revises the graph after a round of reflections. A failed
// round returns a nil decision; the orchestrator then proceeds with the
// graph as it stands.
func (p *Planner) DynamicPlan(ctx context.Context, in prompt.DynamicPlanInput) (*models.PlanningDecision, *models.CycleMetrics) {
	messages := p.prompts.BuildDynamicPlanMessages(in)
	reply, metrics, err := p.llm.SendStructured(ctx, p.graph.SessionID(), config.RolePlanner, messages)
	if err != nil {
		p.log.Warn("dynamic planning failed", "error", err)
		return nil, metrics
	}

	decision := &models.PlanningDecision{
		GraphOperations:           sanitizeGraphOperations(decodeGraphOperations(reply["graph_operations"]), p.log),
		GlobalMissionBriefing:     stringField(reply, "global_mission_briefing"),
		Reasoning:                 stringField(reply, "reasoning"),
		GlobalMissionAccomplished: coerceBool(reply["global_mission_accomplished"]),
	}
	if decision.Reasoning == "" {
		decision.Reasoning = "No reasoning provided."
	}
	p.emit(models.EventPlanningDynamicCompleted, map[string]any{
		"operations_count":            len(decision.GraphOperations),
		"global_mission_accomplished": decision.GlobalMissionAccomplished,
	})
	return decision, metrics
}

// RegenerateBranchPlan replaces a strategically failed branch. Every node
// under the branch root is dead: any UPDATE the planner aims at a dead
// node is rewritten into a deprecation so the failed approach cannot be
// resurrected by accident.
func (p *Planner) RegenerateBranchPlan(ctx context.Context, goal, branchRootID, failureReason string) ([]models.GraphOperation, *models.CycleMetrics) {
	dead := map[string]bool{branchRootID: true}
	for _, id := range p.graph.Descendants(branchRootID) {
		dead[id] = true
	}

	messages := p.prompts.BuildBranchReplanMessages(goal, branchRootID, failureReason)
	reply, metrics, err := p.llm.SendStructured(ctx, p.graph.SessionID(), config.RolePlanner, messages)
	if err != nil {
		p.log.Warn("branch replanning failed", "branch_root", branchRootID, "error", err)
		return nil, metrics
	}

	ops := decodeGraphOperations(reply["graph_operations"])
	for i, op := range ops {
		if op.Command == models.OpUpdateNode && dead[op.TargetID()] {
			ops[i].Command = models.OpDeprecateNode
			ops[i].Reason = fmt.Sprintf("Branch %q failed: %s", branchRootID, failureReason)
			ops[i].Updates = nil
		}
	}
	ops = sanitizeGraphOperations(ops, p.log)
	p.log.Info("branch replan generated", "branch_root", branchRootID, "operations", len(ops))
	return ops, metrics
}

// RecordAttempt appends the planning round to the rolling context. A
// briefing that states long-term intent is promoted into the objective
// list so later rounds keep seeing it after compression.
func (p *Planner) RecordAttempt(pc *models.PlannerContext, decision *models.PlanningDecision, goal string) {
	if pc == nil || decision == nil {
		return
	}
	added := 0
	for _, op := range decision.GraphOperations {
		if op.Command == models.OpAddNode {
			added++
		}
	}
	pc.PlanningHistory = append(pc.PlanningHistory, models.PlanningAttempt{
		Timestamp: p.now(),
		Goal:      goal,
		Strategy:  decision.Reasoning,
		PlanSummary: models.PlanSummary{
			OperationsCount: len(decision.GraphOperations),
			NodesAdded:      added,
			Success:         true,
		},
	})

	briefing := strings.ToLower(decision.GlobalMissionBriefing)
	if strings.Contains(briefing, "long-term") || strings.Contains(briefing, "long term") {
		pc.LongTermObjectives = append(pc.LongTermObjectives, decision.GlobalMissionBriefing)
	}
}

// CompressContext folds planning history beyond the window into the
// compressed summary. Compression failures leave the history intact.
func (p *Planner) CompressContext(ctx context.Context, pc *models.PlannerContext) *models.CycleMetrics {
	if pc == nil {
		return nil
	}
	window := p.cfg.PlannerHistoryWindow
	if window <= 0 || len(pc.PlanningHistory) <= window {
		return nil
	}

	old := pc.PlanningHistory[:len(pc.PlanningHistory)-window]
	summary, metrics, err := p.llm.Summarize(ctx, p.graph.SessionID(), renderPlanningHistory(old))
	if err != nil || strings.TrimSpace(summary) == "" {
		p.log.Warn("planner context compression failed", "error", err)
		return metrics
	}

	if pc.CompressedSummary != "" {
		pc.CompressedSummary += "\n\n"
	}
	pc.CompressedSummary += summary
	pc.PlanningHistory = pc.PlanningHistory[len(pc.PlanningHistory)-window:]
	pc.CompressionCount++
	p.log.Info("planner context compressed", "dropped_attempts", len(old), "compressions", pc.CompressionCount)
	return metrics
}

func renderPlanningHistory(attempts []models.PlanningAttempt) []models.Message {
	var sb strings.Builder
	sb.WriteString("Earlier planning rounds:\n")
	for _, a := range attempts {
		fmt.Fprintf(&sb, "- %s: strategy %q produced %d operations (%d nodes added)\n",
			a.Timestamp.Format(time.RFC3339), a.Strategy, a.PlanSummary.OperationsCount, a.PlanSummary.NodesAdded)
	}
	return []models.Message{models.UserMessage(sb.String())}
}

func (p *Planner) emit(event string, payload map[string]any) {
	if p.emitter != nil {
		p.emitter.Emit(event, p.graph.SessionID(), payload)
	}
}

// sanitizeGraphOperations drops operations that cannot be applied: adds
// without an id (or duplicated within the batch), updates without content,
// and removals without a target. Unknown commands pass through so the
// apply stage can log them.
func sanitizeGraphOperations(ops []models.GraphOperation, log *slog.Logger) []models.GraphOperation {
	if log == nil {
		log = slog.Default()
	}
	seenAdds := make(map[string]bool)
	out := make([]models.GraphOperation, 0, len(ops))
	for _, op := range ops {
		switch op.Command {
		case models.OpAddNode:
			if op.ID == "" || op.ID == "None" {
				log.Warn("dropping ADD_NODE without id")
				continue
			}
			if seenAdds[op.ID] {
				log.Warn("dropping duplicate ADD_NODE", "node_id", op.ID)
				continue
			}
			seenAdds[op.ID] = true
		case models.OpUpdateNode:
			if op.TargetID() == "" || op.TargetID() == "None" {
				log.Warn("dropping UPDATE_NODE without target")
				continue
			}
			if len(op.Updates) == 0 {
				log.Warn("dropping UPDATE_NODE without updates", "node_id", op.TargetID())
				continue
			}
		case models.OpDeleteNode, models.OpDeprecateNode:
			if op.TargetID() == "" || op.TargetID() == "None" {
				log.Warn("dropping removal without target", "command", op.Command)
				continue
			}
		}
		out = append(out, op)
	}
	return out
}
