package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/models"
)

// ProcessGraphCommands applies a sanitized planner batch to the task graph
// in a fixed order: adds first, then removals, then updates. Updates aimed
// at a node removed in the same batch are skipped; status legality is
// enforced by the graph manager itself.
func ProcessGraphCommands(g *graph.Manager, ops []models.GraphOperation, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	var adds, removals, updates []models.GraphOperation
	for _, op := range ops {
		switch op.Command {
		case models.OpAddNode:
			adds = append(adds, op)
		case models.OpDeleteNode, models.OpDeprecateNode:
			removals = append(removals, op)
		case models.OpUpdateNode:
			updates = append(updates, op)
		default:
			log.Error("unknown graph command", "command", op.Command, "node_id", op.TargetID())
		}
	}

	for _, op := range adds {
		g.AddSubtask(graph.SubtaskParams{
			ID:                 op.ID,
			Description:        op.Description,
			Dependencies:       op.Dependencies,
			Priority:           op.Priority,
			Reason:             op.Reason,
			CompletionCriteria: op.CompletionCriteria,
			MissionBriefing:    op.MissionBriefing,
		})
	}

	removed := make(map[string]bool, len(removals))
	for _, op := range removals {
		reason := op.Reason
		if reason == "" {
			reason = "no reason provided"
		}
		g.DeprecateSubtask(op.TargetID(), fmt.Sprintf("Deprecated by the planner. Reason: %s", reason))
		removed[op.TargetID()] = true
	}

	for _, op := range updates {
		if removed[op.TargetID()] {
			log.Warn("skipping update of node removed in the same batch", "node_id", op.TargetID())
			continue
		}
		g.UpdateNode(op.TargetID(), op.Updates)
	}
}

// VerifyAndHandleOrphans inspects a planner batch before application: any
// live subtask that depends on a node the batch removes, and that the batch
// does not itself retarget, is marked stalled so the next planning round
// sees the broken branch instead of a silently unreachable one.
func VerifyAndHandleOrphans(g *graph.Manager, ops []models.GraphOperation, log *slog.Logger) []models.GraphOperation {
	if log == nil {
		log = slog.Default()
	}

	removing := make(map[string]bool)
	targeted := make(map[string]bool)
	for _, op := range ops {
		switch op.Command {
		case models.OpDeleteNode, models.OpDeprecateNode:
			removing[op.TargetID()] = true
			targeted[op.TargetID()] = true
		case models.OpUpdateNode:
			targeted[op.TargetID()] = true
			if status, _ := op.Updates["status"].(string); status == models.StatusDeprecated {
				removing[op.TargetID()] = true
			}
		}
	}
	if len(removing) == 0 {
		return ops
	}

	out := ops
	for _, st := range g.Subtasks() {
		if models.IsTerminalStatus(st.Status) || targeted[st.ID] {
			continue
		}
		var lost []string
		for _, dep := range g.Dependencies(st.ID) {
			if removing[dep] {
				lost = append(lost, dep)
			}
		}
		if len(lost) == 0 {
			continue
		}
		log.Warn("planner batch orphans a subtask", "subtask_id", st.ID, "removed_dependencies", lost)
		out = append(out, models.GraphOperation{
			Command: models.OpUpdateNode,
			NodeID:  st.ID,
			Updates: map[string]any{
				"status": models.StatusStalledOrphan,
				"summary": fmt.Sprintf("Dependency on %s was removed by the planner without a replacement.",
					strings.Join(lost, ", ")),
			},
		})
	}
	return out
}

// AggregateIntelligence folds a round of reflections into the single
// summary handed to the planner. A GOAL_ACHIEVED audit promotes the whole
// aggregate.
func AggregateIntelligence(reflections map[string]*models.Reflection) *models.IntelligenceSummary {
	ids := make([]string, 0, len(reflections))
	for id := range reflections {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summary := &models.IntelligenceSummary{
		Status:          models.AuditAggregated,
		CompletionCheck: fmt.Sprintf("Aggregated audit results from %d subtasks.", len(ids)),
	}
	for _, id := range ids {
		reflection := reflections[id]
		if reflection == nil {
			continue
		}
		if reflection.AuditResult.Status == models.AuditGoalAchieved {
			summary.Status = models.AuditGoalAchieved
			summary.CompletionCheck = reflection.AuditResult.CompletionCheck
		}
		switch mapAuditStatus(reflection.AuditResult.Status) {
		case models.StatusCompleted:
			summary.CompletedTasks = append(summary.CompletedTasks, id)
		case models.StatusFailed:
			summary.BlockedTasks = append(summary.BlockedTasks, id)
		}
		summary.KeyFindings = append(summary.KeyFindings, reflection.KeyFindings...)
		summary.ValidatedNodes = append(summary.ValidatedNodes, reflection.ValidatedNodes...)
		if reflection.Insight != nil {
			summary.Insights = append(summary.Insights, *reflection.Insight)
		}
	}
	return summary
}

// mapAuditStatus converts an audit verdict into a subtask status.
func mapAuditStatus(audit string) string {
	switch strings.ToLower(audit) {
	case "completed", "pass", "goal_achieved":
		return models.StatusCompleted
	case "incomplete":
		return models.StatusPending
	default:
		return models.StatusFailed
	}
}
