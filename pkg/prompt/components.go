package prompt

import (
	"fmt"
	"strings"

	"github.com/peregrine-agent/peregrine/pkg/knowledge"
	"github.com/peregrine-agent/peregrine/pkg/models"
)

// FormatCausalSummarySection renders the causal-graph summary section.
func FormatCausalSummarySection(summary string) string {
	if strings.TrimSpace(summary) == "" {
		return "## Causal Graph\nNo causal knowledge recorded yet.\n\n"
	}
	return "## Causal Graph\n" + summary + "\n\n"
}

// FormatIntelligenceSection renders the aggregated reflection intelligence
// handed to a dynamic replan.
func FormatIntelligenceSection(in *models.IntelligenceSummary) string {
	if in == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Aggregated Intelligence\n")
	fmt.Fprintf(&sb, "Status: %s\n", in.Status)
	if in.CompletionCheck != "" {
		fmt.Fprintf(&sb, "Completion check: %s\n", in.CompletionCheck)
	}
	if len(in.CompletedTasks) > 0 {
		fmt.Fprintf(&sb, "Completed tasks: %s\n", strings.Join(in.CompletedTasks, ", "))
	}
	if len(in.BlockedTasks) > 0 {
		fmt.Fprintf(&sb, "Blocked tasks: %s\n", strings.Join(in.BlockedTasks, ", "))
	}
	for _, finding := range in.KeyFindings {
		fmt.Fprintf(&sb, "- %s\n", finding)
	}
	for _, insight := range in.Insights {
		if insight.Description == "" {
			continue
		}
		fmt.Fprintf(&sb, "- Insight: %s", insight.Description)
		if insight.Suggestion != "" {
			fmt.Fprintf(&sb, " (suggestion: %s)", insight.Suggestion)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatAttackPathSection renders the pre-rendered attack-path summary.
func FormatAttackPathSection(attackPaths string) string {
	if strings.TrimSpace(attackPaths) == "" {
		return ""
	}
	return "## Attack Paths\n" + attackPaths + "\n\n"
}

// FormatFailurePatternSection renders causal-graph pathologies so the
// model stops re-trying dead approaches.
func FormatFailurePatternSection(fp models.FailurePatterns) string {
	if len(fp.ContradictionClusters) == 0 && len(fp.StalledHypotheses) == 0 && len(fp.CompetingHypotheses) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Failure Patterns\n")
	for _, cluster := range fp.ContradictionClusters {
		fmt.Fprintf(&sb, "- Hypothesis %s is contradicted by: %s\n", cluster.HypothesisID, strings.Join(cluster.Contradictor, ", "))
	}
	if len(fp.StalledHypotheses) > 0 {
		fmt.Fprintf(&sb, "- Stalled hypotheses (no new evidence): %s\n", strings.Join(fp.StalledHypotheses, ", "))
	}
	for _, group := range fp.CompetingHypotheses {
		fmt.Fprintf(&sb, "- Evidence %s supports competing hypotheses: %s\n", group.EvidenceID, strings.Join(group.Hypotheses, ", "))
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatFailedTasksSection renders failed subtasks for the replanner.
func FormatFailedTasksSection(tasks []models.FailedTaskSummary) string {
	if len(tasks) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Failed Subtasks\n")
	for _, task := range tasks {
		fmt.Fprintf(&sb, "- %s", task.ID)
		if task.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", task.Reason)
		}
		if task.Summary != "" {
			fmt.Fprintf(&sb, ": %s", task.Summary)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatPlannerContextSection renders the planner's rolling memory.
func FormatPlannerContextSection(ctx *models.PlannerContext) string {
	if ctx == nil {
		return ""
	}
	var sb strings.Builder
	wrote := false
	header := func() {
		if !wrote {
			sb.WriteString("## Planning Memory\n")
			wrote = true
		}
	}
	if ctx.CompressedSummary != "" {
		header()
		fmt.Fprintf(&sb, "Earlier rounds (compressed): %s\n", ctx.CompressedSummary)
	}
	for _, attempt := range ctx.PlanningHistory {
		header()
		fmt.Fprintf(&sb, "- %s: strategy %q, %d ops (%d added)\n",
			attempt.Timestamp.Format("15:04:05"), attempt.Strategy,
			attempt.PlanSummary.OperationsCount, attempt.PlanSummary.NodesAdded)
	}
	for strategy, reason := range ctx.RejectedStrategies {
		header()
		fmt.Fprintf(&sb, "- Rejected strategy %q: %s\n", strategy, reason)
	}
	if len(ctx.LongTermObjectives) > 0 {
		header()
		fmt.Fprintf(&sb, "Long-term objectives: %s\n", strings.Join(ctx.LongTermObjectives, "; "))
	}
	if ctx.LatestReflectionSummary != "" {
		header()
		fmt.Fprintf(&sb, "Latest reflection: %s\n", ctx.LatestReflectionSummary)
	}
	if !wrote {
		return ""
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatReflectorContextSection renders the reflector's rolling memory.
func FormatReflectorContextSection(ctx *models.ReflectorContext) string {
	if ctx == nil {
		return ""
	}
	var sb strings.Builder
	wrote := false
	header := func() {
		if !wrote {
			sb.WriteString("## Reflection Memory\n")
			wrote = true
		}
	}
	if ctx.CompressedSummary != "" {
		header()
		fmt.Fprintf(&sb, "Earlier reflections (compressed): %s\n", ctx.CompressedSummary)
	}
	for _, insight := range ctx.ReflectionLog {
		header()
		fmt.Fprintf(&sb, "- %s [%s]", insight.SubtaskID, insight.NormalizedStatus)
		if insight.KeyInsight != "" {
			fmt.Fprintf(&sb, ": %s", insight.KeyInsight)
		}
		sb.WriteString("\n")
	}
	for pattern, count := range ctx.FailurePatterns {
		header()
		fmt.Fprintf(&sb, "- Recurring failure %q seen %d times\n", pattern, count)
	}
	if !wrote {
		return ""
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatDependencySection renders upstream subtask summaries.
func FormatDependencySection(deps []models.DependencySummary) string {
	if len(deps) == 0 {
		return "## Dependencies\nThis subtask has no upstream dependencies.\n\n"
	}
	var sb strings.Builder
	sb.WriteString("## Dependencies\n")
	for _, dep := range deps {
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", dep.TaskID, dep.Status, dep.Description)
		for _, finding := range dep.KeyFindings {
			fmt.Fprintf(&sb, "  - %s\n", finding)
		}
		if dep.FailureReason != "" {
			fmt.Fprintf(&sb, "  - Failed: %s\n", dep.FailureReason)
		}
		if dep.TerminationReason != "" {
			fmt.Fprintf(&sb, "  - Terminated: %s after %d steps\n", dep.TerminationReason, dep.ExecutedSteps)
		}
		if len(dep.NodesProduced) > 0 {
			fmt.Fprintf(&sb, "  - Produced: %s\n", strings.Join(dep.NodesProduced, ", "))
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatCausalContextSection renders the relevant-causal-context slice for
// an executor turn.
func FormatCausalContextSection(ctx models.RelevantCausalContext) string {
	var sb strings.Builder
	sb.WriteString("## Known Intelligence\n")
	empty := true

	if len(ctx.ConfirmedVulns) > 0 {
		empty = false
		sb.WriteString("Confirmed vulnerabilities:\n")
		for _, node := range ctx.ConfirmedVulns {
			fmt.Fprintf(&sb, "- %s: %s\n", node.ID, node.Description)
		}
	}
	if len(ctx.KeyFacts) > 0 {
		empty = false
		sb.WriteString("Key facts:\n")
		for _, node := range ctx.KeyFacts {
			fmt.Fprintf(&sb, "- %s\n", node.Description)
		}
	}
	if len(ctx.TopHypotheses) > 0 {
		empty = false
		sb.WriteString("Active hypotheses:\n")
		for _, node := range ctx.TopHypotheses {
			fmt.Fprintf(&sb, "- %s (confidence %.2f, %s): %s\n", node.ID, node.Confidence, node.Status, node.Description)
		}
	}
	if len(ctx.AttackPaths) > 0 {
		empty = false
		sb.WriteString("Scored attack paths:\n")
		for _, path := range ctx.AttackPaths {
			fmt.Fprintf(&sb, "- [%.3f] %s\n", path.Score, strings.Join(path.Nodes, " -> "))
		}
	}
	if empty {
		sb.WriteString("Nothing confirmed yet.\n")
	}
	sb.WriteString("\n")
	return sb.String() + FormatFailurePatternSection(ctx.Failures)
}

// FormatStagedNodesSection renders staged causal nodes for the reflector.
func FormatStagedNodesSection(nodes []models.CausalNode) string {
	if len(nodes) == 0 {
		return "## Staged Causal Nodes\nThe executor staged no causal nodes.\n\n"
	}
	var sb strings.Builder
	sb.WriteString("## Staged Causal Nodes\n")
	for _, node := range nodes {
		fmt.Fprintf(&sb, "- %s [%s]: %s\n", node.ID, node.NodeType, node.Description)
	}
	sb.WriteString("\n")
	return sb.String()
}

// FormatKnowledgeSection renders retrieved knowledge-base snippets.
func FormatKnowledgeSection(snippets []knowledge.Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Reference Knowledge\n")
	for _, s := range snippets {
		fmt.Fprintf(&sb, "- (%.2f) %s\n", s.Score, s.Snippet)
	}
	sb.WriteString("\n")
	return sb.String()
}
