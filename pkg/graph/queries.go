package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// Detail levels for FullGraphSummary.
const (
	DetailStatuses = 1 // subtask statuses and causal counts
	DetailFull     = 2 // plus descriptions, dependencies, recent steps
	DetailVerbose  = 3 // plus causal node listing
)

// NextExecutableSubtasks returns the ready batch: every subtask that is
// waiting (pending or blocked) and whose dependencies have all resolved,
// in one of the completed, deprecated, or failed status families. Ordered
// by descending priority, then id.
func (m *Manager) NextExecutableSubtasks() []models.Subtask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ready []models.Subtask
	for _, st := range m.subtasks {
		if models.IsTerminalStatus(st.Status) || st.Status == models.StatusInProgress {
			continue
		}
		if m.dependenciesResolvedLocked(st.ID) {
			ready = append(ready, *st)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (m *Manager) dependenciesResolvedLocked(subtaskID string) bool {
	for _, edge := range m.taskIn[subtaskID] {
		if edge.Type != models.EdgeDependency {
			continue
		}
		dep, ok := m.subtasks[edge.Source]
		if !ok {
			continue
		}
		if !statusResolved(dep.Status) {
			return false
		}
	}
	return true
}

// statusResolved matches the completed, deprecated, and failed status
// families; completed_error and stalled_orphan resolve their dependents
// just like a plain failure would.
func statusResolved(status string) bool {
	return strings.HasPrefix(status, "completed") ||
		strings.HasPrefix(status, "deprecated") ||
		strings.HasPrefix(status, "failed") ||
		status == models.StatusStalledOrphan
}

// Dependencies returns the ids of a subtask's direct dependencies.
func (m *Manager) Dependencies(subtaskID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dependenciesLocked(subtaskID)
}

func (m *Manager) dependenciesLocked(subtaskID string) []string {
	var deps []string
	for _, edge := range m.taskIn[subtaskID] {
		if edge.Type == models.EdgeDependency {
			deps = append(deps, edge.Source)
		}
	}
	sort.Strings(deps)
	return deps
}

// Dependents returns the ids of subtasks that depend on the given one.
func (m *Manager) Dependents(subtaskID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, edge := range m.taskOut[subtaskID] {
		if edge.Type == models.EdgeDependency {
			out = append(out, edge.Target)
		}
	}
	sort.Strings(out)
	return out
}

// DependencySummaries walks the transitive dependency closure of a subtask
// and returns one summary per upstream subtask, nearest first. The result
// feeds the executor's prompt so it knows what its inputs produced.
func (m *Manager) DependencySummaries(subtaskID string) []models.DependencySummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var summaries []models.DependencySummary
	seen := map[string]bool{subtaskID: true}
	queue := m.dependenciesLocked(subtaskID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		dep, ok := m.subtasks[id]
		if !ok {
			continue
		}
		summary := models.DependencySummary{
			TaskID:            dep.ID,
			Description:       dep.Description,
			Status:            dep.Status,
			TerminationReason: dep.TerminationReason,
			ExecutedSteps:     dep.ExecutedSteps,
			NodesProduced:     m.nodesProducedLocked(dep.ID),
		}
		if dep.Summary != "" {
			if dep.Status == models.StatusFailed || dep.Status == models.StatusStalledOrphan {
				summary.FailureReason = dep.Summary
			} else {
				summary.KeyFindings = []string{dep.Summary}
			}
		}
		summaries = append(summaries, summary)
		queue = append(queue, m.dependenciesLocked(id)...)
	}
	return summaries
}

// nodesProducedLocked lists causal nodes whose source step belongs to the
// subtask's execution subtree.
func (m *Manager) nodesProducedLocked(subtaskID string) []string {
	var out []string
	for id, node := range m.causalNodes {
		if node.SourceStepID == "" {
			continue
		}
		if m.owningSubtaskLocked(node.SourceStepID) == subtaskID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FailedSubtasks returns subtasks that ended badly: failed, orphaned, or
// completed with errors.
func (m *Manager) FailedSubtasks() []models.Subtask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Subtask
	for _, st := range m.subtasks {
		switch st.Status {
		case models.StatusFailed, models.StatusStalledOrphan, models.StatusCompletedError:
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subtasks returns copies of all subtasks, sorted by id.
func (m *Manager) Subtasks() []models.Subtask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Subtask, 0, len(m.subtasks))
	for _, st := range m.subtasks {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StepsForSubtask returns the subtask's execution steps ordered by
// sequence number.
func (m *Manager) StepsForSubtask(subtaskID string) []models.ExecutionStep {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepsForSubtaskLocked(subtaskID)
}

func (m *Manager) stepsForSubtaskLocked(subtaskID string) []models.ExecutionStep {
	var out []models.ExecutionStep
	for _, step := range m.steps {
		if m.owningSubtaskLocked(step.ParentID) == subtaskID {
			out = append(out, *step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// ExecutionLog renders the subtask's step history for reflection prompts.
// The rendering is cached per subtask and invalidated when a newer step
// sequence appears.
func (m *Manager) ExecutionLog(subtaskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.subtasks[subtaskID]
	if !ok {
		return ""
	}
	steps := m.stepsForSubtaskLocked(subtaskID)
	if len(steps) == 0 {
		return "No execution steps recorded."
	}
	latest := steps[len(steps)-1].Sequence
	if st.ExecSummaryCache.Summary != "" && st.ExecSummaryCache.LastSequence == latest {
		return st.ExecSummaryCache.Summary
	}

	var b strings.Builder
	for _, step := range steps {
		fmt.Fprintf(&b, "[%d] %s (%s)\n", step.Sequence, step.ID, step.Status)
		if step.Thought != "" {
			fmt.Fprintf(&b, "  thought: %s\n", step.Thought)
		}
		if step.Action.Tool != "" {
			fmt.Fprintf(&b, "  action: %s %v\n", step.Action.Tool, step.Action.Params)
		}
		if step.Observation != "" {
			obs := step.Observation
			if len(obs) > 2000 {
				obs = obs[:2000] + "... (truncated)"
			}
			fmt.Fprintf(&b, "  observation: %s\n", obs)
		}
	}
	rendered := b.String()
	st.ExecSummaryCache = models.ExecSummaryCache{
		Summary:      rendered,
		LastSequence: latest,
		UpdatedAt:    m.now(),
	}
	return rendered
}

// Descendants returns every task-graph node reachable from the given node
// through outgoing edges.
func (m *Manager) Descendants(nodeID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.descendantsLocked(nodeID)
}

func (m *Manager) descendantsLocked(nodeID string) []string {
	var out []string
	seen := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range m.taskOut[id] {
			if seen[edge.Target] {
				continue
			}
			seen[edge.Target] = true
			out = append(out, edge.Target)
			queue = append(queue, edge.Target)
		}
	}
	sort.Strings(out)
	return out
}

// FullGraphSummary renders a textual view of the task graph for planner
// prompts, at increasing detail levels.
func (m *Manager) FullGraphSummary(detail int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", m.root.Goal)
	fmt.Fprintf(&b, "Subtasks: %d, execution steps: %d, causal nodes: %d\n",
		len(m.subtasks), len(m.steps), len(m.causalNodes))

	ids := make([]string, 0, len(m.subtasks))
	for id := range m.subtasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := m.subtasks[id]
		fmt.Fprintf(&b, "- %s [%s]", id, st.Status)
		if detail >= DetailFull {
			fmt.Fprintf(&b, " %s", st.Description)
			if deps := m.dependenciesLocked(id); len(deps) > 0 {
				fmt.Fprintf(&b, " (depends on: %s)", strings.Join(deps, ", "))
			}
			if st.Summary != "" {
				fmt.Fprintf(&b, "\n    summary: %s", st.Summary)
			}
		}
		b.WriteString("\n")
	}

	if detail >= DetailVerbose {
		b.WriteString(m.causalGraphSummaryLocked())
	}
	return b.String()
}

// CausalGraphSummary renders the causal graph for planner and reflector
// prompts: counts by type, live hypotheses with confidence, confirmed
// vulnerabilities.
func (m *Manager) CausalGraphSummary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.causalGraphSummaryLocked()
}

func (m *Manager) causalGraphSummaryLocked() string {
	if len(m.causalNodes) == 0 {
		return "Causal graph is empty.\n"
	}
	counts := map[string]int{}
	for _, node := range m.causalNodes {
		counts[node.NodeType]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	b.WriteString("Causal graph: ")
	for i, t := range types {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d %s", counts[t], t)
	}
	b.WriteString("\n")

	for _, h := range m.causalNodesByTypeLocked(models.CausalHypothesis) {
		fmt.Fprintf(&b, "- hypothesis %s [%s, confidence %.2f]: %s\n", h.ID, h.Status, h.Confidence, h.Description)
	}
	for _, v := range m.causalNodesByTypeLocked(models.CausalConfirmedVuln) {
		fmt.Fprintf(&b, "- confirmed vulnerability %s (CVSS %.1f): %s\n", v.ID, v.CVSS, v.Description)
	}
	return b.String()
}

// AttackPathSummary renders the top scored paths for prompts.
func (m *Manager) AttackPathSummary(topN int) string {
	paths := m.AnalyzeAttackPaths()
	if len(paths) == 0 {
		return "No attack paths identified yet."
	}
	if topN > 0 && len(paths) > topN {
		paths = paths[:topN]
	}
	var b strings.Builder
	for i, p := range paths {
		fmt.Fprintf(&b, "%d. score %.3f: %s\n", i+1, p.Score, strings.Join(p.Nodes, " -> "))
	}
	return b.String()
}

// IsGoalAchieved reports whether any node in either graph carries the
// goal-achieved marker.
func (m *Manager) IsGoalAchieved() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.root.Status == models.AuditGoalAchieved {
		return true
	}
	for _, node := range m.causalNodes {
		if node.Status == models.AuditGoalAchieved {
			return true
		}
	}
	return false
}

// MarkGoalAchieved stamps the root task.
func (m *Manager) MarkGoalAchieved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root.Status = models.AuditGoalAchieved
	m.mirrorNode(GraphTypeTask, m.root.ID, models.NodeKindRootTask, m.root.Status, map[string]any{"goal": m.root.Goal})
	m.emitGraphChanged("goal_achieved", map[string]any{"node_id": m.root.ID})
}

// SuccessSubgraph extracts the slice of the causal graph that explains the
// success: every ConfirmedVulnerability or TargetArtifact plus all its
// ancestors, with the edges among them. Used by the global reflection.
func (m *Manager) SuccessSubgraph() models.GraphSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	include := map[string]bool{}
	var frontier []string
	for id, node := range m.causalNodes {
		if node.NodeType == models.CausalConfirmedVuln || node.NodeType == models.CausalTargetArtifact {
			include[id] = true
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, i := range m.causalIn[id] {
			src := m.causalEdges[i].Source
			if !include[src] {
				include[src] = true
				frontier = append(frontier, src)
			}
		}
	}

	snap := models.GraphSnapshot{GraphType: GraphTypeCausal}
	ids := make([]string, 0, len(include))
	for id := range include {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := m.causalNodes[id]
		snap.Nodes = append(snap.Nodes, map[string]any{
			"id":          node.ID,
			"type":        node.NodeType,
			"description": node.Description,
			"status":      node.Status,
			"confidence":  node.Confidence,
		})
	}
	for _, edge := range m.causalEdges {
		if include[edge.Source] && include[edge.Target] {
			snap.Edges = append(snap.Edges, map[string]any{
				"source": edge.Source,
				"target": edge.Target,
				"label":  edge.Label,
			})
		}
	}
	return snap
}

// Snapshot serializes one graph for the API and replay consumers.
func (m *Manager) Snapshot(graphType string) models.GraphSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := models.GraphSnapshot{GraphType: graphType}
	switch graphType {
	case GraphTypeCausal:
		ids := make([]string, 0, len(m.causalNodes))
		for id := range m.causalNodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			node := m.causalNodes[id]
			snap.Nodes = append(snap.Nodes, map[string]any{
				"id":                   node.ID,
				"type":                 node.NodeType,
				"description":          node.Description,
				"status":               node.Status,
				"confidence":           node.Confidence,
				"cvss":                 node.CVSS,
				"source_step_id":       node.SourceStepID,
				"re_evaluation_needed": node.ReEvaluationNeeded,
			})
		}
		for _, edge := range m.causalEdges {
			snap.Edges = append(snap.Edges, map[string]any{
				"source":   edge.Source,
				"target":   edge.Target,
				"label":    edge.Label,
				"strength": edge.Strength,
			})
		}
	default:
		snap.GraphType = GraphTypeTask
		snap.Nodes = append(snap.Nodes, map[string]any{
			"id":     m.root.ID,
			"type":   models.NodeKindRootTask,
			"goal":   m.root.Goal,
			"status": m.root.Status,
		})
		subIDs := make([]string, 0, len(m.subtasks))
		for id := range m.subtasks {
			subIDs = append(subIDs, id)
		}
		sort.Strings(subIDs)
		for _, id := range subIDs {
			st := m.subtasks[id]
			snap.Nodes = append(snap.Nodes, map[string]any{
				"id":          st.ID,
				"type":        models.NodeKindSubtask,
				"description": st.Description,
				"status":      st.Status,
				"priority":    st.Priority,
				"summary":     st.Summary,
			})
		}
		stepIDs := make([]string, 0, len(m.steps))
		for id := range m.steps {
			stepIDs = append(stepIDs, id)
		}
		sort.Strings(stepIDs)
		for _, id := range stepIDs {
			step := m.steps[id]
			snap.Nodes = append(snap.Nodes, map[string]any{
				"id":       step.ID,
				"type":     models.NodeKindExecutionStep,
				"status":   step.Status,
				"sequence": step.Sequence,
				"tool":     step.Action.Tool,
			})
		}
		stagedIDs := make([]string, 0, len(m.staged))
		for id := range m.staged {
			stagedIDs = append(stagedIDs, id)
		}
		sort.Strings(stagedIDs)
		for _, id := range stagedIDs {
			node := m.staged[id]
			snap.Nodes = append(snap.Nodes, map[string]any{
				"id":               node.ID,
				"type":             node.NodeType,
				"description":      node.Description,
				"is_staged_causal": true,
			})
		}
		sources := make([]string, 0, len(m.taskOut))
		for src := range m.taskOut {
			sources = append(sources, src)
		}
		sort.Strings(sources)
		for _, src := range sources {
			for _, edge := range m.taskOut[src] {
				snap.Edges = append(snap.Edges, map[string]any{
					"source": edge.Source,
					"target": edge.Target,
					"type":   edge.Type,
				})
			}
		}
	}
	return snap
}
