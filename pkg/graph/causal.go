package graph

import (
	"fmt"
	"math"
	"sort"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// Logit deltas for contingent evidence. A contradiction weighs slightly
// more than a support, so alternating evidence drifts a hypothesis down.
const (
	supportsDelta    = 0.4
	contradictsDelta = -0.5
)

// StageProposedCausalNodes records executor-proposed causal nodes on the
// subtask and inserts shadow entries into the task graph so the frontier is
// visible before reflection. A produces edge links the originating step to
// each shadow entry.
func (m *Manager) StageProposedCausalNodes(subtaskID string, nodes []models.CausalNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.subtasks[subtaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, subtaskID)
	}

	for _, node := range nodes {
		if node.ID == "" {
			node.ID = models.CausalNodeID(node.SourceStepID, node.RawOutput, node.NodeType)
		}
		if _, exists := m.causalNodes[node.ID]; exists {
			continue
		}
		if _, exists := m.staged[node.ID]; exists {
			continue
		}
		node.CreatedAt = m.now()
		staged := node
		m.staged[node.ID] = &staged
		st.StagedCausalNodes = append(st.StagedCausalNodes, node)

		m.mirrorNode(GraphTypeTask, node.ID, node.NodeType, "staged", map[string]any{
			"description":      node.Description,
			"source_step_id":   node.SourceStepID,
			"is_staged_causal": true,
		})
		if node.SourceStepID != "" {
			if _, isStep := m.steps[node.SourceStepID]; isStep {
				m.addTaskEdgeLocked(node.SourceStepID, node.ID, models.EdgeProduces)
			}
		}
	}
	m.mirrorSubtask(st)
	m.emitGraphChanged("causal_nodes_staged", map[string]any{"subtask_id": subtaskID, "count": len(nodes)})
	return nil
}

// ClearStagedCausalNodes removes the subtask's staged proposals and their
// shadow entries. Called after the reflector has folded them into the real
// causal graph (or discarded them). Staged shadows are the only nodes that
// are ever physically removed.
func (m *Manager) ClearStagedCausalNodes(subtaskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.subtasks[subtaskID]
	if !ok {
		return
	}
	for _, node := range st.StagedCausalNodes {
		if _, exists := m.staged[node.ID]; !exists {
			continue
		}
		delete(m.staged, node.ID)
		if m.sink != nil {
			m.sink.DeleteNode(m.sessionID, GraphTypeTask, node.ID)
		}
	}
	st.StagedCausalNodes = nil
	m.mirrorSubtask(st)
}

// StagedCausalNodes returns the subtask's pending proposals.
func (m *Manager) StagedCausalNodes(subtaskID string) []models.CausalNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.subtasks[subtaskID]
	if !ok {
		return nil
	}
	return append([]models.CausalNode(nil), st.StagedCausalNodes...)
}

// CausalNode returns a copy of the causal node, when present.
func (m *Manager) CausalNode(id string) (models.CausalNode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.causalNodes[id]
	if !ok {
		return models.CausalNode{}, false
	}
	return *node, true
}

// ValidateCausalGraphUpdates repairs a reflector batch before it is
// applied. Edges must reference nodes that either already exist in the
// causal graph or are carried in the same batch; an endpoint that matches a
// staged proposal is auto-promoted into the batch. Edges that still cannot
// be resolved are dropped with a warning.
func (m *Manager) ValidateCausalGraphUpdates(updates models.CausalGraphUpdates) models.CausalGraphUpdates {
	m.mu.RLock()
	defer m.mu.RUnlock()

	known := make(map[string]bool, len(updates.Nodes))
	for _, node := range updates.Nodes {
		id := node.ID
		if id == "" {
			id = models.CausalNodeID(node.SourceStepID, node.RawOutput, node.NodeType)
		}
		known[id] = true
	}

	promoted := make(map[string]bool)
	resolve := func(id string) bool {
		if known[id] {
			return true
		}
		if _, exists := m.causalNodes[id]; exists {
			return true
		}
		if staged, exists := m.staged[id]; exists {
			if !promoted[id] {
				updates.Nodes = append(updates.Nodes, *staged)
				promoted[id] = true
				known[id] = true
			}
			return true
		}
		return false
	}

	kept := updates.Edges[:0]
	for _, edge := range updates.Edges {
		if resolve(edge.Source) && resolve(edge.Target) {
			kept = append(kept, edge)
			continue
		}
		m.log.Warn("dropping causal edge with unresolved endpoint",
			"source", edge.Source, "target", edge.Target, "label", edge.Label)
	}
	updates.Edges = kept
	return updates
}

// ProcessCausalGraphCommands applies a reflector batch in two phases: all
// nodes first, then all edges, so an edge may reference a node created in
// the same batch via its temporary id. The returned map translates the
// batch's temporary ids to permanent graph ids.
//
// The batch's mirror writes are collected and handed to the sink as one
// atomic job, so a crash mid-mirror never leaves edges without their nodes
// in the database.
func (m *Manager) ProcessCausalGraphCommands(updates models.CausalGraphUpdates) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batch = &mirrorBatch{index: make(map[string]int)}
	defer func() {
		batch := m.batch
		m.batch = nil
		if m.sink != nil && !batch.empty() {
			m.sink.UpsertBatch(m.sessionID, GraphTypeCausal, batch.nodes, batch.edges)
		}
	}()

	idMap := make(map[string]string, len(updates.Nodes))

	for _, node := range updates.Nodes {
		permID := m.addCausalNodeLocked(node)
		if node.ID != "" && node.ID != permID {
			idMap[node.ID] = permID
		}
		idMap[permID] = permID
	}

	for _, edge := range updates.Edges {
		source := edge.Source
		if mapped, ok := idMap[source]; ok {
			source = mapped
		}
		target := edge.Target
		if mapped, ok := idMap[target]; ok {
			target = mapped
		}
		m.addCausalEdgeLocked(source, target, edge.Label, edge.Strength, edge.Data)
	}

	if !updates.Empty() {
		m.emitGraphChanged("causal_updated", map[string]any{
			"nodes": len(updates.Nodes),
			"edges": len(updates.Edges),
		})
	}
	return idMap
}

// addCausalNodeLocked inserts one causal node, deriving the permanent id
// when the producer's id is temporary, and applying per-type defaults.
// Insertion is idempotent on the permanent id. A matching staged shadow
// entry is consumed by the promotion.
func (m *Manager) addCausalNodeLocked(node models.CausalNode) string {
	permID := node.ID
	if permID == "" || m.looksTemporaryLocked(permID) {
		permID = models.CausalNodeID(node.SourceStepID, node.RawOutput, node.NodeType)
	}

	if existing, ok := m.causalNodes[permID]; ok {
		// Re-assertion of a known node refreshes the description only.
		if node.Description != "" {
			existing.Description = node.Description
			m.mirrorCausalNode(existing)
		}
		return permID
	}

	node.ID = permID
	node.CreatedAt = m.now()
	switch node.NodeType {
	case models.CausalHypothesis:
		if node.Confidence == 0 {
			node.Confidence = models.DefaultHypothesisConfidence
		}
		if node.Status == "" {
			node.Status = models.HypothesisPending
		}
	case models.CausalConfirmedVuln:
		node.Confidence = models.ConfirmedVulnBaseConfidence
		node.Status = models.HypothesisConfirmed
		if node.CVSS == 0 {
			node.CVSS = models.DefaultVulnerabilityCVSS
		}
	case models.CausalVulnerability, models.CausalPossibleVuln:
		if node.CVSS == 0 {
			node.CVSS = models.DefaultVulnerabilityCVSS
		}
	}
	m.causalNodes[permID] = &node

	// Promotion consumes the staged shadow entry.
	if _, staged := m.staged[permID]; staged {
		delete(m.staged, permID)
		if m.sink != nil {
			m.sink.DeleteNode(m.sessionID, GraphTypeTask, permID)
		}
	}

	m.mirrorCausalNode(&node)
	return permID
}

// looksTemporaryLocked reports whether an id is a batch-local temporary id
// rather than a permanent graph id.
func (m *Manager) looksTemporaryLocked(id string) bool {
	if _, exists := m.causalNodes[id]; exists {
		return false
	}
	if _, exists := m.staged[id]; exists {
		return false
	}
	return len(id) < 6 || id[:3] != "cn_"
}

// AddCausalEdge inserts one labeled edge and propagates confidence into
// the target.
func (m *Manager) AddCausalEdge(source, target, label, strength string, data map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCausalEdgeLocked(source, target, label, strength, data)
}

func (m *Manager) addCausalEdgeLocked(source, target, label, strength string, data map[string]any) error {
	if source == target {
		m.log.Warn("rejecting causal self-loop", "node_id", source)
		return fmt.Errorf("self-loop edge on %s", source)
	}
	if _, ok := m.causalNodes[source]; !ok {
		return fmt.Errorf("%w: edge source %s", ErrNodeNotFound, source)
	}
	targetNode, ok := m.causalNodes[target]
	if !ok {
		return fmt.Errorf("%w: edge target %s", ErrNodeNotFound, target)
	}

	canonical, knownLabel := models.NormalizeEdgeLabel(label)
	if !knownLabel {
		m.log.Warn("unknown causal edge label, defaulting to SUPPORTS", "label", label)
	}
	if strength != models.StrengthNecessary {
		strength = models.StrengthContingent
	}

	for _, i := range m.causalOut[source] {
		e := m.causalEdges[i]
		if e.Target == target && e.Label == canonical {
			return nil // duplicate edge, no double counting
		}
	}

	edge := models.CausalEdge{
		Source:    source,
		Target:    target,
		Label:     canonical,
		Strength:  strength,
		Data:      data,
		CreatedAt: m.now(),
	}
	idx := len(m.causalEdges)
	m.causalEdges = append(m.causalEdges, edge)
	m.causalOut[source] = append(m.causalOut[source], idx)
	m.causalIn[target] = append(m.causalIn[target], idx)
	if m.batch != nil {
		m.batch.edges = append(m.batch.edges, BatchEdge{Source: source, Target: target, Relation: canonical, Data: map[string]any{"strength": strength}})
	} else if m.sink != nil {
		m.sink.AddEdge(m.sessionID, GraphTypeCausal, source, target, canonical, map[string]any{"strength": strength})
	}

	m.propagateConfidenceLocked(targetNode, canonical, strength)
	return nil
}

// propagateConfidenceLocked updates the target node's confidence for a new
// SUPPORTS or CONTRADICTS edge.
//
// Necessary evidence is decisive: it pins the hypothesis at 1.0/CONFIRMED
// or 0.0/FALSIFIED, and that verdict latches against all later contingent
// evidence. Contingent evidence shifts the confidence in logit space so
// repeated observations saturate instead of accumulating linearly.
func (m *Manager) propagateConfidenceLocked(target *models.CausalNode, label, strength string) {
	if label != models.EdgeSupports && label != models.EdgeContradicts {
		return
	}

	// Contradicting a confirmed vulnerability never silently downgrades
	// it; the planner must order an explicit re-evaluation.
	if target.NodeType == models.CausalConfirmedVuln {
		if label == models.EdgeContradicts {
			target.ReEvaluationNeeded = true
			target.Status = models.StatusReEvaluationPending
			m.log.Warn("confirmed vulnerability contradicted, flagging for re-evaluation", "node_id", target.ID)
			m.mirrorCausalNode(target)
			m.emitGraphChanged("re_evaluation_needed", map[string]any{"node_id": target.ID})
		}
		return
	}
	if target.NodeType != models.CausalHypothesis {
		return
	}

	if target.Status == models.HypothesisFalsified || target.Status == models.HypothesisConfirmed {
		m.log.Debug("hypothesis verdict is latched, ignoring new evidence",
			"node_id", target.ID, "status", target.Status, "label", label)
		return
	}

	if strength == models.StrengthNecessary {
		if label == models.EdgeSupports {
			target.Confidence = 1.0
			target.Status = models.HypothesisConfirmed
		} else {
			target.Confidence = 0.0
			target.Status = models.HypothesisFalsified
		}
		m.mirrorCausalNode(target)
		return
	}

	delta := supportsDelta
	status := models.HypothesisSupported
	if label == models.EdgeContradicts {
		delta = contradictsDelta
		status = models.HypothesisContradicted
	}
	target.Confidence = logitShift(target.Confidence, delta)
	target.Status = status
	m.mirrorCausalNode(target)
}

// logitShift moves a probability by delta in logit space. The input is
// clamped away from 0 and 1 so the logit stays finite, and the result is
// clamped to [0.05, 0.95] so contingent evidence alone can never reach a
// decisive verdict.
func logitShift(c, delta float64) float64 {
	c = math.Min(0.99, math.Max(0.01, c))
	l := math.Log(c/(1-c)) + delta
	out := 1 / (1 + math.Exp(-l))
	return math.Min(0.95, math.Max(0.05, out))
}

// CausalNodesByType returns copies of all causal nodes of one type, sorted
// by descending confidence then id.
func (m *Manager) CausalNodesByType(nodeType string) []models.CausalNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.causalNodesByTypeLocked(nodeType)
}

func (m *Manager) causalNodesByTypeLocked(nodeType string) []models.CausalNode {
	var out []models.CausalNode
	for _, node := range m.causalNodes {
		if node.NodeType == nodeType {
			out = append(out, *node)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReEvaluationPending returns confirmed vulnerabilities flagged by a
// contradiction.
func (m *Manager) ReEvaluationPending() []models.CausalNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CausalNode
	for _, node := range m.causalNodes {
		if node.ReEvaluationNeeded {
			out = append(out, *node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
