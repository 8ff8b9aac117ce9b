// Package graph owns the session's dual graph: the task decomposition graph
// (root task, subtasks, execution steps) and the causal inference graph
// (evidence, hypotheses, vulnerabilities). All other components read it
// through queries and mutate it through Manager methods; every mutation is
// mirrored to the persistence sink and announced through the event broker.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// ErrNodeNotFound is returned when an operation references a node that does
// not exist in the task graph.
var ErrNodeNotFound = errors.New("node not found in task graph")

// Sink receives mirror jobs for every mutation. Implementations must not
// block the caller; the store's async sink is the production implementation.
// UpsertBatch carries a reflector batch whose nodes and edges must land in
// the database together or not at all.
type Sink interface {
	UpsertNode(sessionID, graphType, nodeID, nodeType, status string, data map[string]any)
	DeleteNode(sessionID, graphType, nodeID string)
	AddEdge(sessionID, graphType, source, target, relation string, data map[string]any)
	UpsertBatch(sessionID, graphType string, nodes []BatchNode, edges []BatchEdge)
}

// BatchNode is one node of an atomic mirror batch.
type BatchNode struct {
	NodeID   string
	NodeType string
	Status   string
	Data     map[string]any
}

// BatchEdge is one edge of an atomic mirror batch.
type BatchEdge struct {
	Source   string
	Target   string
	Relation string
	Data     map[string]any
}

// Emitter publishes broker events for graph observers.
type Emitter interface {
	Emit(event, sessionID string, payload map[string]any)
}

// Graph type discriminators used by the persistence mirror.
const (
	GraphTypeTask   = "task"
	GraphTypeCausal = "causal"
)

// Manager is the exclusive owner of both graphs for one session. Every
// method is atomic with respect to the manager's own data.
type Manager struct {
	mu sync.RWMutex

	sessionID string
	root      *models.RootTask

	subtasks map[string]*models.Subtask
	steps    map[string]*models.ExecutionStep
	taskOut  map[string][]models.TaskEdge // source -> outgoing typed edges
	taskIn   map[string][]models.TaskEdge // target -> incoming typed edges

	causalNodes map[string]*models.CausalNode
	causalEdges []models.CausalEdge
	causalOut   map[string][]int // node id -> indexes into causalEdges
	causalIn    map[string][]int

	// Shadow entries for executor-proposed causal nodes awaiting reflection.
	staged map[string]*models.CausalNode

	// Non-nil while a reflector batch is applied; collects causal mirror
	// writes so the sink gets them as one atomic job.
	batch *mirrorBatch

	seq int64

	sink    Sink
	emitter Emitter
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink attaches a persistence sink.
func WithSink(s Sink) Option { return func(m *Manager) { m.sink = s } }

// WithEmitter attaches an event emitter.
func WithEmitter(e Emitter) Option { return func(m *Manager) { m.emitter = e } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates the dual graph for one session and inserts the root
// task node. The root is never deleted.
func NewManager(sessionID, goal string, opts ...Option) *Manager {
	m := &Manager{
		sessionID:   sessionID,
		subtasks:    make(map[string]*models.Subtask),
		steps:       make(map[string]*models.ExecutionStep),
		taskOut:     make(map[string][]models.TaskEdge),
		taskIn:      make(map[string][]models.TaskEdge),
		causalNodes: make(map[string]*models.CausalNode),
		causalOut:   make(map[string][]int),
		causalIn:    make(map[string][]int),
		staged:      make(map[string]*models.CausalNode),
		now:         time.Now,
		log:         slog.With("component", "graph", "session_id", sessionID),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.root = &models.RootTask{
		ID:        sessionID,
		Goal:      goal,
		Status:    models.StatusInProgress,
		CreatedAt: m.now(),
	}
	m.mirrorNode(GraphTypeTask, m.root.ID, models.NodeKindRootTask, m.root.Status, map[string]any{
		"goal": goal,
	})
	return m
}

// SessionID returns the owning session.
func (m *Manager) SessionID() string { return m.sessionID }

// Root returns a copy of the root task.
func (m *Manager) Root() models.RootTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.root
}

// SubtaskParams carries the planner-supplied attributes of a subtask.
type SubtaskParams struct {
	ID                 string
	Description        string
	Dependencies       []string
	Priority           int
	Reason             string
	CompletionCriteria string
	MissionBriefing    map[string]any
}

// AddSubtask inserts a subtask node. The operation is idempotent: when the
// id already exists, the mutable attributes are updated in place. A subtask
// without dependencies is linked to the root via a decomposition edge.
func (m *Manager) AddSubtask(p SubtaskParams) *models.Subtask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addSubtaskLocked(p)
}

func (m *Manager) addSubtaskLocked(p SubtaskParams) *models.Subtask {
	if existing, ok := m.subtasks[p.ID]; ok {
		m.log.Warn("AddSubtask: node already exists, updating in place", "subtask_id", p.ID)
		if p.Description != "" {
			existing.Description = p.Description
		}
		if p.Priority != 0 {
			existing.Priority = p.Priority
		}
		if p.Reason != "" {
			existing.Reason = p.Reason
		}
		if p.CompletionCriteria != "" {
			existing.CompletionCriteria = p.CompletionCriteria
		}
		if p.MissionBriefing != nil {
			existing.MissionBriefing = p.MissionBriefing
		}
		existing.UpdatedAt = m.now()
		m.mirrorSubtask(existing)
		m.emitGraphChanged("subtask_updated", map[string]any{"node_id": p.ID})
		return existing
	}

	st := &models.Subtask{
		ID:                 p.ID,
		Description:        p.Description,
		Status:             models.StatusPending,
		Priority:           p.Priority,
		Reason:             p.Reason,
		CompletionCriteria: p.CompletionCriteria,
		MissionBriefing:    p.MissionBriefing,
		CreatedAt:          m.now(),
		UpdatedAt:          m.now(),
	}
	if st.Priority == 0 {
		st.Priority = 1
	}
	m.subtasks[p.ID] = st

	// Resolved dependency edges alone keep the node reachable without
	// flattening the decomposition structure. When none resolve (no
	// dependencies declared, or every declared one is unknown) the node
	// falls back to a root decomposition edge so it never floats
	// unreachable.
	linked := false
	for _, dep := range p.Dependencies {
		if _, ok := m.subtasks[dep]; ok {
			m.addTaskEdgeLocked(dep, p.ID, models.EdgeDependency)
			linked = true
		} else {
			m.log.Warn("AddSubtask: dependency does not exist, skipping edge", "subtask_id", p.ID, "dependency", dep)
		}
	}
	if !linked {
		m.addTaskEdgeLocked(m.root.ID, p.ID, models.EdgeDecomposition)
	}

	m.mirrorSubtask(st)
	m.emitGraphChanged("subtask_added", map[string]any{"node_id": p.ID, "description": p.Description})
	return st
}

// AddExecutionStep inserts an execution-step node under a subtask or a
// prior step, assigning the next monotonic sequence number. The parent
// subtask's execution-summary cache is invalidated.
func (m *Manager) AddExecutionStep(id, parentID, thought string, action models.StepAction, status string, hypothesisUpdate map[string]any) (*models.ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.taskNodeExistsLocked(parentID) {
		return nil, fmt.Errorf("%w: parent %s", ErrNodeNotFound, parentID)
	}

	m.seq++
	step := &models.ExecutionStep{
		ID:               id,
		ParentID:         parentID,
		Thought:          thought,
		Action:           action,
		Status:           status,
		Sequence:         m.seq,
		HypothesisUpdate: hypothesisUpdate,
		CreatedAt:        m.now(),
	}
	if step.Status == "" {
		step.Status = models.StepStatusPending
	}
	m.steps[id] = step
	m.addTaskEdgeLocked(parentID, id, models.EdgeExecution)
	m.invalidateExecutionCacheLocked(m.owningSubtaskLocked(parentID))

	m.mirrorStep(step)
	m.emitGraphChanged("step_added", map[string]any{"node_id": id, "parent_id": parentID, "tool": action.Tool})
	return step, nil
}

// UpdateNode applies a generic update map to a subtask or execution step,
// enforcing the status-lifecycle invariants. Violations never abort: the
// illegal part of the update is dropped and a warning is recorded on the
// node.
func (m *Manager) UpdateNode(id string, updates map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateNodeLocked(id, updates)
}

func (m *Manager) updateNodeLocked(id string, updates map[string]any) {
	if st, ok := m.subtasks[id]; ok {
		m.updateSubtaskLocked(st, updates)
		return
	}
	if step, ok := m.steps[id]; ok {
		m.updateStepLocked(step, updates)
		return
	}
	// During dynamic replanning nodes may have been deprecated already.
	m.log.Warn("UpdateNode: node not found", "node_id", id)
}

func (m *Manager) updateSubtaskLocked(st *models.Subtask, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "status":
			m.applySubtaskStatusLocked(st, fmt.Sprintf("%v", value))
		case "description":
			st.Description = fmt.Sprintf("%v", value)
		case "priority":
			if n, ok := toInt(value); ok {
				st.Priority = n
			}
		case "reason":
			st.Reason = fmt.Sprintf("%v", value)
		case "completion_criteria":
			st.CompletionCriteria = fmt.Sprintf("%v", value)
		case "summary":
			st.Summary = fmt.Sprintf("%v", value)
		case "termination_reason":
			st.TerminationReason = fmt.Sprintf("%v", value)
		case "mission_briefing":
			if mb, ok := value.(map[string]any); ok {
				st.MissionBriefing = mb
			}
		default:
			// Unknown keys are tolerated; planners sometimes attach
			// advisory fields the graph does not model.
			m.log.Debug("UpdateNode: ignoring unknown subtask field", "node_id", st.ID, "field", key)
		}
	}
	st.UpdatedAt = m.now()
	m.mirrorSubtask(st)
	m.emitGraphChanged("subtask_updated", map[string]any{"node_id": st.ID, "status": st.Status})
}

// applySubtaskStatusLocked enforces the lifecycle invariants:
//   - a terminal status is never replaced by a non-terminal one;
//   - completed never transitions to deprecated;
//   - unknown statuses are coerced to pending.
//
// Every rejected transition appends a warning to the node.
func (m *Manager) applySubtaskStatusLocked(st *models.Subtask, newStatus string) {
	if newStatus == st.Status {
		return
	}
	if !models.IsValidStatus(newStatus) {
		st.AppendWarning(fmt.Sprintf("invalid status %q coerced to pending", newStatus))
		m.log.Warn("UpdateNode: invalid status coerced to pending", "node_id", st.ID, "status", newStatus)
		newStatus = models.StatusPending
		if models.IsTerminalStatus(st.Status) {
			// Coercion still may not revive a terminal node.
			return
		}
		st.Status = newStatus
		return
	}
	if st.Status == models.StatusCompleted && newStatus == models.StatusDeprecated {
		st.AppendWarning("rejected transition completed -> deprecated (reflector verdict is authoritative)")
		m.log.Warn("UpdateNode: completed -> deprecated rejected", "node_id", st.ID)
		m.emitGraphChanged("update_rejected", map[string]any{"node_id": st.ID, "attempted_status": newStatus})
		return
	}
	if models.IsTerminalStatus(st.Status) && !models.IsTerminalStatus(newStatus) {
		st.AppendWarning(fmt.Sprintf("ignored revival of terminal status %q to %q", st.Status, newStatus))
		m.log.Warn("UpdateNode: terminal status revival ignored", "node_id", st.ID, "from", st.Status, "to", newStatus)
		m.emitGraphChanged("update_rejected", map[string]any{"node_id": st.ID, "attempted_status": newStatus})
		return
	}
	st.Status = newStatus
}

func (m *Manager) updateStepLocked(step *models.ExecutionStep, updates map[string]any) {
	for key, value := range updates {
		switch key {
		case "status":
			step.Status = fmt.Sprintf("%v", value)
		case "thought":
			step.Thought = fmt.Sprintf("%v", value)
		case "observation":
			step.Observation = fmt.Sprintf("%v", value)
		case "observation_truncated":
			if b, ok := value.(bool); ok {
				step.ObservationTruncated = b
			}
		case "observation_original_length":
			if n, ok := toInt(value); ok {
				step.ObservationOriginalLength = n
			}
		case "hypothesis_update":
			if hu, ok := value.(map[string]any); ok {
				step.HypothesisUpdate = hu
			}
		}
	}
	m.invalidateExecutionCacheLocked(m.owningSubtaskLocked(step.ParentID))
	m.mirrorStep(step)
	m.emitGraphChanged("step_updated", map[string]any{"node_id": step.ID, "status": step.Status})
}

// DeprecateSubtask marks a subtask deprecated and records the reason.
// Subtasks are never physically removed. Completed subtasks refuse the
// transition (invariant 3).
func (m *Manager) DeprecateSubtask(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.subtasks[id]
	if !ok {
		m.log.Warn("DeprecateSubtask: node not found", "node_id", id)
		return
	}
	if reason != "" {
		st.Summary = reason
	}
	m.applySubtaskStatusLocked(st, models.StatusDeprecated)
	st.UpdatedAt = m.now()
	m.mirrorSubtask(st)
	m.emitGraphChanged("subtask_deprecated", map[string]any{"node_id": id, "reason": reason})
}

// MarkStepsAborted transitions in-flight steps to aborted; used when the
// halt latch fires mid-subtask. Steps that already settled as completed or
// failed keep their verdict so the observation trail survives the halt.
func (m *Manager) MarkStepsAborted(stepIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var aborted []string
	for _, id := range stepIDs {
		if step, ok := m.steps[id]; ok && step.Status == models.StepStatusInProgress {
			step.Status = models.StepStatusAborted
			m.mirrorStep(step)
			aborted = append(aborted, id)
		}
	}
	if len(aborted) > 0 {
		m.emitGraphChanged("steps_aborted", map[string]any{"step_ids": aborted})
	}
}

// Subtask returns a copy of the subtask, when present.
func (m *Manager) Subtask(id string) (models.Subtask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.subtasks[id]
	if !ok {
		return models.Subtask{}, false
	}
	return *st, true
}

// Step returns a copy of the execution step, when present.
func (m *Manager) Step(id string) (models.ExecutionStep, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	step, ok := m.steps[id]
	if !ok {
		return models.ExecutionStep{}, false
	}
	return *step, true
}

// HasTaskNode reports whether id names the root, a subtask, or a step.
func (m *Manager) HasTaskNode(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.taskNodeExistsLocked(id)
}

// ConversationHistory returns the persisted conversation for a subtask.
func (m *Manager) ConversationHistory(subtaskID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.subtasks[subtaskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, subtaskID)
	}
	history := make([]models.Message, len(st.ConversationHistory))
	copy(history, st.ConversationHistory)
	return history, nil
}

// SaveExecutorState persists the executor's per-turn runtime state on the
// subtask: conversation history, last step ids, turn counter, and executed
// step count.
func (m *Manager) SaveExecutorState(subtaskID string, history []models.Message, lastStepIDs []string, turnCounter, executedSteps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.subtasks[subtaskID]
	if !ok {
		m.log.Warn("SaveExecutorState: subtask not found", "subtask_id", subtaskID)
		return
	}
	st.ConversationHistory = append([]models.Message(nil), history...)
	st.LastStepIDs = append([]string(nil), lastStepIDs...)
	st.TurnCounter = turnCounter
	st.ExecutedSteps = executedSteps
	st.UpdatedAt = m.now()
	m.mirrorSubtask(st)
}

// CurrentSequence returns the last assigned execution-step sequence number.
func (m *Manager) CurrentSequence() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// --- internal helpers ---

func (m *Manager) taskNodeExistsLocked(id string) bool {
	if id == m.root.ID {
		return true
	}
	if _, ok := m.subtasks[id]; ok {
		return true
	}
	if _, ok := m.steps[id]; ok {
		return true
	}
	_, ok := m.staged[id]
	return ok
}

func (m *Manager) addTaskEdgeLocked(source, target, edgeType string) {
	edge := models.TaskEdge{Source: source, Target: target, Type: edgeType}
	for _, e := range m.taskOut[source] {
		if e.Target == target && e.Type == edgeType {
			return
		}
	}
	m.taskOut[source] = append(m.taskOut[source], edge)
	m.taskIn[target] = append(m.taskIn[target], edge)
	if m.sink != nil {
		m.sink.AddEdge(m.sessionID, GraphTypeTask, source, target, edgeType, nil)
	}
}

// owningSubtaskLocked walks parent links from a step (or subtask) id up to
// the subtask that owns it.
func (m *Manager) owningSubtaskLocked(id string) string {
	for {
		if _, ok := m.subtasks[id]; ok {
			return id
		}
		step, ok := m.steps[id]
		if !ok {
			return ""
		}
		id = step.ParentID
	}
}

func (m *Manager) invalidateExecutionCacheLocked(subtaskID string) {
	if subtaskID == "" {
		return
	}
	if st, ok := m.subtasks[subtaskID]; ok {
		st.ExecSummaryCache = models.ExecSummaryCache{}
	}
}

func (m *Manager) mirrorSubtask(st *models.Subtask) {
	m.mirrorNode(GraphTypeTask, st.ID, models.NodeKindSubtask, st.Status, map[string]any{
		"description":         st.Description,
		"priority":            st.Priority,
		"reason":              st.Reason,
		"completion_criteria": st.CompletionCriteria,
		"summary":             st.Summary,
		"termination_reason":  st.TerminationReason,
		"warnings":            st.Warnings,
		"turn_counter":        st.TurnCounter,
		"executed_steps":      st.ExecutedSteps,
	})
}

func (m *Manager) mirrorStep(step *models.ExecutionStep) {
	m.mirrorNode(GraphTypeTask, step.ID, models.NodeKindExecutionStep, step.Status, map[string]any{
		"parent":                step.ParentID,
		"thought":               step.Thought,
		"action":                map[string]any{"tool": step.Action.Tool, "params": step.Action.Params},
		"observation":           step.Observation,
		"observation_truncated": step.ObservationTruncated,
		"sequence":              step.Sequence,
	})
}

func (m *Manager) mirrorCausalNode(node *models.CausalNode) {
	data := map[string]any{
		"description":          node.Description,
		"source_step_id":       node.SourceStepID,
		"confidence":           node.Confidence,
		"cvss":                 node.CVSS,
		"re_evaluation_needed": node.ReEvaluationNeeded,
	}
	if m.batch != nil {
		m.batch.putNode(BatchNode{NodeID: node.ID, NodeType: node.NodeType, Status: node.Status, Data: data})
		return
	}
	m.mirrorNode(GraphTypeCausal, node.ID, node.NodeType, node.Status, data)
}

// mirrorBatch accumulates one reflector batch's causal writes. Re-mirrored
// nodes (confidence propagation touching a node already in the batch)
// overwrite in place so the sink sees the final state once.
type mirrorBatch struct {
	index map[string]int
	nodes []BatchNode
	edges []BatchEdge
}

func (b *mirrorBatch) putNode(n BatchNode) {
	if i, ok := b.index[n.NodeID]; ok {
		b.nodes[i] = n
		return
	}
	b.index[n.NodeID] = len(b.nodes)
	b.nodes = append(b.nodes, n)
}

func (b *mirrorBatch) empty() bool {
	return len(b.nodes) == 0 && len(b.edges) == 0
}

func (m *Manager) mirrorNode(graphType, nodeID, nodeType, status string, data map[string]any) {
	if m.sink != nil {
		m.sink.UpsertNode(m.sessionID, graphType, nodeID, nodeType, status, data)
	}
}

func (m *Manager) emitGraphChanged(changeType string, payload map[string]any) {
	if m.emitter == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["change_type"] = changeType
	m.emitter.Emit(models.EventGraphChanged, m.sessionID, payload)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
