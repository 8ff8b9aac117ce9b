package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// recordingEmitter captures broker emissions for assertions.
type recordingEmitter struct {
	mu     sync.Mutex
	events []models.Envelope
}

func (r *recordingEmitter) Emit(event, sessionID string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.Envelope{Event: event, SessionID: sessionID, Payload: payload})
}

func (r *recordingEmitter) changeTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if ct, ok := e.Payload["change_type"].(string); ok {
			out = append(out, ct)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *recordingEmitter) {
	t.Helper()
	emitter := &recordingEmitter{}
	m := NewManager("task_test_1", "capture the flag", WithEmitter(emitter))
	return m, emitter
}

func TestAddSubtaskIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	first := m.AddSubtask(SubtaskParams{ID: "st_1", Description: "recon", Priority: 2})
	require.Equal(t, models.StatusPending, first.Status)

	// Re-adding the same id updates attributes in place instead of
	// creating a duplicate.
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "recon the target network", Priority: 5})

	st, ok := m.Subtask("st_1")
	require.True(t, ok)
	assert.Equal(t, "recon the target network", st.Description)
	assert.Equal(t, 5, st.Priority)
	assert.Len(t, m.Subtasks(), 1)
}

func TestAddSubtaskRootEdgeOnlyWithoutDependencies(t *testing.T) {
	m, _ := newTestManager(t)

	m.AddSubtask(SubtaskParams{ID: "st_a", Description: "a"})
	m.AddSubtask(SubtaskParams{ID: "st_b", Description: "b", Dependencies: []string{"st_a"}})

	assert.Empty(t, m.Dependencies("st_a"))
	assert.Equal(t, []string{"st_a"}, m.Dependencies("st_b"))
	assert.Equal(t, []string{"st_b"}, m.Dependents("st_a"))
}

func TestAddSubtaskSkipsUnknownDependency(t *testing.T) {
	m, _ := newTestManager(t)

	m.AddSubtask(SubtaskParams{ID: "st_b", Description: "b", Dependencies: []string{"st_missing"}})
	assert.Empty(t, m.Dependencies("st_b"))
}

func TestAddSubtaskUnresolvedDependenciesFallBackToRoot(t *testing.T) {
	m, _ := newTestManager(t)

	// Every declared dependency is unknown; the node must still hang off
	// the root instead of floating unreachable.
	m.AddSubtask(SubtaskParams{ID: "st_b", Description: "b", Dependencies: []string{"st_ghost", "st_gone"}})

	var incoming []map[string]any
	for _, edge := range m.Snapshot(GraphTypeTask).Edges {
		if edge["target"] == "st_b" {
			incoming = append(incoming, edge)
		}
	}
	require.Len(t, incoming, 1)
	assert.Equal(t, "task_test_1", incoming[0]["source"])
	assert.Equal(t, models.EdgeDecomposition, incoming[0]["type"])

	// A resolved dependency suppresses the fallback.
	m.AddSubtask(SubtaskParams{ID: "st_c", Description: "c", Dependencies: []string{"st_ghost", "st_b"}})
	for _, edge := range m.Snapshot(GraphTypeTask).Edges {
		if edge["target"] == "st_c" {
			assert.Equal(t, "st_b", edge["source"])
			assert.Equal(t, models.EdgeDependency, edge["type"])
		}
	}
	assert.Equal(t, []string{"st_b"}, m.Dependencies("st_c"))
}

func TestAddExecutionStepMonotonicSequence(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "recon"})

	s1, err := m.AddExecutionStep("st_1_step1", "st_1", "scan", models.StepAction{Tool: "nmap"}, "", nil)
	require.NoError(t, err)
	s2, err := m.AddExecutionStep("st_1_step2", "st_1_step1", "enumerate", models.StepAction{Tool: "gobuster"}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), s1.Sequence)
	assert.Equal(t, int64(2), s2.Sequence)
	assert.Equal(t, int64(2), m.CurrentSequence())
	assert.Equal(t, models.StepStatusPending, s1.Status)
}

func TestAddExecutionStepRejectsMissingParent(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.AddExecutionStep("step1", "st_nope", "x", models.StepAction{}, "", nil)
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestUpdateNodeTerminalIrreversibility(t *testing.T) {
	terminal := []string{
		models.StatusCompleted,
		models.StatusFailed,
		models.StatusDeprecated,
		models.StatusStalledOrphan,
		models.StatusCompletedError,
	}
	for _, status := range terminal {
		t.Run(status, func(t *testing.T) {
			m, _ := newTestManager(t)
			m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
			m.UpdateNode("st_1", map[string]any{"status": status})

			m.UpdateNode("st_1", map[string]any{"status": models.StatusPending})

			st, _ := m.Subtask("st_1")
			assert.Equal(t, status, st.Status)
			assert.NotEmpty(t, st.Warnings)
		})
	}
}

func TestUpdateNodeCompletedToDeprecatedRejected(t *testing.T) {
	m, emitter := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	m.UpdateNode("st_1", map[string]any{"status": models.StatusCompleted})

	m.UpdateNode("st_1", map[string]any{"status": models.StatusDeprecated})

	st, _ := m.Subtask("st_1")
	assert.Equal(t, models.StatusCompleted, st.Status)
	require.NotEmpty(t, st.Warnings)
	assert.Contains(t, emitter.changeTypes(), "update_rejected")
}

func TestUpdateNodeInvalidStatusCoercedToPending(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	m.UpdateNode("st_1", map[string]any{"status": models.StatusInProgress})

	m.UpdateNode("st_1", map[string]any{"status": "DONEISH"})

	st, _ := m.Subtask("st_1")
	assert.Equal(t, models.StatusPending, st.Status)
	assert.NotEmpty(t, st.Warnings)
}

func TestUpdateNodeFailedToDeprecatedAllowed(t *testing.T) {
	// Transitions inside the terminal set stay legal; only revival and
	// completed->deprecated are blocked.
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	m.UpdateNode("st_1", map[string]any{"status": models.StatusFailed})

	m.DeprecateSubtask("st_1", "branch replanned")

	st, _ := m.Subtask("st_1")
	assert.Equal(t, models.StatusDeprecated, st.Status)
	assert.Equal(t, "branch replanned", st.Summary)
}

func TestDeprecateSubtaskRefusesCompleted(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	m.UpdateNode("st_1", map[string]any{"status": models.StatusCompleted})

	m.DeprecateSubtask("st_1", "should not apply")

	st, _ := m.Subtask("st_1")
	assert.Equal(t, models.StatusCompleted, st.Status)
}

func TestSaveExecutorStateRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})

	history := []models.Message{
		models.SystemMessage("system prompt"),
		models.UserMessage("begin"),
		models.AssistantMessage(`{"thought":"scan"}`),
	}
	m.SaveExecutorState("st_1", history, []string{"st_1_step1"}, 3, 2)

	restored, err := m.ConversationHistory("st_1")
	require.NoError(t, err)
	assert.Equal(t, history, restored)

	st, _ := m.Subtask("st_1")
	assert.Equal(t, []string{"st_1_step1"}, st.LastStepIDs)
	assert.Equal(t, 3, st.TurnCounter)
	assert.Equal(t, 2, st.ExecutedSteps)
}

func TestMarkStepsAborted(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	_, err := m.AddExecutionStep("st_1_step1", "st_1", "", models.StepAction{Tool: "nmap"}, models.StepStatusInProgress, nil)
	require.NoError(t, err)

	m.MarkStepsAborted([]string{"st_1_step1"})

	step, _ := m.Step("st_1_step1")
	assert.Equal(t, models.StepStatusAborted, step.Status)
}

func TestMarkStepsAbortedKeepsSettledVerdicts(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	_, err := m.AddExecutionStep("st_1_step1", "st_1", "", models.StepAction{Tool: "nmap"}, models.StepStatusInProgress, nil)
	require.NoError(t, err)
	_, err = m.AddExecutionStep("st_1_step2", "st_1_step1", "", models.StepAction{Tool: "curl"}, models.StepStatusInProgress, nil)
	require.NoError(t, err)
	m.UpdateNode("st_1_step1", map[string]any{"status": models.StepStatusCompleted, "observation": "22/tcp open"})

	m.MarkStepsAborted([]string{"st_1_step1", "st_1_step2"})

	// The completed observation survives the halt; only the in-flight
	// step aborts.
	done, _ := m.Step("st_1_step1")
	assert.Equal(t, models.StepStatusCompleted, done.Status)
	assert.Equal(t, "22/tcp open", done.Observation)
	inflight, _ := m.Step("st_1_step2")
	assert.Equal(t, models.StepStatusAborted, inflight.Status)
}

func TestUpdateStepObservation(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	_, err := m.AddExecutionStep("st_1_step1", "st_1", "", models.StepAction{Tool: "nmap"}, models.StepStatusInProgress, nil)
	require.NoError(t, err)

	m.UpdateNode("st_1_step1", map[string]any{
		"status":                      models.StepStatusCompleted,
		"observation":                 "open ports: 22, 80",
		"observation_truncated":       true,
		"observation_original_length": 120000,
	})

	step, _ := m.Step("st_1_step1")
	assert.Equal(t, models.StepStatusCompleted, step.Status)
	assert.Equal(t, "open ports: 22, 80", step.Observation)
	assert.True(t, step.ObservationTruncated)
	assert.Equal(t, 120000, step.ObservationOriginalLength)
}

func TestGraphChangedEmittedOnMutations(t *testing.T) {
	m, emitter := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	_, err := m.AddExecutionStep("st_1_step1", "st_1", "", models.StepAction{Tool: "nmap"}, "", nil)
	require.NoError(t, err)

	types := emitter.changeTypes()
	assert.Contains(t, types, "subtask_added")
	assert.Contains(t, types, "step_added")
}
