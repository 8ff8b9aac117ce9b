package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/prompt"
)

func newTestPlanner(t *testing.T, llm *fakeLLM, emitter *fakeEmitter) (*Planner, *graph.Manager) {
	t.Helper()
	g := graph.NewManager(models.NewSessionID(), "compromise the staging environment")
	return NewPlanner(llm, g, config.DefaultEngineConfig(), emitter, nil), g
}

func TestPlanFallsBackOnLLMError(t *testing.T) {
	llm := newFakeLLM()
	llm.err = errors.New("provider down")
	planner, _ := newTestPlanner(t, llm, nil)

	ops, metrics := planner.Plan(context.Background(), "goal", "")

	require.Len(t, ops, 1)
	assert.Equal(t, models.OpAddNode, ops[0].Command)
	assert.Equal(t, "subtask_1", ops[0].ID)
	assert.Contains(t, ops[0].Description, "reconnaissance")
	assert.Nil(t, metrics)
}

func TestPlanSanitizesOperations(t *testing.T) {
	llm := newFakeLLM()
	llm.queue(config.RolePlanner, map[string]any{
		"graph_operations": []any{
			map[string]any{"command": "ADD_NODE", "id": "subtask_1", "description": "recon"},
			map[string]any{"command": "ADD_NODE", "id": "subtask_1", "description": "duplicate"},
			map[string]any{"command": "ADD_NODE", "description": "missing id"},
			map[string]any{"command": "UPDATE_NODE", "node_id": "subtask_9"},
		},
	})
	emitter := &fakeEmitter{}
	planner, _ := newTestPlanner(t, llm, emitter)

	ops, metrics := planner.Plan(context.Background(), "goal", "")

	require.Len(t, ops, 1)
	assert.Equal(t, "subtask_1", ops[0].ID)
	assert.NotNil(t, metrics)
	assert.Equal(t, 1, emitter.count(models.EventPlanningInitialCompleted))
}

func TestDynamicPlanReadsDecision(t *testing.T) {
	llm := newFakeLLM()
	llm.queue(config.RolePlanner, map[string]any{
		"graph_operations":            []any{map[string]any{"command": "ADD_NODE", "id": "subtask_2", "description": "pivot"}},
		"global_mission_briefing":     "focus on the database tier",
		"global_mission_accomplished": false,
	})
	emitter := &fakeEmitter{}
	planner, _ := newTestPlanner(t, llm, emitter)

	decision, _ := planner.DynamicPlan(context.Background(), dynamicInput("goal"))

	require.NotNil(t, decision)
	assert.Len(t, decision.GraphOperations, 1)
	assert.Equal(t, "focus on the database tier", decision.GlobalMissionBriefing)
	assert.Equal(t, "No reasoning provided.", decision.Reasoning)
	assert.False(t, decision.GlobalMissionAccomplished)
	assert.Equal(t, 1, emitter.count(models.EventPlanningDynamicCompleted))
}

func TestDynamicPlanReturnsNilOnFailure(t *testing.T) {
	llm := newFakeLLM()
	llm.err = errors.New("provider down")
	planner, _ := newTestPlanner(t, llm, nil)

	decision, _ := planner.DynamicPlan(context.Background(), dynamicInput("goal"))
	assert.Nil(t, decision)
}

func TestRegenerateBranchPlanRewritesDeadUpdates(t *testing.T) {
	llm := newFakeLLM()
	llm.queue(config.RolePlanner, map[string]any{
		"graph_operations": []any{
			map[string]any{"command": "UPDATE_NODE", "node_id": "subtask_2", "updates": map[string]any{"status": "pending"}},
			map[string]any{"command": "ADD_NODE", "id": "subtask_3", "description": "try the API instead"},
		},
	})
	planner, g := newTestPlanner(t, llm, nil)
	g.AddSubtask(graph.SubtaskParams{ID: "subtask_1", Description: "root of branch"})
	g.AddSubtask(graph.SubtaskParams{ID: "subtask_2", Description: "child", Dependencies: []string{"subtask_1"}})

	ops, _ := planner.RegenerateBranchPlan(context.Background(), "goal", "subtask_1", "credentials were rotated")

	require.Len(t, ops, 2)
	assert.Equal(t, models.OpDeprecateNode, ops[0].Command)
	assert.Contains(t, ops[0].Reason, `Branch "subtask_1" failed`)
	assert.Equal(t, models.OpAddNode, ops[1].Command)
}

func TestRecordAttemptPromotesLongTermObjectives(t *testing.T) {
	llm := newFakeLLM()
	planner, _ := newTestPlanner(t, llm, nil)

	pc := &models.PlannerContext{}
	planner.RecordAttempt(pc, &models.PlanningDecision{
		GraphOperations: []models.GraphOperation{
			{Command: models.OpAddNode, ID: "subtask_2"},
			{Command: models.OpUpdateNode, NodeID: "subtask_1", Updates: map[string]any{"status": "completed"}},
		},
		GlobalMissionBriefing: "Long-term objective: gain persistence on the app server",
		Reasoning:             "pivot to the app tier",
	}, "goal")

	require.Len(t, pc.PlanningHistory, 1)
	assert.Equal(t, 2, pc.PlanningHistory[0].PlanSummary.OperationsCount)
	assert.Equal(t, 1, pc.PlanningHistory[0].PlanSummary.NodesAdded)
	assert.Equal(t, "pivot to the app tier", pc.PlanningHistory[0].Strategy)
	require.Len(t, pc.LongTermObjectives, 1)
}

func TestCompressContextFoldsOldAttempts(t *testing.T) {
	llm := newFakeLLM()
	llm.summary = "three earlier recon-focused rounds"
	g := graph.NewManager(models.NewSessionID(), "goal")
	cfg := config.DefaultEngineConfig()
	cfg.PlannerHistoryWindow = 2
	planner := NewPlanner(llm, g, cfg, nil, nil)

	pc := &models.PlannerContext{}
	for i := 0; i < 4; i++ {
		pc.PlanningHistory = append(pc.PlanningHistory, models.PlanningAttempt{
			Timestamp: time.Now(), Goal: "goal", Strategy: "recon",
		})
	}

	planner.CompressContext(context.Background(), pc)

	assert.Len(t, pc.PlanningHistory, 2)
	assert.Equal(t, "three earlier recon-focused rounds", pc.CompressedSummary)
	assert.Equal(t, 1, pc.CompressionCount)
}

func dynamicInput(goal string) prompt.DynamicPlanInput {
	return prompt.DynamicPlanInput{Goal: goal}
}
