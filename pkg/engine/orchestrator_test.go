package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/models"
)

type missionFixture struct {
	orch     *Orchestrator
	graph    *graph.Manager
	llm      *fakeLLM
	tools    *fakeTools
	emitter  *fakeEmitter
	store    *fakeStore
	notifier *fakeNotifier
	halt     *HaltLatch
}

func newMissionFixture(t *testing.T, opts ...OrchestratorOption) *missionFixture {
	t.Helper()
	sessionID := models.NewSessionID()
	goal := "capture the flag on the staging host"
	g := graph.NewManager(sessionID, goal)

	llm := newFakeLLM()
	tools := newFakeTools()
	emitter := &fakeEmitter{}
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	halt := NewHaltLatch(sessionID, emitter, nil)
	t.Cleanup(halt.Clear)

	cfg := config.DefaultEngineConfig()
	exec := NewExecutor(llm, tools, g, halt, cfg.Executor, nil, emitter, nil)
	planner := NewPlanner(llm, g, cfg, emitter, nil)
	reflector := NewReflector(llm, g, cfg, emitter, nil)
	runner := NewRunner(exec, nil)

	base := []OrchestratorOption{
		WithEmitter(emitter),
		WithSessionStore(store),
		WithNotifier(notifier),
	}
	orch := NewOrchestrator(goal, g, planner, reflector, runner, halt, cfg, nil, append(base, opts...)...)

	return &missionFixture{
		orch: orch, graph: g, llm: llm, tools: tools,
		emitter: emitter, store: store, notifier: notifier, halt: halt,
	}
}

func TestOrchestratorRunsMissionToSuccess(t *testing.T) {
	fx := newMissionFixture(t)

	fx.llm.queue(config.RolePlanner, map[string]any{
		"graph_operations": []any{
			map[string]any{
				"command": "ADD_NODE", "id": "subtask_1",
				"description":         "locate and read the flag file",
				"completion_criteria": "flag contents recovered",
			},
		},
	})
	fx.llm.queue(config.RoleExecutor, map[string]any{
		"thought": "the flag is already readable",
		"staged_causal_nodes": []any{
			map[string]any{"node_type": "TargetArtifact", "description": "flag{demo}"},
		},
		"is_subtask_complete": true,
	})
	fx.llm.queue(config.RoleReflector, map[string]any{
		"audit_result": map[string]any{"status": "GOAL_ACHIEVED", "completion_check": "flag captured"},
		"key_findings": []any{"flag{demo} recovered"},
		"key_facts":    []any{"webroot is /var/www/html"},
		"causal_graph_updates": map[string]any{
			"nodes": []any{map[string]any{"node_type": "TargetArtifact", "description": "flag{demo}"}},
		},
	})
	fx.llm.queue(config.RolePlanner, map[string]any{
		"global_mission_accomplished": true,
		"reasoning":                   "the target artifact is in hand",
	})
	fx.llm.queue(config.RoleReflector, map[string]any{
		"global_summary":     "direct file read succeeded",
		"strategic_analysis": "weak file permissions were the decisive factor",
		"global_insight": map[string]any{
			"strategic_principle": "check filesystem exposure before exploitation",
			"tactical_playbook":   "enumerate readable paths early",
			"applicability":       "hosts with shared webroots",
		},
	})

	metrics, err := fx.orch.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, metrics.Success.Found)
	assert.Contains(t, metrics.Success.Reason, "accomplished")
	assert.Equal(t, 2, metrics.PlanSteps)
	assert.Equal(t, 1, metrics.ExecuteSteps)
	assert.Equal(t, 2, metrics.ReflectSteps, "subtask audit plus global reflection")
	assert.Positive(t, metrics.TotalTokens)
	assert.Positive(t, metrics.ArtifactsFound)

	st, ok := fx.graph.Subtask("subtask_1")
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, "flag captured", st.Summary)
	assert.Empty(t, fx.graph.StagedCausalNodes("subtask_1"), "staged nodes cleared after audit")
	assert.True(t, fx.graph.IsGoalAchieved())

	assert.Equal(t, models.SessionStatusCompleted, fx.store.last())
	assert.Equal(t, 1, fx.emitter.count(models.EventMissionCompleted))
	require.Len(t, fx.notifier.notices, 1)
	assert.True(t, fx.notifier.notices[0].Success.Found)
}

func TestOrchestratorTerminatesOnInitialPlanRejection(t *testing.T) {
	fx := newMissionFixture(t, WithApprover(&fakeApprover{
		decision: &models.Decision{Action: models.DecisionReject, Reason: "out of scope"},
	}))
	fx.llm.queue(config.RolePlanner, map[string]any{
		"graph_operations": []any{
			map[string]any{"command": "ADD_NODE", "id": "subtask_1", "description": "recon"},
		},
	})

	metrics, err := fx.orch.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, metrics.Success.Found)
	assert.Equal(t, "Initial plan rejected by operator.", metrics.Success.Reason)
	assert.Equal(t, models.SessionStatusFailed, fx.store.last())
	assert.Equal(t, []string{config.RolePlanner}, fx.llm.calls, "no execution after rejection")
	_, exists := fx.graph.Subtask("subtask_1")
	assert.False(t, exists, "rejected plan never applied")
}

func TestOrchestratorGivesUpAfterForcedReplanStalls(t *testing.T) {
	fx := newMissionFixture(t)

	fx.llm.queue(config.RolePlanner, map[string]any{
		"graph_operations": []any{
			map[string]any{"command": "ADD_NODE", "id": "subtask_1", "description": "recon"},
		},
	})
	// Executor produces nothing; the reflection fails the subtask; both
	// dynamic rounds (regular and forced) get no scripted reply and
	// resolve to nil decisions.
	fx.llm.queue(config.RoleExecutor, map[string]any{
		"thought":             "no viable move",
		"is_subtask_complete": false,
	})
	fx.llm.queue(config.RoleReflector, map[string]any{
		"audit_result": map[string]any{"status": "FAILED", "completion_check": "nothing was attempted"},
	})

	metrics, err := fx.orch.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, metrics.Success.Found)
	assert.Equal(t, models.SessionStatusCompleted, fx.store.last())
	assert.Equal(t, 3, metrics.PlanSteps, "initial plus two dynamic attempts")

	st, ok := fx.graph.Subtask("subtask_1")
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, st.Status)
}

func TestOrchestratorReplansStrategicFailureBranch(t *testing.T) {
	fx := newMissionFixture(t)

	fx.llm.queue(config.RolePlanner, map[string]any{
		"graph_operations": []any{
			map[string]any{"command": "ADD_NODE", "id": "subtask_1", "description": "brute force the login"},
		},
	})
	fx.llm.queue(config.RoleExecutor, map[string]any{
		"thought":             "lockout detected, this approach is dead",
		"is_subtask_complete": false,
	})
	fx.llm.queue(config.RoleReflector, map[string]any{
		"audit_result": map[string]any{
			"status":               "FAILED",
			"completion_check":     "account lockout makes brute force unviable",
			"is_strategic_failure": true,
		},
	})
	// Branch replan deprecates the branch root; nothing new is added, no
	// dynamic round follows (reflections were consumed by the replan), so
	// the mission stalls out through the forced-replan path.
	fx.llm.queue(config.RolePlanner, map[string]any{
		"graph_operations": []any{
			map[string]any{"command": "UPDATE_NODE", "node_id": "subtask_1", "updates": map[string]any{"status": "pending"}},
		},
	})

	metrics, err := fx.orch.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, metrics.Success.Found)

	st, ok := fx.graph.Subtask("subtask_1")
	require.True(t, ok)
	assert.Equal(t, models.StatusDeprecated, st.Status,
		"update aimed at the dead branch is rewritten into a deprecation")
	assert.Contains(t, st.Summary, "failed")
}

func TestApproveUsesTerminalDecision(t *testing.T) {
	fx := newMissionFixture(t, WithTerminalApprover(&fakeTerminal{
		decision: &models.Decision{Action: models.DecisionModify, Data: map[string]any{
			"graph_operations": []any{
				map[string]any{"command": "ADD_NODE", "id": "subtask_9", "description": "operator-chosen entry point"},
			},
		}},
	}))

	decision := fx.orch.approve(context.Background(), "initial_plan", []models.GraphOperation{
		{Command: models.OpAddNode, ID: "subtask_1", Description: "recon"},
	})
	require.Equal(t, models.DecisionModify, decision.Action)

	ops := decisionOperations(decision, nil)
	require.Len(t, ops, 1)
	assert.Equal(t, "subtask_9", ops[0].ID)
}

func TestDecisionOperationsFallsBack(t *testing.T) {
	fallback := []models.GraphOperation{{Command: models.OpAddNode, ID: "subtask_1"}}

	assert.Equal(t, fallback, decisionOperations(nil, fallback))
	assert.Equal(t, fallback, decisionOperations(&models.Decision{Action: models.DecisionModify}, fallback))
	assert.Equal(t, fallback, decisionOperations(&models.Decision{
		Action: models.DecisionModify,
		Data:   map[string]any{"graph_operations": "not a list"},
	}, fallback))
}

type fakeTerminal struct {
	decision *models.Decision
}

func (f *fakeTerminal) Prompt(_ context.Context, _ string, _ []models.GraphOperation) (*models.Decision, error) {
	return f.decision, nil
}
