package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/models"
	testdb "github.com/peregrine-agent/peregrine/test/database"
)

func setupStore(t *testing.T) (*Store, string) {
	t.Helper()
	client := testdb.NewTestClient(t)
	st := NewStore(client.DB())

	sessionID := models.NewSessionID()
	require.NoError(t, st.CreateSession(context.Background(), &models.Session{
		ID:     sessionID,
		Goal:   "enumerate the target network",
		Status: models.SessionStatusRunning,
	}))
	return st, sessionID
}

func TestSessionLifecycle(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	sess, err := st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "enumerate the target network", sess.Goal)
	assert.Equal(t, models.SessionStatusRunning, sess.Status)
	assert.False(t, sess.CreatedAt.IsZero())

	require.NoError(t, st.UpdateSessionStatus(ctx, sessionID, models.SessionStatusCompleted))
	sess, err = st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, sess.Status)

	err = st.UpdateSessionStatus(ctx, "task_missing", models.SessionStatusFailed)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.GetSession(ctx, "task_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsOrdersByActivity(t *testing.T) {
	st, first := setupStore(t)
	ctx := context.Background()

	second := models.NewSessionID() + "_b"
	require.NoError(t, st.CreateSession(ctx, &models.Session{
		ID:     second,
		Goal:   "second goal",
		Status: models.SessionStatusPending,
		Config: map[string]any{"max_steps": float64(30)},
	}))

	// Touching the first session moves it back to the top.
	require.NoError(t, st.UpdateSessionStatus(ctx, first, models.SessionStatusRunning))

	resp, err := st.ListSessions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalCount)
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, first, resp.Sessions[0].ID)
	assert.Equal(t, map[string]any{"max_steps": float64(30)}, resp.Sessions[1].Config)
}

func TestUpsertGraphNodeIdempotentAndTouchesSession(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	before, err := st.GetSession(ctx, sessionID)
	require.NoError(t, err)

	require.NoError(t, st.UpsertGraphNode(ctx, sessionID, "task", "st_1", "subtask", "pending",
		map[string]any{"description": "port scan"}))
	// Re-upserting the same node refreshes rather than duplicates.
	require.NoError(t, st.UpsertGraphNode(ctx, sessionID, "task", "st_1", "subtask", "completed",
		map[string]any{"description": "port scan", "summary": "22 and 80 open"}))

	snap, err := st.GetGraphSnapshot(ctx, sessionID, "task")
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "st_1", snap.Nodes[0]["id"])
	assert.Equal(t, "completed", snap.Nodes[0]["status"])
	assert.Equal(t, "22 and 80 open", snap.Nodes[0]["summary"])

	after, err := st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt) || after.UpdatedAt.Equal(before.UpdatedAt))
}

func TestUpsertGraphEdgeIdempotent(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, st.UpsertGraphEdge(ctx, sessionID, "causal", "cn_aaa111bbb222", "cn_ccc333ddd444",
			"SUPPORTS", map[string]any{"strength": "CONTINGENT"}))
	}

	snap, err := st.GetGraphSnapshot(ctx, sessionID, "causal")
	require.NoError(t, err)
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, "SUPPORTS", snap.Edges[0]["relation"])
	assert.Equal(t, "CONTINGENT", snap.Edges[0]["strength"])
}

func TestDeleteGraphNodeRemovesStagedShadow(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertGraphNode(ctx, sessionID, "task", "cn_staged123456", "Evidence", "staged",
		map[string]any{"is_staged_causal": true}))
	require.NoError(t, st.DeleteGraphNode(ctx, sessionID, "task", "cn_staged123456"))

	snap, err := st.GetGraphSnapshot(ctx, sessionID, "task")
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
}

func TestAtomicUpsertGraphData(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	batch := GraphBatch{
		SessionID: sessionID,
		GraphType: "causal",
		Nodes: []GraphNodeRow{
			{NodeID: "cn_ev1234567890", Type: "Evidence", Status: "", Data: map[string]any{"description": "nmap output"}},
			{NodeID: "cn_hy1234567890", Type: "Hypothesis", Status: "PENDING", Data: map[string]any{"confidence": 0.1}},
		},
		Edges: []GraphEdgeRow{
			{Source: "cn_ev1234567890", Target: "cn_hy1234567890", Relation: "SUPPORTS", Data: map[string]any{"strength": "CONTINGENT"}},
		},
	}
	require.NoError(t, st.AtomicUpsertGraphData(ctx, batch))

	snap, err := st.GetGraphSnapshot(ctx, sessionID, "causal")
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 2)
	require.Len(t, snap.Edges, 1)
	assert.Equal(t, "cn_ev1234567890", snap.Edges[0]["source"])

	// Graphs stay separated by type.
	taskSnap, err := st.GetGraphSnapshot(ctx, sessionID, "task")
	require.NoError(t, err)
	assert.Empty(t, taskSnap.Nodes)
}

func TestEventFeedPaging(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	for _, nodeID := range []string{"st_1", "st_2", "st_3"} {
		require.NoError(t, st.AppendEventLog(ctx, sessionID, models.EventGraphChanged,
			map[string]any{"change_type": "subtask_added", "node_id": nodeID}))
	}

	all, err := st.GetEventsSince(ctx, sessionID, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "st_1", all[0].Content["node_id"])
	assert.Less(t, all[0].ID, all[1].ID)

	// Paging from the middle skips already-seen rows.
	tail, err := st.GetEventsSince(ctx, sessionID, all[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "st_2", tail[0].Content["node_id"])

	limited, err := st.GetEventsSince(ctx, sessionID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestInterventionRoundTrip(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	iv := &models.Intervention{
		ID:          "iv_1",
		SessionID:   sessionID,
		Kind:        models.InterventionKindPlanApproval,
		Status:      models.InterventionPending,
		RequestData: map[string]any{"plan": "exploit the ftp service"},
	}
	require.NoError(t, st.CreateIntervention(ctx, iv))

	pending, err := st.GetPendingIntervention(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "iv_1", pending.ID)
	assert.False(t, pending.Resolved())
	assert.Equal(t, "exploit the ftp service", pending.RequestData["plan"])

	ok, err := st.ResolveIntervention(ctx, "iv_1", models.InterventionApproved,
		map[string]any{"action": models.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, ok)

	resolved, err := st.GetIntervention(ctx, "iv_1")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, models.DecisionApprove, resolved.ResponseData["action"])

	_, err = st.GetPendingIntervention(ctx, sessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveInterventionFirstWriterWins(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateIntervention(ctx, &models.Intervention{
		ID:        "iv_race",
		SessionID: sessionID,
		Kind:      models.InterventionKindPlanApproval,
		Status:    models.InterventionPending,
	}))

	ok, err := st.ResolveIntervention(ctx, "iv_race", models.InterventionApproved,
		map[string]any{"action": models.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, ok)

	// A competing timeout writer loses and must not overwrite the approval.
	ok, err = st.ResolveIntervention(ctx, "iv_race", models.InterventionTimedOut,
		map[string]any{"action": models.DecisionReject, "reason": "timed_out"})
	require.NoError(t, err)
	assert.False(t, ok)

	iv, err := st.GetIntervention(ctx, "iv_race")
	require.NoError(t, err)
	assert.Equal(t, models.InterventionApproved, iv.Status)
	assert.Equal(t, models.DecisionApprove, iv.ResponseData["action"])
}

func TestRetentionPruning(t *testing.T) {
	st, sessionID := setupStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendEventLog(ctx, sessionID, models.EventSessionStatus,
		map[string]any{"status": "running"}))

	// Nothing is old enough yet.
	n, err := st.DeleteEventsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.DeleteEventsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = st.DeleteSessionsBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = st.GetSession(ctx, sessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}
