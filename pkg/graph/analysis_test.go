package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

func TestAnalyzeAttackPathsScoring(t *testing.T) {
	m, _ := newTestManager(t)
	m.ProcessCausalGraphCommands(models.CausalGraphUpdates{
		Nodes: []models.CausalNode{
			{ID: "cn_evidence1", NodeType: models.CausalEvidence},
			{ID: "cn_hypothesisA", NodeType: models.CausalHypothesis, Confidence: 0.8, Status: models.HypothesisSupported},
			{ID: "cn_hypothesisB", NodeType: models.CausalHypothesis, Confidence: 0.4, Status: models.HypothesisSupported},
			{ID: "cn_vuln1", NodeType: models.CausalVulnerability, CVSS: 9.0},
			{ID: "cn_vuln2", NodeType: models.CausalVulnerability, CVSS: 9.0},
		},
		Edges: []models.CausalEdge{
			{Source: "cn_evidence1", Target: "cn_hypothesisA", Label: models.EdgeReveals},
			{Source: "cn_evidence1", Target: "cn_hypothesisB", Label: models.EdgeReveals},
			{Source: "cn_hypothesisA", Target: "cn_vuln1", Label: models.EdgeReveals},
			{Source: "cn_hypothesisB", Target: "cn_vuln2", Label: models.EdgeReveals},
		},
	})

	paths := m.AnalyzeAttackPaths()
	require.Len(t, paths, 2)

	// Higher hypothesis confidence wins: 0.8 * 9/10 over 0.4 * 9/10.
	assert.Equal(t, []string{"cn_evidence1", "cn_hypothesisA", "cn_vuln1"}, paths[0].Nodes)
	assert.InDelta(t, 0.72, paths[0].Score, 0.0001)
	assert.InDelta(t, 0.36, paths[1].Score, 0.0001)
}

func TestAnalyzeAttackPathsTieBreaks(t *testing.T) {
	m, _ := newTestManager(t)
	// Two paths with identical scores: the shorter one ranks first.
	m.ProcessCausalGraphCommands(models.CausalGraphUpdates{
		Nodes: []models.CausalNode{
			{ID: "cn_evidence1", NodeType: models.CausalEvidence},
			{ID: "cn_keyfact1", NodeType: models.CausalKeyFact},
			{ID: "cn_vuln1", NodeType: models.CausalVulnerability, CVSS: 5.0},
			{ID: "cn_vuln2", NodeType: models.CausalVulnerability, CVSS: 5.0},
		},
		Edges: []models.CausalEdge{
			{Source: "cn_evidence1", Target: "cn_vuln1", Label: models.EdgeReveals},
			{Source: "cn_evidence1", Target: "cn_keyfact1", Label: models.EdgeReveals},
			{Source: "cn_keyfact1", Target: "cn_vuln2", Label: models.EdgeReveals},
		},
	})

	paths := m.AnalyzeAttackPaths()
	require.Len(t, paths, 2)
	assert.Equal(t, paths[0].Score, paths[1].Score)
	assert.Len(t, paths[0].Nodes, 2)
	assert.Len(t, paths[1].Nodes, 3)
}

func TestFailurePatternContradictionClusters(t *testing.T) {
	m, _ := newTestManager(t)
	addHypothesis(t, m, "cn_hypothesis1", 0.5)
	addEvidence(t, m, "cn_evidence1")
	addEvidence(t, m, "cn_evidence2")
	require.NoError(t, m.AddCausalEdge("cn_evidence1", "cn_hypothesis1", models.EdgeContradicts, "", nil))
	require.NoError(t, m.AddCausalEdge("cn_evidence2", "cn_hypothesis1", models.EdgeContradicts, "", nil))

	patterns := m.AnalyzeFailurePatterns(0)
	require.Len(t, patterns.ContradictionClusters, 1)
	cluster := patterns.ContradictionClusters[0]
	assert.Equal(t, "cn_hypothesis1", cluster.HypothesisID)
	assert.Equal(t, []string{"cn_evidence1", "cn_evidence2"}, cluster.Contradictor)
}

func TestFailurePatternCompetingHypotheses(t *testing.T) {
	m, _ := newTestManager(t)
	addEvidence(t, m, "cn_evidence1")
	addHypothesis(t, m, "cn_hypothesisA", 0.5)
	addHypothesis(t, m, "cn_hypothesisB", 0.5)
	require.NoError(t, m.AddCausalEdge("cn_evidence1", "cn_hypothesisA", models.EdgeSupports, "", nil))
	require.NoError(t, m.AddCausalEdge("cn_evidence1", "cn_hypothesisB", models.EdgeSupports, "", nil))

	patterns := m.AnalyzeFailurePatterns(0)
	require.Len(t, patterns.CompetingHypotheses, 1)
	group := patterns.CompetingHypotheses[0]
	assert.Equal(t, "cn_evidence1", group.EvidenceID)
	assert.Equal(t, []string{"cn_hypothesisA", "cn_hypothesisB"}, group.Hypotheses)
}

func TestFalsifiedHypothesisWithoutSupportIsStalled(t *testing.T) {
	m, _ := newTestManager(t)
	addHypothesis(t, m, "cn_hypothesis1", 0.5)
	addEvidence(t, m, "cn_evidence1")
	require.NoError(t, m.AddCausalEdge("cn_evidence1", "cn_hypothesis1", models.EdgeContradicts, models.StrengthNecessary, nil))

	patterns := m.AnalyzeFailurePatterns(0)
	assert.Equal(t, []string{"cn_hypothesis1"}, patterns.StalledHypotheses)
}

func TestAgedHypothesisWithoutMovementIsStalled(t *testing.T) {
	current := time.Now()
	emitter := &recordingEmitter{}
	m := NewManager("task_test_1", "goal", WithEmitter(emitter), WithClock(func() time.Time { return current }))

	addHypothesis(t, m, "cn_hypothesis1", 0.5)

	// Fresh hypothesis: not stalled.
	patterns := m.AnalyzeFailurePatterns(time.Hour)
	assert.Empty(t, patterns.StalledHypotheses)

	// Two hours later with no neighboring activity it stalls.
	current = current.Add(2 * time.Hour)
	patterns = m.AnalyzeFailurePatterns(time.Hour)
	assert.Equal(t, []string{"cn_hypothesis1"}, patterns.StalledHypotheses)

	// A newer neighbor clears the stall.
	addEvidence(t, m, "cn_evidence1")
	require.NoError(t, m.AddCausalEdge("cn_evidence1", "cn_hypothesis1", models.EdgeSupports, "", nil))
	patterns = m.AnalyzeFailurePatterns(time.Hour)
	assert.Empty(t, patterns.StalledHypotheses)
}

func TestNextExecutableSubtasks(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_a", Description: "a", Priority: 1})
	m.AddSubtask(SubtaskParams{ID: "st_b", Description: "b", Priority: 5, Dependencies: []string{"st_a"}})
	m.AddSubtask(SubtaskParams{ID: "st_c", Description: "c", Priority: 3})

	ready := m.NextExecutableSubtasks()
	require.Len(t, ready, 2)
	// st_b waits on st_a; the rest order by descending priority.
	assert.Equal(t, "st_c", ready[0].ID)
	assert.Equal(t, "st_a", ready[1].ID)

	m.UpdateNode("st_a", map[string]any{"status": models.StatusCompleted})
	ready = m.NextExecutableSubtasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "st_b", ready[0].ID)
}

func TestDependencyResolutionStatusFamilies(t *testing.T) {
	for _, status := range []string{
		models.StatusCompleted,
		models.StatusCompletedError,
		models.StatusDeprecated,
		models.StatusFailed,
		models.StatusStalledOrphan,
	} {
		t.Run(status, func(t *testing.T) {
			m, _ := newTestManager(t)
			m.AddSubtask(SubtaskParams{ID: "st_a", Description: "a"})
			m.AddSubtask(SubtaskParams{ID: "st_b", Description: "b", Dependencies: []string{"st_a"}})
			m.UpdateNode("st_a", map[string]any{"status": status})

			ready := m.NextExecutableSubtasks()
			require.Len(t, ready, 1)
			assert.Equal(t, "st_b", ready[0].ID)
		})
	}
}

func TestRelevantCausalContext(t *testing.T) {
	m, _ := newTestManager(t)
	m.ProcessCausalGraphCommands(models.CausalGraphUpdates{
		Nodes: []models.CausalNode{
			{ID: "cn_hypothesisA", NodeType: models.CausalHypothesis, Confidence: 0.9, Status: models.HypothesisSupported},
			{ID: "cn_hypothesisB", NodeType: models.CausalHypothesis, Confidence: 0.2, Status: models.HypothesisPending},
			{ID: "cn_hypothesisC", NodeType: models.CausalHypothesis, Confidence: 0.0, Status: models.HypothesisFalsified},
			{ID: "cn_keyfact1", NodeType: models.CausalKeyFact, Description: "nginx 1.18"},
			{ID: "cn_vuln1", NodeType: models.CausalConfirmedVuln, Description: "sqli"},
		},
	})

	ctx := m.RelevantCausalContext(1, 3)
	require.Len(t, ctx.TopHypotheses, 1)
	assert.Equal(t, "cn_hypothesisA", ctx.TopHypotheses[0].ID)
	require.Len(t, ctx.KeyFacts, 1)
	require.Len(t, ctx.ConfirmedVulns, 1)
}

func TestDependencySummariesTransitive(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_a", Description: "recon"})
	m.AddSubtask(SubtaskParams{ID: "st_b", Description: "exploit", Dependencies: []string{"st_a"}})
	m.AddSubtask(SubtaskParams{ID: "st_c", Description: "report", Dependencies: []string{"st_b"}})
	m.UpdateNode("st_a", map[string]any{"status": models.StatusCompleted, "summary": "found ssh on 22"})
	m.UpdateNode("st_b", map[string]any{"status": models.StatusFailed, "summary": "creds rejected"})

	summaries := m.DependencySummaries("st_c")
	require.Len(t, summaries, 2)
	assert.Equal(t, "st_b", summaries[0].TaskID)
	assert.Equal(t, "creds rejected", summaries[0].FailureReason)
	assert.Equal(t, "st_a", summaries[1].TaskID)
	assert.Equal(t, []string{"found ssh on 22"}, summaries[1].KeyFindings)
}

func TestExecutionLogCaching(t *testing.T) {
	m, _ := newTestManager(t)
	m.AddSubtask(SubtaskParams{ID: "st_1", Description: "x"})
	_, err := m.AddExecutionStep("st_1_step1", "st_1", "scan ports", models.StepAction{Tool: "nmap"}, models.StepStatusCompleted, nil)
	require.NoError(t, err)

	first := m.ExecutionLog("st_1")
	assert.Contains(t, first, "st_1_step1")
	assert.Contains(t, first, "scan ports")

	st, _ := m.Subtask("st_1")
	assert.Equal(t, int64(1), st.ExecSummaryCache.LastSequence)

	// A new step invalidates the cache and the log picks it up.
	_, err = m.AddExecutionStep("st_1_step2", "st_1_step1", "enumerate", models.StepAction{Tool: "gobuster"}, models.StepStatusCompleted, nil)
	require.NoError(t, err)

	second := m.ExecutionLog("st_1")
	assert.Contains(t, second, "st_1_step2")
}

func TestSuccessSubgraphAncestors(t *testing.T) {
	m, _ := newTestManager(t)
	m.ProcessCausalGraphCommands(models.CausalGraphUpdates{
		Nodes: []models.CausalNode{
			{ID: "cn_evidence1", NodeType: models.CausalEvidence},
			{ID: "cn_hypothesis1", NodeType: models.CausalHypothesis, Confidence: 0.9},
			{ID: "cn_vuln1", NodeType: models.CausalConfirmedVuln},
			{ID: "cn_unrelated", NodeType: models.CausalEvidence},
		},
		Edges: []models.CausalEdge{
			{Source: "cn_evidence1", Target: "cn_hypothesis1", Label: models.EdgeSupports},
			{Source: "cn_hypothesis1", Target: "cn_vuln1", Label: models.EdgeReveals},
		},
	})

	snap := m.SuccessSubgraph()
	require.Len(t, snap.Nodes, 3)
	for _, n := range snap.Nodes {
		assert.NotEqual(t, "cn_unrelated", n["id"])
	}
	assert.Len(t, snap.Edges, 2)
}

func TestIsGoalAchieved(t *testing.T) {
	m, _ := newTestManager(t)
	assert.False(t, m.IsGoalAchieved())

	m.MarkGoalAchieved()
	assert.True(t, m.IsGoalAchieved())
}
