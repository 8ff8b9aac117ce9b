package graph

import (
	"sort"
	"strings"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// DefaultStallWindow is the age after which an unattended hypothesis is
// considered stalled.
const DefaultStallWindow = time.Hour

// maxAttackPathHops bounds the simple-path search; real chains are short
// and the DFS is exponential without a cutoff.
const maxAttackPathHops = 8

var vulnerabilityTypes = map[string]bool{
	models.CausalVulnerability: true,
	models.CausalConfirmedVuln: true,
	models.CausalPossibleVuln:  true,
}

// AnalyzeAttackPaths enumerates simple paths from each Evidence node to
// each vulnerability-kind node and scores them: the product of hypothesis
// confidences on the path times the target's CVSS scaled to [0,1]. Higher
// scores first; ties broken by fewer hops, then lexicographic path.
func (m *Manager) AnalyzeAttackPaths() []models.AttackPath {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.analyzeAttackPathsLocked()
}

func (m *Manager) analyzeAttackPathsLocked() []models.AttackPath {
	var sources []string
	for id, node := range m.causalNodes {
		if node.NodeType == models.CausalEvidence {
			sources = append(sources, id)
		}
	}
	sort.Strings(sources)

	var paths []models.AttackPath
	for _, src := range sources {
		visited := map[string]bool{src: true}
		m.pathDFSLocked(src, []string{src}, visited, &paths)
	}

	sort.Slice(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Nodes) != len(b.Nodes) {
			return len(a.Nodes) < len(b.Nodes)
		}
		return strings.Join(a.Nodes, "/") < strings.Join(b.Nodes, "/")
	})
	return paths
}

func (m *Manager) pathDFSLocked(current string, path []string, visited map[string]bool, out *[]models.AttackPath) {
	node := m.causalNodes[current]
	if len(path) > 1 && vulnerabilityTypes[node.NodeType] {
		*out = append(*out, models.AttackPath{
			Nodes: append([]string(nil), path...),
			Score: m.scorePathLocked(path, node),
		})
		return
	}
	if len(path) > maxAttackPathHops {
		return
	}
	for _, i := range m.causalOut[current] {
		next := m.causalEdges[i].Target
		if visited[next] {
			continue
		}
		visited[next] = true
		m.pathDFSLocked(next, append(path, next), visited, out)
		delete(visited, next)
	}
}

func (m *Manager) scorePathLocked(path []string, vuln *models.CausalNode) float64 {
	score := 1.0
	for _, id := range path {
		node := m.causalNodes[id]
		if node.NodeType != models.CausalHypothesis {
			continue
		}
		conf := node.Confidence
		if conf == 0 {
			conf = models.DefaultHypothesisConfidence
		}
		score *= conf
	}
	cvss := vuln.CVSS
	if cvss == 0 {
		cvss = models.DefaultVulnerabilityCVSS
	}
	return score * cvss / 10
}

// AnalyzeFailurePatterns inspects the causal graph for pathologies the
// planner and executor prompts surface: hypotheses under heavy
// contradiction, hypotheses nobody is advancing, and evidence that fans
// out to competing explanations.
func (m *Manager) AnalyzeFailurePatterns(stallWindow time.Duration) models.FailurePatterns {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.analyzeFailurePatternsLocked(stallWindow)
}

func (m *Manager) analyzeFailurePatternsLocked(stallWindow time.Duration) models.FailurePatterns {
	if stallWindow <= 0 {
		stallWindow = DefaultStallWindow
	}
	var patterns models.FailurePatterns
	now := m.now()

	ids := make([]string, 0, len(m.causalNodes))
	for id := range m.causalNodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := m.causalNodes[id]
		switch node.NodeType {
		case models.CausalHypothesis:
			var contradictors []string
			for _, i := range m.causalIn[id] {
				e := m.causalEdges[i]
				if e.Label == models.EdgeContradicts {
					contradictors = append(contradictors, e.Source)
				}
			}
			if len(contradictors) > 1 {
				sort.Strings(contradictors)
				patterns.ContradictionClusters = append(patterns.ContradictionClusters, models.ContradictionCluster{
					HypothesisID: id,
					Contradictor: contradictors,
				})
			}
			if m.hypothesisStalledLocked(node, now, stallWindow) {
				patterns.StalledHypotheses = append(patterns.StalledHypotheses, id)
			}
		case models.CausalEvidence:
			var hyps []string
			for _, i := range m.causalOut[id] {
				target := m.causalEdges[i].Target
				if t, ok := m.causalNodes[target]; ok && t.NodeType == models.CausalHypothesis {
					hyps = append(hyps, target)
				}
			}
			if len(hyps) >= 2 {
				sort.Strings(hyps)
				patterns.CompetingHypotheses = append(patterns.CompetingHypotheses, models.CompetingGroup{
					EvidenceID:  id,
					Hypotheses:  hyps,
					Description: node.Description,
				})
			}
		}
	}
	return patterns
}

// hypothesisStalledLocked: falsified with no supporting successor, or old
// enough that nothing around it has moved since it was created.
func (m *Manager) hypothesisStalledLocked(node *models.CausalNode, now time.Time, window time.Duration) bool {
	if node.Status == models.HypothesisFalsified {
		for _, i := range m.causalOut[node.ID] {
			if m.causalEdges[i].Label == models.EdgeSupports {
				return false
			}
		}
		return true
	}
	if node.Status != models.HypothesisPending && node.Status != models.HypothesisSupported {
		return false
	}
	if now.Sub(node.CreatedAt) <= window {
		return false
	}
	neighborMoved := false
	visit := func(otherID string) {
		if other, ok := m.causalNodes[otherID]; ok && other.CreatedAt.After(node.CreatedAt) {
			neighborMoved = true
		}
	}
	for _, i := range m.causalIn[node.ID] {
		visit(m.causalEdges[i].Source)
	}
	for _, i := range m.causalOut[node.ID] {
		visit(m.causalEdges[i].Target)
	}
	return !neighborMoved
}

// RelevantCausalContext assembles the causal slice handed to an executor
// turn: the strongest live hypotheses, established facts, confirmed
// vulnerabilities, the best attack paths, and the current pathologies.
func (m *Manager) RelevantCausalContext(topHypotheses, topPaths int) models.RelevantCausalContext {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if topHypotheses <= 0 {
		topHypotheses = 5
	}
	if topPaths <= 0 {
		topPaths = 3
	}

	hyps := m.causalNodesByTypeLocked(models.CausalHypothesis)
	live := hyps[:0]
	for _, h := range hyps {
		if h.Status != models.HypothesisFalsified {
			live = append(live, h)
		}
	}
	if len(live) > topHypotheses {
		live = live[:topHypotheses]
	}

	paths := m.analyzeAttackPathsLocked()
	if len(paths) > topPaths {
		paths = paths[:topPaths]
	}

	return models.RelevantCausalContext{
		TopHypotheses:  append([]models.CausalNode(nil), live...),
		KeyFacts:       m.causalNodesByTypeLocked(models.CausalKeyFact),
		ConfirmedVulns: m.causalNodesByTypeLocked(models.CausalConfirmedVuln),
		AttackPaths:    paths,
		Failures:       m.analyzeFailurePatternsLocked(DefaultStallWindow),
	}
}
