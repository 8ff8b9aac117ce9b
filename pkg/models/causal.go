package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Causal-graph node types.
const (
	CausalEvidence       = "Evidence"
	CausalHypothesis     = "Hypothesis"
	CausalVulnerability  = "Vulnerability"
	CausalConfirmedVuln  = "ConfirmedVulnerability"
	CausalPossibleVuln   = "PossibleVulnerability"
	CausalExploit        = "Exploit"
	CausalCredential     = "Credential"
	CausalSystemProperty = "SystemProperty"
	CausalTargetArtifact = "TargetArtifact"
	CausalKeyFact        = "KeyFact"
)

// Causal edge labels (canonical set).
const (
	EdgeSupports    = "SUPPORTS"
	EdgeContradicts = "CONTRADICTS"
	EdgeReveals     = "REVEALS"
	EdgeExploits    = "EXPLOITS"
	EdgeMitigates   = "MITIGATES"
)

// Evidence strength of a causal edge: decisive or cumulative.
const (
	StrengthNecessary  = "necessary"
	StrengthContingent = "contingent"
)

// Hypothesis lifecycle statuses.
const (
	HypothesisPending         = "PENDING"
	HypothesisSupported       = "SUPPORTED"
	HypothesisContradicted    = "CONTRADICTED"
	HypothesisFalsified       = "FALSIFIED"
	HypothesisConfirmed       = "CONFIRMED"
	StatusReEvaluationPending = "RE_EVALUATION_PENDING"
)

// Confidence and scoring defaults.
const (
	ConfirmedVulnBaseConfidence = 0.99
	DefaultVulnerabilityCVSS    = 5.0
	DefaultHypothesisConfidence = 0.1
)

// edgeLabelSynonyms maps common LLM output variants onto the canonical set.
var edgeLabelSynonyms = map[string]string{
	"SUPPORT":   EdgeSupports,
	"SUPPORTS":  EdgeSupports,
	"CONFIRMS":  EdgeSupports,
	"VALIDATES": EdgeSupports,
	"PROVES":    EdgeSupports,

	"CONTRADICT":  EdgeContradicts,
	"CONTRADICTS": EdgeContradicts,
	"REFUTES":     EdgeContradicts,
	"DISPROVES":   EdgeContradicts,
	"FALSIFIES":   EdgeContradicts,

	"REVEAL":    EdgeReveals,
	"REVEALS":   EdgeReveals,
	"DISCOVERS": EdgeReveals,
	"INDICATES": EdgeReveals,
	"SHOWS":     EdgeReveals,

	"EXPLOIT":   EdgeExploits,
	"EXPLOITS":  EdgeExploits,
	"USES":      EdgeExploits,
	"LEVERAGES": EdgeExploits,

	"MITIGATE":  EdgeMitigates,
	"MITIGATES": EdgeMitigates,
	"PREVENTS":  EdgeMitigates,
	"BLOCKS":    EdgeMitigates,
}

// NormalizeEdgeLabel maps a raw label onto the canonical edge-label set.
// Unknown labels default to SUPPORTS.
func NormalizeEdgeLabel(raw string) (label string, known bool) {
	canonical, ok := edgeLabelSynonyms[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return EdgeSupports, false
	}
	return canonical, true
}

// CausalNode is a node in the causal inference graph.
type CausalNode struct {
	ID                 string         `json:"id"`
	NodeType           string         `json:"node_type"`
	Description        string         `json:"description"`
	SourceStepID       string         `json:"source_step_id,omitempty"`
	Confidence         float64        `json:"confidence,omitempty"`
	Status             string         `json:"status,omitempty"`
	CVSS               float64        `json:"cvss,omitempty"`
	ReEvaluationNeeded bool           `json:"re_evaluation_needed,omitempty"`
	RawOutput          string         `json:"raw_output,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// CausalNodeID derives the deterministic permanent id for a causal node
// when the producer did not supply one: a short hash over the producing
// step, the raw output, and the node type.
func CausalNodeID(sourceStepID, rawOutput, nodeType string) string {
	h := sha1.Sum([]byte(sourceStepID + "|" + rawOutput + "|" + nodeType))
	return fmt.Sprintf("cn_%s", hex.EncodeToString(h[:])[:12])
}

// CausalEdge is a labeled edge in the causal graph.
type CausalEdge struct {
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Label     string         `json:"label"`
	Strength  string         `json:"strength,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CausalGraphUpdates is the two-phase batch a Reflector produces: all nodes
// are inserted before any edge referencing them.
type CausalGraphUpdates struct {
	Nodes []CausalNode `json:"nodes"`
	Edges []CausalEdge `json:"edges"`
}

// Empty reports whether the batch carries no work.
func (u CausalGraphUpdates) Empty() bool {
	return len(u.Nodes) == 0 && len(u.Edges) == 0
}

// AttackPath is one scored Evidence→Vulnerability simple path.
type AttackPath struct {
	Nodes []string `json:"nodes"`
	Score float64  `json:"score"`
}

// FailurePatterns summarizes pathologies in the causal graph.
type FailurePatterns struct {
	ContradictionClusters []ContradictionCluster `json:"contradiction_clusters"`
	StalledHypotheses     []string               `json:"stalled_hypotheses"`
	CompetingHypotheses   []CompetingGroup       `json:"competing_hypotheses"`
}

// ContradictionCluster is a hypothesis with the evidence contradicting it.
type ContradictionCluster struct {
	HypothesisID string   `json:"hypothesis_id"`
	Contradictor []string `json:"contradicting_evidence"`
}

// CompetingGroup is an evidence node fanning out to multiple hypotheses.
type CompetingGroup struct {
	EvidenceID  string   `json:"evidence_id"`
	Hypotheses  []string `json:"hypotheses"`
	Description string   `json:"description,omitempty"`
}

// RelevantCausalContext is the slice of the causal graph handed to an
// executor turn: what is known, what is suspected, and where it is stuck.
type RelevantCausalContext struct {
	TopHypotheses  []CausalNode    `json:"top_hypotheses"`
	KeyFacts       []CausalNode    `json:"key_facts"`
	ConfirmedVulns []CausalNode    `json:"confirmed_vulnerabilities"`
	AttackPaths    []AttackPath    `json:"attack_paths"`
	Failures       FailurePatterns `json:"failure_patterns"`
}
