package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/llm"
	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/prompt"
)

// Reflector wraps the audit LLM role: it judges a finished subtask against
// its completion criteria and promotes staged causal knowledge.
type Reflector struct {
	llm     LLM
	graph   *graph.Manager
	prompts *prompt.Builder
	emitter Emitter
	cfg     *config.EngineConfig
	log     *slog.Logger
	now     func() time.Time
}

// NewReflector builds a reflector bound to a session's graph.
func NewReflector(l LLM, g *graph.Manager, cfg *config.EngineConfig, emitter Emitter, log *slog.Logger) *Reflector {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reflector{
		llm:     l,
		graph:   g,
		prompts: newPromptBuilder(cfg.Scenario),
		emitter: emitter,
		cfg:     cfg,
		log:     log.With("component", "reflector"),
		now:     time.Now,
	}
}

// Reflect audits one finished subtask. It never fails the caller: a broken
// LLM round degrades into a FAILED audit carrying the parse error, so the
// orchestrator can still route the subtask.
func (r *Reflector) Reflect(ctx context.Context, in prompt.ReflectInput) *models.Reflection {
	in.DependencyContext = normalizeDependencyContext(in.DependencyContext, in.Subtask)

	messages := r.prompts.BuildReflectorMessages(in)
	reply, metrics, err := r.llm.SendStructured(ctx, r.graph.SessionID(), config.RoleReflector, messages)
	if err != nil {
		r.log.Error("reflection failed", "subtask_id", in.Subtask.ID, "error", err)
		r.emit(models.EventReflectionCompleted, map[string]any{
			"subtask_id": in.Subtask.ID,
			"error":      err.Error(),
		})
		return failedReflection(in.Subtask.ID, err)
	}

	reflection := decodeReflection(reply)
	reflection.SubtaskID = in.Subtask.ID
	reflection.Metrics = metrics
	if reflection.AuditResult.Status == "" {
		reflection.AuditResult.Status = models.AuditFailed
		reflection.AuditResult.CompletionCheck = "Reflector returned no audit status."
	}
	r.emit(models.EventReflectionCompleted, map[string]any{
		"subtask_id": in.Subtask.ID,
		"status":     reflection.AuditResult.Status,
	})
	return reflection
}

// ValidateCompletion asks the audit role whether the execution log satisfies
// the completion criteria. Missing criteria or an empty log never validate.
func (r *Reflector) ValidateCompletion(ctx context.Context, criteria, executionLog string) bool {
	if strings.TrimSpace(criteria) == "" || strings.TrimSpace(executionLog) == "" {
		return false
	}
	messages := r.prompts.BuildValidatorMessages(criteria, executionLog)
	text, _, err := r.llm.SendText(ctx, r.graph.SessionID(), config.RoleReflector, messages)
	if err != nil {
		r.log.Warn("completion validation failed", "error", err)
		return false
	}
	if strings.EqualFold(strings.TrimSpace(text), "true") {
		return true
	}
	if parsed, ok := llm.SalvageJSON(text); ok {
		return coerceBool(parsed["is_complete"])
	}
	return false
}

// ReflectGlobal condenses a successful mission into reusable strategy. It
// returns nil when the goal was not achieved or the round fails.
func (r *Reflector) ReflectGlobal(ctx context.Context, goal string) (*models.GlobalReflection, *models.CycleMetrics) {
	if !r.graph.IsGoalAchieved() {
		return nil, nil
	}

	subgraph := renderSuccessSubgraph(r.graph.SuccessSubgraph())
	messages := r.prompts.BuildGlobalReflectionMessages(goal, subgraph)
	reply, metrics, err := r.llm.SendStructured(ctx, r.graph.SessionID(), config.RoleReflector, messages)
	if err != nil {
		r.log.Warn("global reflection failed", "error", err)
		return nil, metrics
	}

	var gr models.GlobalReflection
	if err := roundTrip(reply, &gr); err != nil {
		r.log.Warn("global reflection output unusable", "error", err)
		return nil, metrics
	}
	return &gr, metrics
}

// RecordInsight appends a reflection to the rolling context, extracting a
// recurring failure signature when the audit failed on an environmental
// error.
func (r *Reflector) RecordInsight(rc *models.ReflectorContext, reflection *models.Reflection, subtaskID, outcome string) {
	if rc == nil || reflection == nil {
		return
	}
	insight := "No key insights"
	if len(reflection.KeyFindings) > 0 {
		insight = strings.Join(reflection.KeyFindings, "; ")
	}
	rc.AddInsight(models.ReflectionInsight{
		Timestamp:        r.now(),
		SubtaskID:        subtaskID,
		NormalizedStatus: outcome,
		KeyInsight:       insight,
		FailurePattern:   extractFailurePattern(reflection),
	})
}

// CompressContext folds reflection history beyond the window into the
// compressed summary.
func (r *Reflector) CompressContext(ctx context.Context, rc *models.ReflectorContext) *models.CycleMetrics {
	if rc == nil {
		return nil
	}
	window := r.cfg.ReflectorHistoryWindow
	if window <= 0 || len(rc.ReflectionLog) <= window {
		return nil
	}

	old := rc.ReflectionLog[:len(rc.ReflectionLog)-window]
	summary, metrics, err := r.llm.Summarize(ctx, r.graph.SessionID(), renderReflectionLog(old))
	if err != nil || strings.TrimSpace(summary) == "" {
		r.log.Warn("reflector context compression failed", "error", err)
		return metrics
	}

	if rc.CompressedSummary != "" {
		rc.CompressedSummary += "\n\n"
	}
	rc.CompressedSummary += summary
	rc.ReflectionLog = rc.ReflectionLog[len(rc.ReflectionLog)-window:]
	rc.CompressionCount++
	r.log.Info("reflector context compressed", "dropped_insights", len(old), "compressions", rc.CompressionCount)
	return metrics
}

func (r *Reflector) emit(event string, payload map[string]any) {
	if r.emitter != nil {
		r.emitter.Emit(event, r.graph.SessionID(), payload)
	}
}

func failedReflection(subtaskID string, err error) *models.Reflection {
	return &models.Reflection{
		SubtaskID: subtaskID,
		AuditResult: models.AuditResult{
			Status:          models.AuditFailed,
			CompletionCheck: "Reflector output could not be parsed.",
			LogicIssues:     []string{err.Error()},
		},
	}
}

// decodeReflection builds a typed reflection from a decoded LLM reply,
// tolerating loosely shaped findings and fact lists.
func decodeReflection(reply map[string]any) *models.Reflection {
	reflection := &models.Reflection{}

	if audit := anyToMap(reply["audit_result"]); audit != nil {
		reflection.AuditResult = models.AuditResult{
			Status:             strings.ToUpper(strings.TrimSpace(stringField(audit, "status"))),
			CompletionCheck:    stringField(audit, "completion_check"),
			MethodologyIssues:  toStringList(audit["methodology_issues"]),
			LogicIssues:        toStringList(audit["logic_issues"]),
			IsStrategicFailure: coerceBool(audit["is_strategic_failure"]),
			ValidatedNodes:     toStringList(audit["validated_nodes"]),
		}
	}
	reflection.KeyFindings = toStringList(reply["key_findings"])
	reflection.KeyFacts = toStringList(reply["key_facts"])
	reflection.ValidatedNodes = decodeCausalNodes(reply["validated_nodes"])

	if insight := anyToMap(reply["insight"]); insight != nil {
		var in models.Insight
		if err := roundTrip(insight, &in); err == nil && (in.Description != "" || in.Type != "") {
			reflection.Insight = &in
		}
	}
	if updates := anyToMap(reply["causal_graph_updates"]); updates != nil {
		reflection.CausalGraphUpdates = models.CausalGraphUpdates{
			Nodes: decodeCausalNodes(updates["nodes"]),
		}
		var edges []models.CausalEdge
		if err := roundTrip(anyToList(updates["edges"]), &edges); err == nil {
			reflection.CausalGraphUpdates.Edges = edges
		}
	}
	return reflection
}

// normalizeDependencyContext strips synthetic termination entries left by
// earlier renders and appends a fresh one when the audited subtask was cut
// off by its turn budget.
func normalizeDependencyContext(deps []models.DependencySummary, subtask models.Subtask) []models.DependencySummary {
	out := make([]models.DependencySummary, 0, len(deps)+1)
	for _, dep := range deps {
		if dep.TaskID == "" {
			continue
		}
		out = append(out, dep)
	}
	if subtask.TerminationReason != "" {
		out = append(out, models.DependencySummary{
			TerminationReason: subtask.TerminationReason,
			ExecutedSteps:     subtask.ExecutedSteps,
		})
	}
	return out
}

// extractFailurePattern surfaces environmental failure signatures worth
// counting across reflections.
func extractFailurePattern(reflection *models.Reflection) string {
	status := reflection.AuditResult.Status
	if status != models.AuditFailed && status != models.AuditPartialSuccess {
		return ""
	}
	markers := []string{"HTTP_", "timeout", "connection refused", "permission denied"}
	for _, finding := range reflection.KeyFindings {
		for _, marker := range markers {
			if strings.Contains(finding, marker) {
				return finding
			}
		}
	}
	return ""
}

func renderReflectionLog(insights []models.ReflectionInsight) []models.Message {
	var sb strings.Builder
	sb.WriteString("Earlier reflections:\n")
	for _, in := range insights {
		fmt.Fprintf(&sb, "- %s %s [%s]: %s\n", in.Timestamp.Format(time.RFC3339), in.SubtaskID, in.NormalizedStatus, in.KeyInsight)
	}
	return []models.Message{models.UserMessage(sb.String())}
}

func renderSuccessSubgraph(snap models.GraphSnapshot) string {
	var sb strings.Builder
	for _, node := range snap.Nodes {
		fmt.Fprintf(&sb, "node %s [%s] %s: %s\n",
			stringField(node, "id"), stringField(node, "type"), stringField(node, "status"), stringField(node, "description"))
	}
	for _, edge := range snap.Edges {
		fmt.Fprintf(&sb, "edge %s -[%s]-> %s\n",
			stringField(edge, "source"), stringField(edge, "label"), stringField(edge, "target"))
	}
	if sb.Len() == 0 {
		return "The success subgraph is empty."
	}
	return sb.String()
}
