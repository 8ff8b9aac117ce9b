// Package e2e runs whole missions against a real Postgres-backed store with
// a scripted LLM and stub tool layer. Each test wires the same components
// main() does, scripts every model reply up front, and asserts on the final
// graph and session state.
package e2e

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/engine"
	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/store"
	"github.com/peregrine-agent/peregrine/test/util"
)

// gate blocks one scripted LLM call until the test releases it. arrived is
// closed when the call reaches the gate, so the test can synchronize on the
// engine being mid-turn.
type gate struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{arrived: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) open() { close(g.release) }

// scriptedLLM serves pre-scripted structured replies. Planner replies are a
// single FIFO; executor and reflector replies are routed by the subtask id
// embedded in the prompt, so concurrent executor runs cannot steal each
// other's turns. Reflector calls without a subtask marker (global
// reflection) drain the global queue.
type scriptedLLM struct {
	mu            sync.Mutex
	planner       []map[string]any
	executor      map[string][]map[string]any
	reflector     map[string][]map[string]any
	global        []map[string]any
	gates         map[string]*gate
	executorCalls map[string]int
}

const (
	executorSubtaskMarker  = "## Your Subtask\nID: "
	reflectorSubtaskMarker = "## Subtask Under Audit\nID: "
)

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		executor:      make(map[string][]map[string]any),
		reflector:     make(map[string][]map[string]any),
		gates:         make(map[string]*gate),
		executorCalls: make(map[string]int),
	}
}

func (s *scriptedLLM) queuePlanner(replies ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planner = append(s.planner, replies...)
}

func (s *scriptedLLM) queueExecutor(subtaskID string, replies ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor[subtaskID] = append(s.executor[subtaskID], replies...)
}

func (s *scriptedLLM) queueReflector(subtaskID string, replies ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reflector[subtaskID] = append(s.reflector[subtaskID], replies...)
}

func (s *scriptedLLM) queueGlobal(replies ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = append(s.global, replies...)
}

// gateExecutorCall installs a gate in front of the n-th (1-based) executor
// call for a subtask.
func (s *scriptedLLM) gateExecutorCall(subtaskID string, call int) *gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := newGate()
	s.gates[fmt.Sprintf("%s#%d", subtaskID, call)] = g
	return g
}

func (s *scriptedLLM) SendStructured(ctx context.Context, _, role string, messages []models.Message) (map[string]any, *models.CycleMetrics, error) {
	metrics := &models.CycleMetrics{PromptTokens: 10, CompletionTokens: 5}

	switch role {
	case config.RolePlanner:
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.planner) == 0 {
			return nil, nil, fmt.Errorf("no scripted planner reply left")
		}
		reply := s.planner[0]
		s.planner = s.planner[1:]
		return reply, metrics, nil

	case config.RoleExecutor:
		subtaskID := extractMarkedID(messages, executorSubtaskMarker)
		if subtaskID == "" {
			return nil, nil, fmt.Errorf("executor prompt carries no subtask id")
		}

		s.mu.Lock()
		s.executorCalls[subtaskID]++
		g := s.gates[fmt.Sprintf("%s#%d", subtaskID, s.executorCalls[subtaskID])]
		s.mu.Unlock()

		if g != nil {
			g.once.Do(func() { close(g.arrived) })
			select {
			case <-g.release:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		pending := s.executor[subtaskID]
		if len(pending) == 0 {
			return nil, nil, fmt.Errorf("no scripted executor reply left for %s", subtaskID)
		}
		s.executor[subtaskID] = pending[1:]
		return pending[0], metrics, nil

	case config.RoleReflector:
		s.mu.Lock()
		defer s.mu.Unlock()
		if subtaskID := extractMarkedID(messages, reflectorSubtaskMarker); subtaskID != "" {
			pending := s.reflector[subtaskID]
			if len(pending) == 0 {
				return nil, nil, fmt.Errorf("no scripted reflector reply left for %s", subtaskID)
			}
			s.reflector[subtaskID] = pending[1:]
			return pending[0], metrics, nil
		}
		if len(s.global) == 0 {
			return nil, nil, fmt.Errorf("no scripted global reflector reply left")
		}
		reply := s.global[0]
		s.global = s.global[1:]
		return reply, metrics, nil

	default:
		return nil, nil, fmt.Errorf("unexpected role %q", role)
	}
}

func (s *scriptedLLM) SendText(context.Context, string, string, []models.Message) (string, *models.CycleMetrics, error) {
	return "true", &models.CycleMetrics{PromptTokens: 4, CompletionTokens: 1}, nil
}

func (s *scriptedLLM) Summarize(context.Context, string, []models.Message) (string, *models.CycleMetrics, error) {
	return "summary", &models.CycleMetrics{PromptTokens: 8, CompletionTokens: 2}, nil
}

// extractMarkedID pulls the id that follows a prompt marker out of any of
// the conversation messages.
func extractMarkedID(messages []models.Message, marker string) string {
	for _, msg := range messages {
		idx := strings.Index(msg.Content, marker)
		if idx < 0 {
			continue
		}
		rest := msg.Content[idx+len(marker):]
		if end := strings.IndexByte(rest, '\n'); end >= 0 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}
	return ""
}

// toolCall is one recorded stub invocation.
type toolCall struct {
	Tool   string
	Params map[string]any
}

// scriptedTools resolves tool calls from a payload table. Lookup tries
// "tool|profile" first (profile read from the call params), then the bare
// tool name, then a generic success payload.
type scriptedTools struct {
	mu       sync.Mutex
	payloads map[string]string
	calls    []toolCall
}

func newScriptedTools() *scriptedTools {
	return &scriptedTools{payloads: make(map[string]string)}
}

func (s *scriptedTools) respond(key, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[key] = payload
}

func (s *scriptedTools) Call(_ context.Context, toolName string, params map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, toolCall{Tool: toolName, Params: params})

	if profile, _ := params["profile"].(string); profile != "" {
		if payload, ok := s.payloads[toolName+"|"+profile]; ok {
			return payload
		}
	}
	if payload, ok := s.payloads[toolName]; ok {
		return payload
	}
	return `{"success": true, "output": "ok"}`
}

func (s *scriptedTools) Catalog(context.Context) string {
	return "- nmap_scan: port scanner\n- curl_probe: raw HTTP client\n- exploit_ftp: ftp exploit module"
}

func (s *scriptedTools) callsFor(tool string) []toolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []toolCall
	for _, c := range s.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// recorder captures emitted events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []models.Envelope
}

func (r *recorder) Emit(event, sessionID string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.Envelope{Event: event, SessionID: sessionID, Payload: payload})
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

// harness bundles the shared mission infrastructure: the Postgres store,
// the async graph sink, and the scripted LLM and tool layers.
type harness struct {
	store   *store.Store
	sink    *store.Sink
	llm     *scriptedLLM
	tools   *scriptedTools
	emitter *recorder
	cfg     *config.EngineConfig
}

func newHarness(t *testing.T) *harness {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	db := util.SetupTestDatabase(t)
	st := store.NewStore(db)
	sink := store.NewSink(st)
	t.Cleanup(sink.Stop)

	cfg := config.DefaultEngineConfig()
	cfg.HITLTimeout = 10 * time.Second

	return &harness{
		store:   st,
		sink:    sink,
		llm:     newScriptedLLM(),
		tools:   newScriptedTools(),
		emitter: &recorder{},
		cfg:     cfg,
	}
}

// mission is one assembled engine over a persisted session.
type mission struct {
	sessionID string
	graph     *graph.Manager
	halt      *engine.HaltLatch
	orch      *engine.Orchestrator
}

type missionOption func(*missionAssembly)

type missionAssembly struct {
	approver engine.Approver
	terminal engine.TerminalApprover
}

func withApprover(a engine.Approver) missionOption {
	return func(ma *missionAssembly) { ma.approver = a }
}

func withTerminal(ta engine.TerminalApprover) missionOption {
	return func(ma *missionAssembly) { ma.terminal = ta }
}

// newMission persists a session row and assembles an orchestrator around it
// the way the server's mission factory does.
func (h *harness) newMission(t *testing.T, goal string, opts ...missionOption) *mission {
	ma := &missionAssembly{}
	for _, opt := range opts {
		opt(ma)
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:        models.NewSessionID(),
		Name:      goal,
		Goal:      goal,
		Status:    models.SessionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateSession(context.Background(), sess))

	g := graph.NewManager(sess.ID, goal, graph.WithSink(h.sink), graph.WithEmitter(h.emitter))
	halt := engine.NewHaltLatch(sess.ID, h.emitter, nil)
	t.Cleanup(halt.Clear)

	exec := engine.NewExecutor(h.llm, h.tools, g, halt, h.cfg.Executor, nil, h.emitter, nil)
	planner := engine.NewPlanner(h.llm, g, h.cfg, h.emitter, nil)
	reflector := engine.NewReflector(h.llm, g, h.cfg, h.emitter, nil)
	runner := engine.NewRunner(exec, nil)

	orchOpts := []engine.OrchestratorOption{
		engine.WithEmitter(h.emitter),
		engine.WithSessionStore(h.store),
	}
	if ma.approver != nil {
		orchOpts = append(orchOpts, engine.WithApprover(ma.approver))
	}
	if ma.terminal != nil {
		orchOpts = append(orchOpts, engine.WithTerminalApprover(ma.terminal))
	}

	orch := engine.NewOrchestrator(goal, g, planner, reflector, runner, halt, h.cfg, nil, orchOpts...)
	return &mission{sessionID: sess.ID, graph: g, halt: halt, orch: orch}
}

// sessionStatus reads the persisted session status.
func (h *harness) sessionStatus(t *testing.T, sessionID string) string {
	sess, err := h.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	return sess.Status
}

// Scripted-reply builders. The shapes mirror what the prompt templates ask
// each role to produce.

func list(items ...map[string]any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

func addNodeOp(id, description string, deps []string, priority int) map[string]any {
	op := map[string]any{
		"command":     models.OpAddNode,
		"id":          id,
		"description": description,
		"priority":    priority,
	}
	if len(deps) > 0 {
		depList := make([]any, len(deps))
		for i, d := range deps {
			depList[i] = d
		}
		op["dependencies"] = depList
	}
	return op
}

func deprecateOp(nodeID, reason string) map[string]any {
	return map[string]any{
		"command": models.OpDeprecateNode,
		"node_id": nodeID,
		"reason":  reason,
	}
}

func planReply(ops ...map[string]any) map[string]any {
	return map[string]any{
		"reasoning":        "decompose the goal into ordered subtasks",
		"graph_operations": list(ops...),
	}
}

func dynamicReply(accomplished bool, ops ...map[string]any) map[string]any {
	return map[string]any{
		"reasoning":                   "revise the plan from the latest reflections",
		"graph_operations":            list(ops...),
		"global_mission_accomplished": accomplished,
	}
}

func executeNowOp(nodeID, tool string, params map[string]any) map[string]any {
	return map[string]any{
		"command": "EXECUTE_NOW",
		"node_id": nodeID,
		"thought": "run " + tool,
		"action":  map[string]any{"tool": tool, "params": params},
	}
}

func executorTurn(complete bool, staged []any, ops ...map[string]any) map[string]any {
	reply := map[string]any{
		"thought":              "next move",
		"execution_operations": list(ops...),
		"is_subtask_complete":  complete,
	}
	if len(staged) > 0 {
		reply["staged_causal_nodes"] = staged
	}
	return reply
}

func stagedNode(id, nodeType, description, sourceStepID string) map[string]any {
	return map[string]any{
		"id":             id,
		"node_type":      nodeType,
		"description":    description,
		"source_step_id": sourceStepID,
	}
}

func auditReply(status string, strategic bool) map[string]any {
	return map[string]any{
		"audit_result": map[string]any{
			"status":               status,
			"completion_check":     "audited against the completion criteria",
			"is_strategic_failure": strategic,
		},
	}
}

func auditReplyWithCausal(status string, nodes []any, edges []any) map[string]any {
	reply := auditReply(status, false)
	reply["causal_graph_updates"] = map[string]any{
		"nodes": nodes,
		"edges": edges,
	}
	return reply
}

func causalNode(id, nodeType, description string, confidence float64) map[string]any {
	node := map[string]any{
		"id":          id,
		"node_type":   nodeType,
		"description": description,
	}
	if confidence > 0 {
		node["confidence"] = confidence
	}
	return node
}

func causalEdge(source, target, label, strength string) map[string]any {
	return map[string]any{
		"source":   source,
		"target":   target,
		"label":    label,
		"strength": strength,
	}
}
