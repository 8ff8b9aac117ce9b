package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// fakeLLM serves scripted structured replies per role. An optional onCall
// hook runs before each structured reply is handed out, letting tests
// observe state mid-conversation.
type fakeLLM struct {
	mu      sync.Mutex
	replies map[string][]map[string]any
	texts   []string
	summary string
	err     error
	calls   []string
	onCall  func(role string, n int)
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{replies: make(map[string][]map[string]any)}
}

func (f *fakeLLM) queue(role string, reply map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[role] = append(f.replies[role], reply)
}

func (f *fakeLLM) SendStructured(_ context.Context, _, role string, _ []models.Message) (map[string]any, *models.CycleMetrics, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, nil, f.err
	}
	pending := f.replies[role]
	if len(pending) == 0 {
		f.mu.Unlock()
		return nil, nil, fmt.Errorf("no scripted reply for role %q", role)
	}
	f.replies[role] = pending[1:]
	f.calls = append(f.calls, role)
	hook := f.onCall
	n := len(f.calls)
	f.mu.Unlock()

	if hook != nil {
		hook(role, n)
	}
	return pending[0], &models.CycleMetrics{PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeLLM) SendText(_ context.Context, _, role string, _ []models.Message) (string, *models.CycleMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", nil, f.err
	}
	if len(f.texts) == 0 {
		return "", nil, fmt.Errorf("no scripted text for role %q", role)
	}
	text := f.texts[0]
	f.texts = f.texts[1:]
	return text, &models.CycleMetrics{PromptTokens: 4, CompletionTokens: 1}, nil
}

func (f *fakeLLM) Summarize(_ context.Context, _ string, _ []models.Message) (string, *models.CycleMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", nil, f.err
	}
	return f.summary, &models.CycleMetrics{PromptTokens: 8, CompletionTokens: 2}, nil
}

// fakeTools resolves tool calls from a payload table. An optional onCall
// hook runs inside each call, before the payload is returned.
type fakeTools struct {
	mu       sync.Mutex
	payloads map[string]string
	calls    []string
	onCall   func(toolName string)
}

func newFakeTools() *fakeTools {
	return &fakeTools{payloads: make(map[string]string)}
}

func (f *fakeTools) Call(_ context.Context, toolName string, _ map[string]any) string {
	f.mu.Lock()
	f.calls = append(f.calls, toolName)
	payload, ok := f.payloads[toolName]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(toolName)
	}
	if ok {
		return payload
	}
	return `{"success": true, "output": "ok"}`
}

func (f *fakeTools) Catalog(_ context.Context) string {
	return "- nmap_scan: port scanner\n- http_request: raw HTTP client"
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeEmitter records event names.
type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEmitter) Emit(event, _ string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEmitter) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

// fakeApprover returns a fixed decision.
type fakeApprover struct {
	decision *models.Decision
}

func (f *fakeApprover) RequestApproval(_ context.Context, _, _ string, _ map[string]any, _ time.Duration) (*models.Decision, error) {
	if f.decision != nil {
		return f.decision, nil
	}
	return &models.Decision{Action: models.DecisionApprove}, nil
}

func (f *fakeApprover) Enabled() bool { return true }

// fakeStore records session status transitions.
type fakeStore struct {
	mu       sync.Mutex
	statuses []string
}

func (f *fakeStore) UpdateSessionStatus(_ context.Context, _, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

// fakeNotifier records completion notices.
type fakeNotifier struct {
	mu      sync.Mutex
	notices []*models.MissionMetrics
}

func (f *fakeNotifier) MissionCompleted(_ context.Context, metrics *models.MissionMetrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, metrics)
}
