package intervention

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

func promptOps() []models.GraphOperation {
	return []models.GraphOperation{
		{Command: models.OpAddNode, ID: "subtask_1", Description: "scan the perimeter"},
		{Command: models.OpDeprecateNode, NodeID: "subtask_0", Reason: "superseded"},
	}
}

func TestTerminalApproverApprove(t *testing.T) {
	var out bytes.Buffer
	ta := NewTerminalApproverWithIO(strings.NewReader("a\n"), &out)

	decision, err := ta.Prompt(context.Background(), "initial_plan", promptOps())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, decision.Action)
	assert.Contains(t, out.String(), "initial_plan")
	assert.Contains(t, out.String(), "scan the perimeter")
}

func TestTerminalApproverRejectWithReason(t *testing.T) {
	var out bytes.Buffer
	ta := NewTerminalApproverWithIO(strings.NewReader("r out of scope\n"), &out)

	decision, err := ta.Prompt(context.Background(), "dynamic_plan", promptOps())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionReject, decision.Action)
	assert.Equal(t, "out of scope", decision.Reason)
}

func TestTerminalApproverModify(t *testing.T) {
	var out bytes.Buffer
	input := `m [{"command": "ADD_NODE", "id": "subtask_9", "description": "operator override"}]` + "\n"
	ta := NewTerminalApproverWithIO(strings.NewReader(input), &out)

	decision, err := ta.Prompt(context.Background(), "initial_plan", promptOps())
	require.NoError(t, err)
	require.Equal(t, models.DecisionModify, decision.Action)
	ops, ok := decision.Data["graph_operations"].([]any)
	require.True(t, ok)
	require.Len(t, ops, 1)
}

func TestTerminalApproverRepromptsOnGarbage(t *testing.T) {
	var out bytes.Buffer
	ta := NewTerminalApproverWithIO(strings.NewReader("whatever\ny\n"), &out)

	decision, err := ta.Prompt(context.Background(), "initial_plan", promptOps())
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApprove, decision.Action)
	assert.Contains(t, out.String(), "unrecognized input")
}

func TestTerminalApproverCancelledContext(t *testing.T) {
	var out bytes.Buffer
	blocked := &blockedReader{ch: make(chan struct{})}
	defer close(blocked.ch)
	ta := NewTerminalApproverWithIO(blocked, &out)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := ta.Prompt(ctx, "initial_plan", promptOps())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseDecisionLine(t *testing.T) {
	cases := []struct {
		line   string
		action string
		ok     bool
	}{
		{"approve\n", models.DecisionApprove, true},
		{"  Y  ", models.DecisionApprove, true},
		{"reject", models.DecisionReject, true},
		{"m not-json", "", false},
		{"", "", false},
		{"banana", "", false},
	}
	for _, tc := range cases {
		decision, ok := parseDecisionLine(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		if tc.ok {
			assert.Equal(t, tc.action, decision.Action, tc.line)
		}
	}
}

// blockedReader never yields data until released, standing in for an idle
// terminal.
type blockedReader struct {
	ch chan struct{}
}

func (r *blockedReader) Read(_ []byte) (int, error) {
	<-r.ch
	return 0, io.EOF
}
