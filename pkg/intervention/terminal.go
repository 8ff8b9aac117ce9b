package intervention

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// TerminalApprover is the interactive console arm of the approval race.
// One prompt runs at a time; the engine cancels the context when the web
// arm resolves first.
type TerminalApprover struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
	log *slog.Logger
}

// NewTerminalApprover prompts on stdin/stdout.
func NewTerminalApprover() *TerminalApprover {
	return &TerminalApprover{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
		log: slog.With("component", "terminal_approver"),
	}
}

// NewTerminalApproverWithIO is the test constructor.
func NewTerminalApproverWithIO(in io.Reader, out io.Writer) *TerminalApprover {
	return &TerminalApprover{
		in:  bufio.NewReader(in),
		out: out,
		log: slog.With("component", "terminal_approver"),
	}
}

// Prompt renders the proposed operations and blocks for an operator
// decision. Returns ctx.Err() when the race is lost before input arrives.
//
// Accepted input:
//
//	a | approve            approve the plan as proposed
//	r [reason]             reject, with an optional reason
//	m <json array>         replace the plan with the given operations
func (t *TerminalApprover) Prompt(ctx context.Context, stage string, ops []models.GraphOperation) (*models.Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.render(stage, ops)

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult, 1)

	for {
		// The read goroutine may outlive a cancelled prompt; the buffered
		// channel lets it finish without blocking.
		go func() {
			line, err := t.in.ReadString('\n')
			lines <- readResult{line: line, err: err}
		}()

		select {
		case <-ctx.Done():
			fmt.Fprintln(t.out, "\n[approval resolved elsewhere]")
			return nil, ctx.Err()
		case res := <-lines:
			if res.err != nil {
				return nil, fmt.Errorf("reading approval input: %w", res.err)
			}
			decision, ok := parseDecisionLine(res.line)
			if !ok {
				fmt.Fprint(t.out, "unrecognized input; a[pprove] / r[eject] [reason] / m <json>: ")
				continue
			}
			t.log.Info("terminal decision", "stage", stage, "action", decision.Action)
			return decision, nil
		}
	}
}

func (t *TerminalApprover) render(stage string, ops []models.GraphOperation) {
	fmt.Fprintf(t.out, "\n=== Approval required: %s ===\n", stage)
	for i, op := range ops {
		target := op.TargetID()
		switch op.Command {
		case models.OpAddNode:
			fmt.Fprintf(t.out, "%2d. %s %s: %s\n", i+1, op.Command, target, op.Description)
		case models.OpUpdateNode:
			fmt.Fprintf(t.out, "%2d. %s %s: %v\n", i+1, op.Command, target, op.Updates)
		default:
			reason := op.Reason
			if reason == "" {
				reason = op.Description
			}
			fmt.Fprintf(t.out, "%2d. %s %s: %s\n", i+1, op.Command, target, reason)
		}
	}
	fmt.Fprint(t.out, "a[pprove] / r[eject] [reason] / m <json>: ")
}

// parseDecisionLine maps one input line to a decision. Returns false when
// the line is not a recognized command.
func parseDecisionLine(line string) (*models.Decision, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	verb := line
	rest := ""
	if idx := strings.IndexAny(line, " \t"); idx >= 0 {
		verb = line[:idx]
		rest = strings.TrimSpace(line[idx+1:])
	}

	switch strings.ToLower(verb) {
	case "a", "approve", "y", "yes":
		return &models.Decision{Action: models.DecisionApprove}, true
	case "r", "reject", "n", "no":
		return &models.Decision{Action: models.DecisionReject, Reason: rest}, true
	case "m", "modify":
		var ops []map[string]any
		if err := json.Unmarshal([]byte(rest), &ops); err != nil {
			return nil, false
		}
		anyOps := make([]any, len(ops))
		for i, op := range ops {
			anyOps[i] = op
		}
		return &models.Decision{
			Action: models.DecisionModify,
			Data:   map[string]any{"graph_operations": anyOps},
		}, true
	default:
		return nil, false
	}
}
