package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/models"
)

// Summarize condenses a slice of conversation history into a prose
// progress report under the summarizer role. The executor calls this when
// its context compression triggers; the summary replaces the middle of
// the conversation.
func (c *Client) Summarize(ctx context.Context, sessionID string, messages []models.Message) (string, *models.CycleMetrics, error) {
	prompt := buildCompressionPrompt(messages)
	return c.SendText(ctx, sessionID, config.RoleSummarizer, []models.Message{models.UserMessage(prompt)})
}

// buildCompressionPrompt renders the history to compress into a
// summarization instruction. The instruction deliberately protects raw
// payloads and exploratory leads: a summary that rationalizes away the
// "maybe try the simple thing" turns destroys exactly the context a
// follow-on turn needs.
func buildCompressionPrompt(history []models.Message) string {
	var transcript strings.Builder
	for i, msg := range history {
		fmt.Fprintf(&transcript, "\n[message %d] %s:\n%s\n%s", i+1, msg.Role, msg.Content, strings.Repeat("-", 50))
	}

	return fmt.Sprintf(`You are the memory manager for an autonomous penetration-testing agent. Compress the conversation history below into a concise natural-language summary that a follow-on agent can use to continue the engagement.

## What must be preserved
1. Security findings: every vulnerability, anomalous response, and error message, in detail.
2. Technical details: the target's stack, versions, and configuration.
3. Attack surface: discovered input points, parameters, and endpoints.
4. Progress: the current phase and which test types are done.
5. Payloads: keep the original payload strings verbatim, even failed ones (e.g. '--, OR 1=1, SLEEP(5)).
6. Exploratory leads: keep hunches, quick judgments, and "maybe try..." ideas; do not rationalize them away.
7. Strategy pivots: the reasoning behind any change of direction.

## What may be compressed
1. Repeated identical tool calls (keep the results).
2. Long theoretical analysis (keep the conclusions).
3. Routine functionality checks.

## Output format
Write a coherent report with these sections:

**Target and progress** - target overview and current phase (discovery / enumeration / vulnerability testing / exploitation).

**Key security findings** - ordered by importance; each with description, evidence, and potential impact.

**Technical environment** - stack, architecture, identified attack surface and entry points.

**Strategy and adjustments** - methods tried, their outcomes, and how the plan changed.

**Next steps** - recommended directions and risk areas to watch.

## Conversation history to compress:
%s

Produce a concise but complete report. All key security information and exploratory leads must survive the compression.`, transcript.String())
}
