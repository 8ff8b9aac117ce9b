package notify

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

const maxBlockTextLength = 2900

// BuildStartedMessage creates Block Kit blocks for a mission start notice.
func BuildStartedMessage(sessionID, goal, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":crossed_swords: *Mission started*\n%s\n<%s|View in Dashboard>",
		truncateForSlack(goal), sessionURL(sessionID, dashboardURL))

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildCompletedMessage creates Block Kit blocks for a mission outcome notice.
func BuildCompletedMessage(metrics *models.MissionMetrics, dashboardURL string) []goslack.Block {
	emoji := ":x:"
	label := "Mission Failed"
	if metrics.Success.Found {
		emoji = ":white_check_mark:"
		label = "Mission Accomplished"
	}

	header := fmt.Sprintf("%s *%s*", emoji, label)
	if metrics.Success.Reason != "" {
		header += "\n" + truncateForSlack(metrics.Success.Reason)
	}

	summary := fmt.Sprintf(
		"*Duration:* %s\n*Cycles:* %d plan / %d execute / %d reflect\n*Tokens:* %d ($%.4f)\n*Artifacts:* %d",
		formatDuration(metrics.TotalTimeSeconds),
		metrics.PlanSteps, metrics.ExecuteSteps, metrics.ReflectSteps,
		metrics.TotalTokens, metrics.Cost,
		metrics.ArtifactsFound,
	)
	if tools := formatToolCalls(metrics.ToolCalls); tools != "" {
		summary += "\n*Top tools:* " + tools
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, summary, false, false),
			nil, nil,
		),
	}

	btn := goslack.NewButtonBlockElement("", "",
		goslack.NewTextBlockObject(goslack.PlainTextType, "View Full Report", false, false))
	btn.URL = sessionURL(metrics.TaskName, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

func sessionURL(sessionID, dashboardURL string) string {
	return fmt.Sprintf("%s/sessions/%s", dashboardURL, sessionID)
}

func formatDuration(seconds float64) string {
	if seconds < 60 {
		return fmt.Sprintf("%.0fs", seconds)
	}
	return fmt.Sprintf("%dm%02ds", int(seconds)/60, int(seconds)%60)
}

// formatToolCalls lists the three most used tools with their counts.
func formatToolCalls(calls map[string]int) string {
	if len(calls) == 0 {
		return ""
	}
	type entry struct {
		name  string
		count int
	}
	entries := make([]entry, 0, len(calls))
	for name, count := range calls {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})
	if len(entries) > 3 {
		entries = entries[:3]
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s (%d)", e.name, e.count))
	}
	return strings.Join(parts, ", ")
}

func truncateForSlack(text string) string {
	if utf8.RuneCountInString(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated — see the dashboard)_"
}
