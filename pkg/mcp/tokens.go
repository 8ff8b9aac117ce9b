package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultSummarizationMaxBytes caps tool output handed to the summarizer
// LLM. Safety net so prompt plus output fits the model's context window.
const DefaultSummarizationMaxBytes = 400000

// TruncateOutput cuts tool output to maxBytes with a marker. Used by the
// executor before an observation enters the conversation.
func TruncateOutput(content string, maxBytes int) string {
	return truncateAtLineBoundary(content, maxBytes, "output exceeded the observation limit")
}

// TruncateForSummarization bounds tool output before it is sent to the
// summarization model.
func TruncateForSummarization(content string) string {
	return truncateAtLineBoundary(content, DefaultSummarizationMaxBytes,
		"output exceeded the summarization input limit")
}

// truncateAtLineBoundary cuts at the last newline before the limit to avoid
// splitting mid-line. The cut point backs up over multi-byte UTF-8 runes.
func truncateAtLineBoundary(content string, maxBytes int, marker string) string {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[TRUNCATED: %s. Original size: %s, limit: %s]",
		marker, formatSize(len(content)), formatSize(maxBytes),
	)
}

// formatSize returns a human-readable size string. Uses bytes for values
// under 1KB to avoid confusing "0KB" output on small content.
func formatSize(bytes int) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	return fmt.Sprintf("%dKB", bytes/1024)
}
