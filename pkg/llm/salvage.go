package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	trailingCommaObject = regexp.MustCompile(`,\s*}\s*$`)
	trailingCommaArray  = regexp.MustCompile(`,\s*]\s*$`)
)

// SalvageJSON parses model output into a JSON object, tolerating the
// garbage models wrap around otherwise-valid JSON: a UTF-8 BOM, markdown
// code fences, prose before and after the object, trailing commas,
// Python literals (None/True/False), and single-quoted strings. A
// top-level array is wrapped as {"list": [...]}. Returns false when
// nothing parseable can be recovered.
func SalvageJSON(s string) (map[string]any, bool) {
	s = cleanWrapping(s)
	if s == "" {
		return nil, false
	}

	if parsed, ok := tryParse(s); ok {
		return parsed, true
	}

	candidate, ok := extractJSONSpan(s)
	if !ok {
		return nil, false
	}
	if parsed, ok := tryParse(candidate); ok {
		return parsed, true
	}

	return tryParse(applySoftFixes(candidate))
}

// cleanWrapping strips a BOM, surrounding whitespace, and markdown fences.
func cleanWrapping(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.TrimSpace(s)

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "~~~")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSuffix(s, "~~~")

	return strings.TrimSpace(s)
}

// tryParse unmarshals a candidate string, wrapping a root array.
func tryParse(s string) (map[string]any, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil, false
	}
	switch v := parsed.(type) {
	case map[string]any:
		return v, true
	case []any:
		return map[string]any{"list": v}, true
	}
	return nil, false
}

// extractJSONSpan cuts the first opening brace or bracket through the
// last closing one, discarding prose around the object.
func extractJSONSpan(s string) (string, bool) {
	start := -1
	for _, open := range []string{"{", "["} {
		if i := strings.Index(s, open); i >= 0 && (start < 0 || i < start) {
			start = i
		}
	}
	if start < 0 {
		return "", false
	}

	end := -1
	for _, closer := range []string{"}", "]"} {
		if i := strings.LastIndex(s, closer); i > end {
			end = i
		}
	}
	if end < start {
		return "", false
	}

	return strings.TrimSpace(s[start : end+1]), true
}

// applySoftFixes rewrites the common near-JSON mistakes: Python literals,
// a trailing comma before the final close, and single-quoted output.
func applySoftFixes(s string) string {
	fixed := s
	fixed = strings.ReplaceAll(fixed, ": None", ": null")
	fixed = strings.ReplaceAll(fixed, " None", " null")
	fixed = strings.ReplaceAll(fixed, ": True", ": true")
	fixed = strings.ReplaceAll(fixed, " True", " true")
	fixed = strings.ReplaceAll(fixed, ": False", ": false")
	fixed = strings.ReplaceAll(fixed, " False", " false")

	fixed = trailingCommaObject.ReplaceAllString(fixed, "}")
	fixed = trailingCommaArray.ReplaceAllString(fixed, "]")

	if !strings.Contains(fixed, `"`) && strings.Count(fixed, "'") >= 2 {
		fixed = strings.ReplaceAll(fixed, "'", `"`)
	}
	return fixed
}
