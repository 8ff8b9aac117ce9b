package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// The decoding helpers in this file absorb the shape drift of LLM output:
// lists arrive as JSON strings, objects arrive as single-element lists, and
// booleans arrive as words. Anything unrecoverable decodes to the zero
// value rather than an error.

// coerceBool accepts bool, "true"/"yes"/"1", and non-zero numbers.
func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}

// stringField reads a string value from a decoded JSON object.
func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// anyToMap accepts a JSON object or a JSON-encoded object string.
func anyToMap(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err == nil {
			return m
		}
	}
	return nil
}

// anyToList accepts a JSON array, a JSON-encoded array string, or a single
// object standing in for a one-element list.
func anyToList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		return []any{t}
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return nil
		}
		var list []any
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			return list
		}
		var single map[string]any
		if err := json.Unmarshal([]byte(trimmed), &single); err == nil {
			return []any{single}
		}
	}
	return nil
}

// toStringList flattens a mixed list into strings, reading the usual text
// keys out of objects.
func toStringList(v any) []string {
	items := anyToList(v)
	if items == nil {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				out = append(out, t)
			}
		case map[string]any:
			for _, key := range []string{"description", "text", "finding", "fact"} {
				if s := stringField(t, key); s != "" {
					out = append(out, s)
					break
				}
			}
		default:
			if t != nil {
				out = append(out, fmt.Sprintf("%v", t))
			}
		}
	}
	return out
}

// roundTrip re-encodes a decoded JSON value into a typed destination.
func roundTrip(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// decodeGraphOperations converts planner output into typed operations.
// Commands are upper-cased and a nested "node_data" object, when present,
// is flattened into the operation itself.
func decodeGraphOperations(v any) []models.GraphOperation {
	items := anyToList(v)
	ops := make([]models.GraphOperation, 0, len(items))
	for _, item := range items {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if nested, ok := raw["node_data"].(map[string]any); ok {
			merged := make(map[string]any, len(raw)+len(nested))
			for k, val := range raw {
				if k != "node_data" {
					merged[k] = val
				}
			}
			for k, val := range nested {
				if _, exists := merged[k]; !exists {
					merged[k] = val
				}
			}
			raw = merged
		}
		var op models.GraphOperation
		if err := roundTrip(raw, &op); err != nil {
			continue
		}
		op.Command = strings.ToUpper(strings.TrimSpace(op.Command))
		ops = append(ops, op)
	}
	return ops
}

// decodeCausalNodes converts staged-node output into typed causal nodes,
// dropping entries without a description.
func decodeCausalNodes(v any) []models.CausalNode {
	items := anyToList(v)
	nodes := make([]models.CausalNode, 0, len(items))
	for _, item := range items {
		raw, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var node models.CausalNode
		if err := roundTrip(raw, &node); err != nil {
			continue
		}
		if strings.TrimSpace(node.Description) == "" {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// opsToPayload renders operations for an event or intervention payload.
func opsToPayload(ops []models.GraphOperation) []any {
	var out []any
	if err := roundTrip(ops, &out); err != nil {
		return nil
	}
	return out
}
