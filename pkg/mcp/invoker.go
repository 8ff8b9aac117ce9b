package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/peregrine-agent/peregrine/pkg/config"
)

// toolEntry is one discovered tool in the routing cache.
type toolEntry struct {
	serverID string
	tool     *mcpsdk.Tool
}

// Invoker routes tool calls by bare tool name and renders the catalog the
// executor prompt embeds. Call never returns a Go error: every failure is
// expressed as a JSON payload the LLM can read and react to.
type Invoker struct {
	client *Client

	mu          sync.RWMutex
	routes      map[string]toolEntry      // toolName → entry
	serverTools map[string][]*mcpsdk.Tool // serverID → advertised tools
	disabled    map[string]struct{}       // "server.tool" keys
	refreshedAt time.Time
	cacheTTL    time.Duration
	now         func() time.Time

	logger *slog.Logger
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithCacheTTL overrides the routing-cache freshness window.
func WithCacheTTL(d time.Duration) InvokerOption {
	return func(inv *Invoker) { inv.cacheTTL = d }
}

// WithClock overrides the cache clock. Tests only.
func WithClock(now func() time.Time) InvokerOption {
	return func(inv *Invoker) { inv.now = now }
}

// NewInvoker wires an invoker over the client. Tools listed in a server's
// disabled_tools config entry start disabled.
func NewInvoker(client *Client, registry *config.MCPServerRegistry, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		client:      client,
		routes:      make(map[string]toolEntry),
		serverTools: make(map[string][]*mcpsdk.Tool),
		disabled:    make(map[string]struct{}),
		cacheTTL:    RouteCacheTTL,
		now:         time.Now,
		logger:      slog.With("component", "tool_invoker"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	if registry != nil {
		for serverID, cfg := range registry.GetAll() {
			for _, tool := range cfg.DisabledTools {
				inv.disabled[serverID+"."+tool] = struct{}{}
			}
		}
	}
	return inv
}

// Call routes a tool call to the server advertising toolName and returns
// the result as a string. Unknown tools, disabled tools, and transport
// failures all come back as a structured JSON error payload.
func (inv *Invoker) Call(ctx context.Context, toolName string, params map[string]any) string {
	entry, ok := inv.resolve(ctx, toolName)
	if !ok {
		return inv.notFoundPayload(toolName)
	}
	if inv.isDisabled(entry.serverID, toolName) {
		return errorPayload(fmt.Sprintf("tool %q is disabled", toolName), "MISSING_TOOL", nil)
	}

	result, err := inv.client.CallTool(ctx, entry.serverID, toolName, params)
	if err != nil {
		return errorPayload(fmt.Sprintf("tool call failed: %s", err), "", nil)
	}

	content := extractTextContent(result)
	if result.IsError && !looksStructured(content) {
		return errorPayload(content, "", nil)
	}
	return content
}

// resolve finds the server advertising toolName, refreshing the routing
// cache when it is stale or the tool is unknown.
func (inv *Invoker) resolve(ctx context.Context, toolName string) (toolEntry, bool) {
	inv.mu.RLock()
	entry, ok := inv.routes[toolName]
	fresh := inv.now().Sub(inv.refreshedAt) < inv.cacheTTL
	inv.mu.RUnlock()
	if ok && fresh {
		return entry, true
	}

	inv.RefreshRoutes(ctx)

	inv.mu.RLock()
	entry, ok = inv.routes[toolName]
	inv.mu.RUnlock()
	return entry, ok
}

// RefreshRoutes re-discovers the tool catalog from every server. Failures
// keep the previous cache.
func (inv *Invoker) RefreshRoutes(ctx context.Context) {
	all, err := inv.client.ListAllTools(ctx)
	if err != nil {
		inv.logger.Warn("tool discovery failed, keeping stale routes", "error", err)
		return
	}

	routes := make(map[string]toolEntry)
	for serverID, tools := range all {
		for _, tool := range tools {
			// First advertiser wins on duplicate tool names.
			if _, exists := routes[tool.Name]; !exists {
				routes[tool.Name] = toolEntry{serverID: serverID, tool: tool}
			}
		}
	}

	inv.mu.Lock()
	inv.routes = routes
	inv.serverTools = all
	inv.refreshedAt = inv.now()
	inv.mu.Unlock()
}

func (inv *Invoker) notFoundPayload(toolName string) string {
	servers := inv.client.ServerIDs()
	sort.Strings(servers)
	return errorPayload(
		fmt.Sprintf("tool %q was not found on any MCP server", toolName),
		"MISSING_TOOL",
		map[string]any{
			"available_servers": servers,
			"hint":              "check the tool name and whether the owning MCP server is running",
		})
}

// EnableTool re-enables a tool by server and name.
func (inv *Invoker) EnableTool(serverID, toolName string) {
	inv.mu.Lock()
	delete(inv.disabled, serverID+"."+toolName)
	inv.mu.Unlock()
}

// DisableTool hides a tool from the catalog and blocks calls to it.
func (inv *Invoker) DisableTool(serverID, toolName string) {
	inv.mu.Lock()
	inv.disabled[serverID+"."+toolName] = struct{}{}
	inv.mu.Unlock()
}

// IsToolEnabled reports whether a tool is callable.
func (inv *Invoker) IsToolEnabled(serverID, toolName string) bool {
	return !inv.isDisabled(serverID, toolName)
}

func (inv *Invoker) isDisabled(serverID, toolName string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, off := inv.disabled[serverID+"."+toolName]
	return off
}

// Close releases the underlying sessions.
func (inv *Invoker) Close() error {
	return inv.client.Close()
}

// CatalogSummary describes the discovered tool surface.
type CatalogSummary struct {
	Servers       int       `json:"servers"`
	TotalTools    int       `json:"total_tools"`
	EnabledTools  int       `json:"enabled_tools"`
	DisabledTools int       `json:"disabled_tools"`
	CacheValid    bool      `json:"cache_valid"`
	LastRefresh   time.Time `json:"last_refresh"`
}

// Summary returns catalog statistics for the API and startup log.
func (inv *Invoker) Summary() CatalogSummary {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	summary := CatalogSummary{
		Servers:     len(inv.serverTools),
		CacheValid:  inv.now().Sub(inv.refreshedAt) < inv.cacheTTL,
		LastRefresh: inv.refreshedAt,
	}
	for serverID, tools := range inv.serverTools {
		summary.TotalTools += len(tools)
		for _, tool := range tools {
			if _, off := inv.disabled[serverID+"."+tool.Name]; !off {
				summary.EnabledTools++
			}
		}
	}
	summary.DisabledTools = summary.TotalTools - summary.EnabledTools
	return summary
}

// Catalog renders the enabled tools as prompt documentation: one block per
// tool with parameter descriptions, a params template, and a usage example.
func (inv *Invoker) Catalog(ctx context.Context) string {
	inv.mu.RLock()
	stale := inv.now().Sub(inv.refreshedAt) >= inv.cacheTTL || len(inv.serverTools) == 0
	inv.mu.RUnlock()
	if stale {
		inv.RefreshRoutes(ctx)
	}

	inv.mu.RLock()
	defer inv.mu.RUnlock()

	serverIDs := make([]string, 0, len(inv.serverTools))
	for id := range inv.serverTools {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	var lines []string
	for _, serverID := range serverIDs {
		for _, tool := range inv.serverTools[serverID] {
			if _, off := inv.disabled[serverID+"."+tool.Name]; off {
				continue
			}
			lines = append(lines, renderToolDoc(tool))
		}
	}

	if len(lines) == 0 {
		return "No tools are currently available."
	}
	return "Available tools:\n" + strings.Join(lines, "\n")
}

// renderToolDoc formats one tool entry for the prompt.
func renderToolDoc(tool *mcpsdk.Tool) string {
	desc := tool.Description
	if desc == "" {
		desc = "no description"
	}
	lines := []string{fmt.Sprintf("- %s: %s", tool.Name, desc)}

	schema := schemaAsMap(tool.InputSchema)
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return strings.Join(lines, "\n")
	}
	required := map[string]bool{}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	example := make(map[string]any, len(names))
	for _, name := range names {
		info, _ := props[name].(map[string]any)
		paramType, _ := info["type"].(string)
		if paramType == "" {
			paramType = "any"
		}
		paramDesc, _ := info["description"].(string)

		marker := "optional"
		if required[name] {
			marker = "required"
		}
		lines = append(lines, fmt.Sprintf("    - %s (%s) (%s): %s", name, paramType, marker, paramDesc))
		example[name] = exampleValue(name, paramType)
	}

	exampleJSON, _ := json.Marshal(example)
	lines = append(lines,
		fmt.Sprintf("  Params format: %s", exampleJSON),
		"  Example:",
		fmt.Sprintf("    Action: %s", tool.Name),
		fmt.Sprintf("    Action Input: %s", exampleJSON),
	)
	return strings.Join(lines, "\n")
}

// exampleValue produces a placeholder for a parameter type.
func exampleValue(name, paramType string) any {
	switch paramType {
	case "string":
		return "example_" + name
	case "integer", "number":
		return 10
	case "boolean":
		return true
	case "object":
		return map[string]any{"key": "value"}
	case "array":
		return []any{"item1", "item2"}
	default:
		return "<" + paramType + ">"
	}
}

// schemaAsMap converts whatever schema representation the SDK carries into
// a plain map via a JSON round trip.
func schemaAsMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// extractTextContent concatenates the text items of an MCP result.
// Non-text content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

// looksStructured reports whether content already carries a JSON object,
// in which case the server's own error payload passes through untouched.
func looksStructured(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "{")
}

// errorPayload builds the structured JSON error string callers hand to the
// LLM. errorType is optional; extra fields are merged in.
func errorPayload(message, errorType string, extra map[string]any) string {
	payload := map[string]any{
		"success": false,
		"error":   message,
	}
	if errorType != "" {
		payload["error_type"] = errorType
	}
	for k, v := range extra {
		payload[k] = v
	}
	data, _ := json.Marshal(payload)
	return string(data)
}
