package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/config"
)

func newTestInvoker(t *testing.T, servers map[string][]testTool, opts ...InvokerOption) *Invoker {
	t.Helper()
	client := newTestClient(t, servers)
	return NewInvoker(client, config.NewMCPServerRegistry(nil), opts...)
}

func TestInvokerRoutesByToolName(t *testing.T) {
	inv := newTestInvoker(t, map[string][]testTool{
		"pentest": {textTool("nmap_scan", "port scanner", "22/tcp open ssh")},
		"web":     {textTool("http_request", "raw HTTP client", "HTTP/1.1 200 OK")},
	})
	ctx := context.Background()

	assert.Equal(t, "22/tcp open ssh", inv.Call(ctx, "nmap_scan", map[string]any{"target": "10.0.0.5"}))
	assert.Equal(t, "HTTP/1.1 200 OK", inv.Call(ctx, "http_request", map[string]any{"url": "http://10.0.0.5"}))
}

func TestInvokerUnknownToolStructuredError(t *testing.T) {
	inv := newTestInvoker(t, map[string][]testTool{
		"pentest": {textTool("nmap_scan", "port scanner", "ok")},
		"web":     {textTool("http_request", "raw HTTP client", "ok")},
	})

	out := inv.Call(context.Background(), "sqlmap_scan", nil)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, false, payload["success"])
	assert.Equal(t, "MISSING_TOOL", payload["error_type"])
	assert.Contains(t, payload["error"], "sqlmap_scan")
	assert.ElementsMatch(t, []any{"pentest", "web"}, payload["available_servers"])
	assert.NotEmpty(t, payload["hint"])
}

func TestInvokerDisabledTool(t *testing.T) {
	inv := newTestInvoker(t, map[string][]testTool{
		"pentest": {
			textTool("nmap_scan", "port scanner", "ok"),
			textTool("hydra_brute", "password brute forcer", "ok"),
		},
	})
	ctx := context.Background()
	inv.RefreshRoutes(ctx)

	inv.DisableTool("pentest", "hydra_brute")
	assert.False(t, inv.IsToolEnabled("pentest", "hydra_brute"))

	out := inv.Call(ctx, "hydra_brute", nil)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, false, payload["success"])

	// Hidden from the catalog too.
	catalog := inv.Catalog(ctx)
	assert.Contains(t, catalog, "nmap_scan")
	assert.NotContains(t, catalog, "hydra_brute")

	inv.EnableTool("pentest", "hydra_brute")
	assert.Equal(t, "ok", inv.Call(ctx, "hydra_brute", nil))
}

func TestInvokerConfigDisabledTools(t *testing.T) {
	client := newTestClient(t, map[string][]testTool{
		"pentest": {textTool("rm_rf", "dangerous", "ok")},
	})
	registry := config.NewMCPServerRegistry(map[string]*config.MCPServerConfig{
		"pentest": {DisabledTools: []string{"rm_rf"}},
	})
	inv := NewInvoker(client, registry)

	assert.False(t, inv.IsToolEnabled("pentest", "rm_rf"))
}

func TestInvokerCatalogRendering(t *testing.T) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"target": map[string]any{"type": "string", "description": "host or CIDR to scan"},
			"ports":  map[string]any{"type": "integer", "description": "top N ports"},
		},
		"required": []string{"target"},
	})
	inv := newTestInvoker(t, map[string][]testTool{
		"pentest": {{
			tool: &mcpsdk.Tool{Name: "nmap_scan", Description: "port scanner", InputSchema: json.RawMessage(schema)},
			handler: func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
			},
		}},
	})

	catalog := inv.Catalog(context.Background())
	assert.Contains(t, catalog, "Available tools:")
	assert.Contains(t, catalog, "- nmap_scan: port scanner")
	assert.Contains(t, catalog, "- target (string) (required): host or CIDR to scan")
	assert.Contains(t, catalog, "- ports (integer) (optional): top N ports")
	assert.Contains(t, catalog, "Params format:")
	assert.Contains(t, catalog, "Action: nmap_scan")
	assert.Contains(t, catalog, `"target":"example_target"`)
}

func TestInvokerCatalogEmpty(t *testing.T) {
	inv := newTestInvoker(t, map[string][]testTool{})
	assert.Equal(t, "No tools are currently available.", inv.Catalog(context.Background()))
}

func TestInvokerRouteCacheTTL(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	client := newTestClient(t, map[string][]testTool{
		"pentest": {textTool("nmap_scan", "port scanner", "ok")},
	})
	inv := NewInvoker(client, config.NewMCPServerRegistry(nil), WithClock(clock))
	ctx := context.Background()

	require.Equal(t, "ok", inv.Call(ctx, "nmap_scan", nil))
	firstRefresh := inv.Summary().LastRefresh

	// A tool the cache does not know forces an immediate re-discovery, so
	// a server that appeared after the last refresh is still reachable.
	ts := startTestServer(t, "web", []testTool{textTool("http_request", "raw HTTP client", "200")})
	wireSession(t, client, "web", ts.clientTransport)
	assert.Contains(t, inv.Call(ctx, "http_request", nil), "200")

	// Known tools ride the cache until the TTL lapses.
	now = now.Add(RouteCacheTTL + time.Second)
	require.Equal(t, "ok", inv.Call(ctx, "nmap_scan", nil))
	assert.True(t, inv.Summary().LastRefresh.After(firstRefresh))
}

func TestInvokerSummary(t *testing.T) {
	inv := newTestInvoker(t, map[string][]testTool{
		"pentest": {
			textTool("nmap_scan", "port scanner", "ok"),
			textTool("hydra_brute", "password brute forcer", "ok"),
		},
		"web": {textTool("http_request", "raw HTTP client", "ok")},
	})
	ctx := context.Background()
	inv.RefreshRoutes(ctx)
	inv.DisableTool("pentest", "hydra_brute")

	summary := inv.Summary()
	assert.Equal(t, 2, summary.Servers)
	assert.Equal(t, 3, summary.TotalTools)
	assert.Equal(t, 2, summary.EnabledTools)
	assert.Equal(t, 1, summary.DisabledTools)
	assert.True(t, summary.CacheValid)
	assert.False(t, summary.LastRefresh.IsZero())
}

func TestInvokerPassesThroughStructuredServerError(t *testing.T) {
	serverErr := `{"success": false, "error": "bad syntax near SELECT", "error_type": "SYNTAX"}`
	inv := newTestInvoker(t, map[string][]testTool{
		"pentest": {{
			tool: &mcpsdk.Tool{Name: "sql_exec", Description: "sql runner", InputSchema: emptySchema},
			handler: func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return &mcpsdk.CallToolResult{
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: serverErr}},
					IsError: true,
				}, nil
			},
		}},
	})

	out := inv.Call(context.Background(), "sql_exec", map[string]any{"query": "SELEC 1"})
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "SYNTAX", payload["error_type"])
}
