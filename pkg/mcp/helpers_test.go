package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/config"
)

// emptySchema is a minimal valid JSON Schema for test tools.
var emptySchema = json.RawMessage(`{"type":"object"}`)

// testTool pairs a tool definition with its handler.
type testTool struct {
	tool    *mcpsdk.Tool
	handler mcpsdk.ToolHandler
}

func textTool(name, description string, text string) testTool {
	return testTool{
		tool: &mcpsdk.Tool{Name: name, Description: description, InputSchema: emptySchema},
		handler: func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
			}, nil
		},
	}
}

// testMCPServer holds an in-memory MCP server and its transport pair.
type testMCPServer struct {
	server          *mcpsdk.Server
	clientTransport *mcpsdk.InMemoryTransport
}

// startTestServer creates an in-memory MCP server with the given tools.
func startTestServer(t *testing.T, name string, tools []testTool) *testMCPServer {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name: name, Version: "test",
	}, nil)

	for _, tt := range tools {
		server.AddTool(tt.tool, tt.handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() {
		_ = server.Run(context.Background(), serverTransport)
	}()

	return &testMCPServer{server: server, clientTransport: clientTransport}
}

// wireSession connects a Client to an in-memory server, bypassing the
// registry transport path.
func wireSession(t *testing.T, client *Client, serverID string, transport *mcpsdk.InMemoryTransport) {
	t.Helper()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name: "peregrine-test", Version: "test",
	}, nil)
	session, err := sdkClient.Connect(context.Background(), transport, nil)
	require.NoError(t, err)

	client.InjectSession(serverID, sdkClient, session)
}

// newTestClient builds a Client wired to one in-memory server per entry.
func newTestClient(t *testing.T, servers map[string][]testTool) *Client {
	t.Helper()

	client := NewClient(config.NewMCPServerRegistry(nil), 0)
	for serverID, tools := range servers {
		ts := startTestServer(t, serverID, tools)
		wireSession(t, client, serverID, ts.clientTransport)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
