package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitorReportsHealthyServer(t *testing.T) {
	client := newTestClient(t, map[string][]testTool{
		"pentest": {
			textTool("nmap_scan", "port scanner", "ok"),
			textTool("http_request", "raw HTTP client", "ok"),
		},
	})
	monitor := NewHealthMonitor(client)

	monitor.Start(context.Background())
	t.Cleanup(monitor.Stop)

	require.Eventually(t, monitor.IsHealthy, 5*time.Second, 20*time.Millisecond)

	statuses := monitor.GetStatuses()
	require.Contains(t, statuses, "pentest")
	assert.True(t, statuses["pentest"].Healthy)
	assert.Equal(t, 2, statuses["pentest"].ToolCount)
	assert.Empty(t, statuses["pentest"].Error)
}

func TestHealthMonitorUnhealthyBeforeFirstCheck(t *testing.T) {
	client := newTestClient(t, map[string][]testTool{})
	monitor := NewHealthMonitor(client)

	// No statuses yet means not healthy.
	assert.False(t, monitor.IsHealthy())
}

func TestHealthMonitorStopClearsState(t *testing.T) {
	client := newTestClient(t, map[string][]testTool{
		"pentest": {textTool("nmap_scan", "port scanner", "ok")},
	})
	monitor := NewHealthMonitor(client)

	monitor.Start(context.Background())
	require.Eventually(t, monitor.IsHealthy, 5*time.Second, 20*time.Millisecond)

	monitor.Stop()
	assert.Empty(t, monitor.GetStatuses())
	assert.False(t, monitor.IsHealthy())
}
