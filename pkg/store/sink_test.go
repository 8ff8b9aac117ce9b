package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrine-agent/peregrine/pkg/graph"
)

type recordingBackend struct {
	mu      sync.Mutex
	calls   []string
	err     error
	block   chan struct{}
	started chan struct{}
}

func (b *recordingBackend) record(call string) error {
	if b.block != nil {
		select {
		case b.started <- struct{}{}:
		default:
		}
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	return b.err
}

func (b *recordingBackend) UpsertGraphNode(_ context.Context, _, _, nodeID, _, _ string, _ map[string]any) error {
	return b.record("upsert:" + nodeID)
}

func (b *recordingBackend) DeleteGraphNode(_ context.Context, _, _, nodeID string) error {
	return b.record("delete:" + nodeID)
}

func (b *recordingBackend) UpsertGraphEdge(_ context.Context, _, _, source, target, relation string, _ map[string]any) error {
	return b.record("edge:" + source + "->" + target + ":" + relation)
}

func (b *recordingBackend) AtomicUpsertGraphData(_ context.Context, batch GraphBatch) error {
	return b.record(fmt.Sprintf("batch:%dn/%de", len(batch.Nodes), len(batch.Edges)))
}

func (b *recordingBackend) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func TestSinkFlushesAllJobKinds(t *testing.T) {
	backend := &recordingBackend{}
	sink := NewSink(backend)

	sink.UpsertNode("task_1", "task", "st_1", "subtask", "pending", nil)
	sink.AddEdge("task_1", "task", "root", "st_1", "decomposition", nil)
	sink.DeleteNode("task_1", "task", "cn_staged123456")
	sink.UpsertBatch("task_1", "causal",
		[]graph.BatchNode{{NodeID: "cn_ev1234567890", NodeType: "Evidence"}},
		[]graph.BatchEdge{{Source: "cn_ev1234567890", Target: "cn_hy1234567890", Relation: "SUPPORTS"}})
	sink.Stop()

	calls := backend.snapshot()
	require.Len(t, calls, 4)
	assert.Contains(t, calls, "upsert:st_1")
	assert.Contains(t, calls, "edge:root->st_1:decomposition")
	assert.Contains(t, calls, "delete:cn_staged123456")
	assert.Contains(t, calls, "batch:1n/1e")
	assert.Zero(t, sink.Dropped())
}

func TestSinkBatchLandsAsSingleWrite(t *testing.T) {
	backend := &recordingBackend{}
	sink := NewSink(backend)

	sink.UpsertBatch("task_1", "causal",
		[]graph.BatchNode{
			{NodeID: "cn_ev1234567890", NodeType: "Evidence", Data: map[string]any{"description": "nmap output"}},
			{NodeID: "cn_hy1234567890", NodeType: "Hypothesis", Status: "PENDING"},
		},
		[]graph.BatchEdge{{Source: "cn_ev1234567890", Target: "cn_hy1234567890", Relation: "SUPPORTS"}})
	sink.Stop()

	// One backend call for the whole batch; the nodes and the edge never
	// go through separate transactions.
	assert.Equal(t, []string{"batch:2n/1e"}, backend.snapshot())
}

func TestSinkFailsOpenOnBackendError(t *testing.T) {
	backend := &recordingBackend{err: errors.New("connection refused")}
	sink := NewSink(backend)

	// Errors are logged, never surfaced; the queue keeps draining.
	sink.UpsertNode("task_1", "task", "st_1", "subtask", "pending", nil)
	sink.UpsertNode("task_1", "task", "st_2", "subtask", "pending", nil)
	sink.Stop()

	assert.Len(t, backend.snapshot(), 2)
}

func TestSinkShedsUnderBackpressure(t *testing.T) {
	backend := &recordingBackend{
		block:   make(chan struct{}),
		started: make(chan struct{}, sinkWorkers),
	}
	sink := NewSink(backend)

	// Park every worker on the blocked backend first so the remaining
	// capacity is exactly the queue.
	for i := 0; i < sinkWorkers; i++ {
		sink.UpsertNode("task_1", "task", "st_x", "subtask", "pending", nil)
	}
	for i := 0; i < sinkWorkers; i++ {
		<-backend.started
	}

	for i := 0; i < sinkQueueCap+25; i++ {
		sink.UpsertNode("task_1", "task", "st_x", "subtask", "pending", nil)
	}
	assert.EqualValues(t, 25, sink.Dropped())

	close(backend.block)
	sink.Stop()
	assert.Len(t, backend.snapshot(), sinkQueueCap+sinkWorkers)
}

func TestSinkStopIsIdempotent(t *testing.T) {
	sink := NewSink(&recordingBackend{})
	sink.Stop()
	sink.Stop()
}
