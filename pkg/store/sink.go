package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/graph"
)

const (
	sinkQueueCap   = 2048
	sinkWorkers    = 2
	sinkJobTimeout = 10 * time.Second
)

// sinkBackend is the slice of the store the sink writes through. Narrowed
// for unit tests.
type sinkBackend interface {
	UpsertGraphNode(ctx context.Context, sessionID, graphType, nodeID, nodeType, status string, data map[string]any) error
	DeleteGraphNode(ctx context.Context, sessionID, graphType, nodeID string) error
	UpsertGraphEdge(ctx context.Context, sessionID, graphType, source, target, relation string, data map[string]any) error
	AtomicUpsertGraphData(ctx context.Context, batch GraphBatch) error
}

type sinkJob struct {
	kind      string
	sessionID string
	graphType string
	nodeID    string
	nodeType  string
	status    string
	source    string
	target    string
	relation  string
	data      map[string]any
	nodes     []GraphNodeRow
	edges     []GraphEdgeRow
}

// Sink mirrors graph mutations to the database asynchronously. Enqueue
// never blocks the engine loop: when the queue is full the job is dropped
// and counted, and database errors are logged rather than surfaced. The
// in-memory graph stays authoritative either way.
type Sink struct {
	backend sinkBackend
	jobs    chan sinkJob
	wg      sync.WaitGroup
	stop    sync.Once
	dropped atomic.Int64
	log     *slog.Logger
}

// NewSink starts the worker pool.
func NewSink(backend sinkBackend) *Sink {
	s := &Sink{
		backend: backend,
		jobs:    make(chan sinkJob, sinkQueueCap),
		log:     slog.With("component", "graph_sink"),
	}
	s.wg.Add(sinkWorkers)
	for i := 0; i < sinkWorkers; i++ {
		go s.worker()
	}
	return s
}

// UpsertNode implements the graph manager's sink contract.
func (s *Sink) UpsertNode(sessionID, graphType, nodeID, nodeType, status string, data map[string]any) {
	s.enqueue(sinkJob{
		kind:      "upsert_node",
		sessionID: sessionID,
		graphType: graphType,
		nodeID:    nodeID,
		nodeType:  nodeType,
		status:    status,
		data:      data,
	})
}

// DeleteNode removes a mirrored node, used for staged shadow entries.
func (s *Sink) DeleteNode(sessionID, graphType, nodeID string) {
	s.enqueue(sinkJob{
		kind:      "delete_node",
		sessionID: sessionID,
		graphType: graphType,
		nodeID:    nodeID,
	})
}

// AddEdge mirrors an edge insertion.
func (s *Sink) AddEdge(sessionID, graphType, source, target, relation string, data map[string]any) {
	s.enqueue(sinkJob{
		kind:      "add_edge",
		sessionID: sessionID,
		graphType: graphType,
		source:    source,
		target:    target,
		relation:  relation,
		data:      data,
	})
}

// UpsertBatch mirrors a validated causal batch in one transaction, so the
// database never holds the batch's edges without their nodes.
func (s *Sink) UpsertBatch(sessionID, graphType string, nodes []graph.BatchNode, edges []graph.BatchEdge) {
	job := sinkJob{
		kind:      "upsert_batch",
		sessionID: sessionID,
		graphType: graphType,
		nodes:     make([]GraphNodeRow, 0, len(nodes)),
		edges:     make([]GraphEdgeRow, 0, len(edges)),
	}
	for _, n := range nodes {
		job.nodes = append(job.nodes, GraphNodeRow{NodeID: n.NodeID, Type: n.NodeType, Status: n.Status, Data: n.Data})
	}
	for _, e := range edges {
		job.edges = append(job.edges, GraphEdgeRow{Source: e.Source, Target: e.Target, Relation: e.Relation, Data: e.Data})
	}
	s.enqueue(job)
}

// Dropped reports how many jobs were shed under backpressure.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Stop drains the queue and waits for in-flight writes. Safe to call more
// than once.
func (s *Sink) Stop() {
	s.stop.Do(func() {
		close(s.jobs)
		s.wg.Wait()
		if n := s.dropped.Load(); n > 0 {
			s.log.Warn("sink shed graph writes under backpressure", "dropped", n)
		}
	})
}

func (s *Sink) enqueue(job sinkJob) {
	select {
	case s.jobs <- job:
	default:
		s.dropped.Add(1)
	}
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		s.apply(job)
	}
}

func (s *Sink) apply(job sinkJob) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkJobTimeout)
	defer cancel()

	var err error
	switch job.kind {
	case "upsert_node":
		err = s.backend.UpsertGraphNode(ctx, job.sessionID, job.graphType, job.nodeID, job.nodeType, job.status, job.data)
	case "delete_node":
		err = s.backend.DeleteGraphNode(ctx, job.sessionID, job.graphType, job.nodeID)
	case "add_edge":
		err = s.backend.UpsertGraphEdge(ctx, job.sessionID, job.graphType, job.source, job.target, job.relation, job.data)
	case "upsert_batch":
		err = s.backend.AtomicUpsertGraphData(ctx, GraphBatch{
			SessionID: job.sessionID,
			GraphType: job.graphType,
			Nodes:     job.nodes,
			Edges:     job.edges,
		})
	}
	if err != nil {
		s.log.Error("graph mirror write failed",
			"kind", job.kind,
			"session_id", job.sessionID,
			"node_id", job.nodeID,
			"error", err)
	}
}
