// Package store is the durable mirror of the in-memory session state. The
// engine treats the graph manager as authoritative; everything here exists
// for observers (API, WebSocket catchup) and post-mortem inspection, so
// writes fail open.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Store runs all SQL against the shared pool.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over the shared pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// --- sessions ---

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	config, err := marshalJSON(sess.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, goal, status, sort_index, config) VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.Name, sess.Goal, sess.Status, sess.SortIndex, config)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession fetches one session.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, goal, status, sort_index, config, created_at, updated_at FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) (*models.SessionListResponse, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, goal, status, sort_index, config, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	resp := &models.SessionListResponse{TotalCount: total, Limit: limit, Offset: offset}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		resp.Sessions = append(resp.Sessions, sess)
	}
	return resp, rows.Err()
}

// UpdateSessionStatus transitions a session's lifecycle status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- graph mirror ---

// UpsertGraphNode writes one node of either graph. Idempotent on
// (session_id, node_id, graph_type); re-upserting refreshes status and
// data and touches the owning session's updated_at to drive change feeds.
func (s *Store) UpsertGraphNode(ctx context.Context, sessionID, graphType, nodeID, nodeType, status string, data map[string]any) error {
	payload, err := marshalJSON(data)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin node upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertNodeTx(ctx, tx, sessionID, graphType, nodeID, nodeType, status, payload); err != nil {
		return err
	}
	if err := touchSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteGraphNode removes one mirrored node; used only for staged shadow
// entries, which are the only physically removable nodes.
func (s *Store) DeleteGraphNode(ctx context.Context, sessionID, graphType, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM graph_nodes WHERE session_id = $1 AND graph_type = $2 AND node_id = $3`,
		sessionID, graphType, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete graph node: %w", err)
	}
	return nil
}

// UpsertGraphEdge writes one edge. Idempotent on the full edge identity.
func (s *Store) UpsertGraphEdge(ctx context.Context, sessionID, graphType, source, target, relation string, data map[string]any) error {
	payload, err := marshalJSON(data)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin edge upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertEdgeTx(ctx, tx, sessionID, graphType, source, target, relation, payload); err != nil {
		return err
	}
	if err := touchSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// GraphNodeRow is one mirrored node row.
type GraphNodeRow struct {
	NodeID string
	Type   string
	Status string
	Data   map[string]any
}

// GraphEdgeRow is one mirrored edge row.
type GraphEdgeRow struct {
	Source   string
	Target   string
	Relation string
	Data     map[string]any
}

// GraphBatch is an atomic node+edge insertion: external readers see either
// none or all of it.
type GraphBatch struct {
	SessionID string
	GraphType string
	Nodes     []GraphNodeRow
	Edges     []GraphEdgeRow
}

// AtomicUpsertGraphData applies a whole batch in one transaction. Used for
// causal updates where edges must not appear without their nodes.
func (s *Store) AtomicUpsertGraphData(ctx context.Context, batch GraphBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin graph batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, node := range batch.Nodes {
		payload, err := marshalJSON(node.Data)
		if err != nil {
			return err
		}
		if err := upsertNodeTx(ctx, tx, batch.SessionID, batch.GraphType, node.NodeID, node.Type, node.Status, payload); err != nil {
			return err
		}
	}
	for _, edge := range batch.Edges {
		payload, err := marshalJSON(edge.Data)
		if err != nil {
			return err
		}
		if err := upsertEdgeTx(ctx, tx, batch.SessionID, batch.GraphType, edge.Source, edge.Target, edge.Relation, payload); err != nil {
			return err
		}
	}
	if err := touchSessionTx(ctx, tx, batch.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetGraphSnapshot reads back one graph for the API.
func (s *Store) GetGraphSnapshot(ctx context.Context, sessionID, graphType string) (*models.GraphSnapshot, error) {
	snap := &models.GraphSnapshot{GraphType: graphType}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, type, status, data FROM graph_nodes
		 WHERE session_id = $1 AND graph_type = $2 ORDER BY id`, sessionID, graphType)
	if err != nil {
		return nil, fmt.Errorf("failed to query graph nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nodeID, nodeType, status string
		var data []byte
		if err := rows.Scan(&nodeID, &nodeType, &status, &data); err != nil {
			return nil, err
		}
		node := map[string]any{"id": nodeID, "type": nodeType, "status": status}
		if len(data) > 0 {
			var extra map[string]any
			if err := json.Unmarshal(data, &extra); err == nil {
				for k, v := range extra {
					if _, exists := node[k]; !exists {
						node[k] = v
					}
				}
			}
		}
		snap.Nodes = append(snap.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT source_node_id, target_node_id, relation_type, data FROM graph_edges
		 WHERE session_id = $1 AND graph_type = $2 ORDER BY id`, sessionID, graphType)
	if err != nil {
		return nil, fmt.Errorf("failed to query graph edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var source, target, relation string
		var data []byte
		if err := edgeRows.Scan(&source, &target, &relation, &data); err != nil {
			return nil, err
		}
		edge := map[string]any{"source": source, "target": target, "relation": relation}
		if len(data) > 0 {
			var extra map[string]any
			if err := json.Unmarshal(data, &extra); err == nil {
				for k, v := range extra {
					if _, exists := edge[k]; !exists {
						edge[k] = v
					}
				}
			}
		}
		snap.Edges = append(snap.Edges, edge)
	}
	return snap, edgeRows.Err()
}

// --- event feed ---

// AppendEventLog writes one event-feed row. Most rows arrive through the
// events publisher; this direct path serves sink jobs and tests.
func (s *Store) AppendEventLog(ctx context.Context, sessionID, eventType string, content map[string]any) error {
	payload, err := marshalJSON(content)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO event_logs (session_id, event_type, content) VALUES ($1, $2, $3)`,
		sessionID, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to append event log: %w", err)
	}
	return nil
}

// GetEventsSince pages the event feed for WebSocket catchup and the API.
// Satisfies the events package's feed contract.
func (s *Store) GetEventsSince(ctx context.Context, sessionID string, sinceID int64, limit int) ([]models.EventRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, content, timestamp FROM event_logs
		 WHERE session_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		sessionID, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []models.EventRecord
	for rows.Next() {
		var rec models.EventRecord
		var content []byte
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.EventType, &content, &rec.Timestamp); err != nil {
			return nil, err
		}
		if len(content) > 0 {
			if err := json.Unmarshal(content, &rec.Content); err != nil {
				return nil, fmt.Errorf("failed to decode event content: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- interventions ---

// CreateIntervention persists a new pending approval request.
func (s *Store) CreateIntervention(ctx context.Context, iv *models.Intervention) error {
	request, err := marshalJSON(iv.RequestData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interventions (id, session_id, type, status, request_data) VALUES ($1, $2, $3, $4, $5)`,
		iv.ID, iv.SessionID, iv.Kind, iv.Status, request)
	if err != nil {
		return fmt.Errorf("failed to create intervention: %w", err)
	}
	return nil
}

// GetIntervention fetches one request.
func (s *Store) GetIntervention(ctx context.Context, id string) (*models.Intervention, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, type, status, request_data, response_data, created_at, updated_at
		 FROM interventions WHERE id = $1`, id)
	return scanIntervention(row)
}

// GetPendingIntervention returns the most recent pending request for a
// session, or ErrNotFound.
func (s *Store) GetPendingIntervention(ctx context.Context, sessionID string) (*models.Intervention, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, type, status, request_data, response_data, created_at, updated_at
		 FROM interventions WHERE session_id = $1 AND status = $2
		 ORDER BY created_at DESC LIMIT 1`, sessionID, models.InterventionPending)
	return scanIntervention(row)
}

// ResolveIntervention transitions a pending request to a terminal status.
// The guard on the current status makes the first writer win: a second
// resolution attempt affects zero rows and returns false.
func (s *Store) ResolveIntervention(ctx context.Context, id, status string, response map[string]any) (bool, error) {
	payload, err := marshalJSON(response)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE interventions SET status = $2, response_data = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		id, status, payload, models.InterventionPending)
	if err != nil {
		return false, fmt.Errorf("failed to resolve intervention: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// --- retention ---

// DeleteEventsBefore prunes event-feed rows older than the cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune event logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteSessionsBefore removes sessions older than the cutoff; the graph
// mirror, event feed, and interventions cascade.
func (s *Store) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- helpers ---

func upsertNodeTx(ctx context.Context, tx *sql.Tx, sessionID, graphType, nodeID, nodeType, status string, payload []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO graph_nodes (session_id, node_id, graph_type, type, status, data)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, node_id, graph_type)
		 DO UPDATE SET type = EXCLUDED.type, status = EXCLUDED.status, data = EXCLUDED.data, updated_at = now()`,
		sessionID, nodeID, graphType, nodeType, status, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert graph node %s: %w", nodeID, err)
	}
	return nil
}

func upsertEdgeTx(ctx context.Context, tx *sql.Tx, sessionID, graphType, source, target, relation string, payload []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO graph_edges (session_id, source_node_id, target_node_id, graph_type, relation_type, data)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id, source_node_id, target_node_id, graph_type, relation_type)
		 DO UPDATE SET data = EXCLUDED.data`,
		sessionID, source, target, graphType, relation, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert graph edge %s->%s: %w", source, target, err)
	}
	return nil
}

func touchSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}
	return nil
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json payload: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var config []byte
	err := row.Scan(&sess.ID, &sess.Name, &sess.Goal, &sess.Status, &sess.SortIndex, &config, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &sess.Config); err != nil {
			return nil, fmt.Errorf("failed to decode session config: %w", err)
		}
	}
	return &sess, nil
}

func scanIntervention(row rowScanner) (*models.Intervention, error) {
	var iv models.Intervention
	var request, response []byte
	err := row.Scan(&iv.ID, &iv.SessionID, &iv.Kind, &iv.Status, &request, &response, &iv.CreatedAt, &iv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan intervention: %w", err)
	}
	if len(request) > 0 {
		if err := json.Unmarshal(request, &iv.RequestData); err != nil {
			return nil, fmt.Errorf("failed to decode request data: %w", err)
		}
	}
	if len(response) > 0 {
		if err := json.Unmarshal(response, &iv.ResponseData); err != nil {
			return nil, fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return &iv, nil
}
