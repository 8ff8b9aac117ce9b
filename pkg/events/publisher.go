package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// EventPublisher writes engine events to the durable feed and announces
// them via pg_notify so every process's WebSocket layer sees them.
//
// Durable events are inserted into event_logs and notified in a single
// transaction (pg_notify is transactional and fires on COMMIT). Transient
// events are notified only.
type EventPublisher struct {
	db *sql.DB
}

// NewEventPublisher creates a publisher over the shared pool.
func NewEventPublisher(db *sql.DB) *EventPublisher {
	return &EventPublisher{db: db}
}

// Publish routes one envelope: durable events are persisted and notified,
// transient ones notified only. Session-status envelopes are additionally
// broadcast to the global sessions channel for the list view.
func (p *EventPublisher) Publish(ctx context.Context, env models.Envelope) error {
	wire := toWirePayload(env)
	channel := SessionChannel(env.SessionID)
	if env.SessionID == "" {
		channel = GlobalSessionsChannel
	}

	var err error
	if isTransient(env.Event) {
		err = p.notifyOnly(ctx, channel, wire)
	} else {
		err = p.persistAndNotify(ctx, env, channel, wire)
	}
	if err != nil {
		return err
	}

	if env.Event == models.EventSessionStatus && env.SessionID != "" {
		if gErr := p.notifyOnly(ctx, GlobalSessionsChannel, wire); gErr != nil {
			slog.Warn("Failed to publish session status to global channel",
				"session_id", env.SessionID, "error", gErr)
		}
	}
	return nil
}

// BridgeBroker forwards every broker envelope to the durable feed until
// ctx is cancelled. Runs as a background goroutine; publish failures are
// logged and skipped so the engine never stalls on the observer path.
func (p *EventPublisher) BridgeBroker(ctx context.Context, broker *Broker) {
	ch := broker.SubscribeAll(ctx)
	for env := range ch {
		if err := p.Publish(ctx, env); err != nil {
			slog.Warn("Failed to publish event",
				"event", env.Event, "session_id", env.SessionID, "error", err)
		}
	}
}

// persistAndNotify inserts the event row and fires pg_notify in one
// transaction, so observers never see a notification for a row that was
// rolled back.
func (p *EventPublisher) persistAndNotify(ctx context.Context, env models.Envelope, channel string, wire wirePayload) error {
	content, err := json.Marshal(wire.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event content: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO event_logs (session_id, event_type, content, timestamp) VALUES ($1, $2, $3, $4) RETURNING id`,
		env.SessionID, env.Event, content, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	wire.DBEventID = &eventID
	notifyPayload, err := marshalForNotify(wire)
	if err != nil {
		return err
	}

	// pg_notify within the same transaction is held until COMMIT.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts without persisting.
func (p *EventPublisher) notifyOnly(ctx context.Context, channel string, wire wirePayload) error {
	notifyPayload, err := marshalForNotify(wire)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// marshalForNotify serializes the wire payload, falling back to a minimal
// truncation envelope when the result would exceed PostgreSQL's NOTIFY
// payload limit. Clients fetch the full row by db_event_id.
func marshalForNotify(wire wirePayload) (string, error) {
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("failed to marshal NOTIFY payload: %w", err)
	}
	if len(data) <= 7900 {
		return string(data), nil
	}

	truncated := map[string]any{
		"type":       wire.Type,
		"session_id": wire.SessionID,
		"timestamp":  wire.Timestamp,
		"truncated":  true,
	}
	if wire.DBEventID != nil {
		truncated["db_event_id"] = *wire.DBEventID
	}
	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
