// Package events provides event delivery for the engine: an in-process
// broker for engine-internal subscribers, plus WebSocket fan-out backed by
// PostgreSQL NOTIFY/LISTEN so observers on other processes see the same
// feed.
//
// Two delivery paths:
//
//   - Broker (broker.go): bounded, lossy, in-process. Engine components
//     emit here; the publisher bridge and API consume.
//   - Publisher + NotifyListener + ConnectionManager: durable events are
//     written to the event_logs table and announced via pg_notify; the
//     listener dispatches notifications to local WebSocket subscribers,
//     who can catch up on missed rows by id.
//
// High-frequency llm.* events skip the durable feed; the broker keeps a
// bounded replay ring for them instead.
package events

import "strings"

// GlobalSessionsChannel carries cross-session lifecycle events for the
// session list view.
const GlobalSessionsChannel = "sessions"

// SessionChannel returns the NOTIFY channel for one session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// SessionFromChannel extracts the session id from a session channel name;
// empty for non-session channels.
func SessionFromChannel(channel string) string {
	return strings.TrimPrefix(channel, "session:")
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // Channel name (e.g., "session:task_123")
	LastEventID *int   `json:"last_event_id,omitempty"` // For catchup
}
