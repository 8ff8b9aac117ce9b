package events

import (
	"time"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// wirePayload is the JSON shape delivered over NOTIFY and WebSocket: the
// envelope flattened with routing fields the clients filter on.
type wirePayload struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
	DBEventID *int64         `json:"db_event_id,omitempty"`
}

func toWirePayload(env models.Envelope) wirePayload {
	ts := env.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	return wirePayload{
		Type:      env.Event,
		SessionID: env.SessionID,
		Payload:   env.Payload,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}

// transientEvents are announced via NOTIFY but never written to the
// durable feed. llm.* traffic is high-frequency and replayable from the
// broker's ring instead.
func isTransient(event string) bool {
	switch event {
	case models.EventLLMRequest, models.EventLLMResponse:
		return true
	}
	return false
}
