package events

import (
	"context"
	"encoding/json"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// EventFeed pages the durable event feed. Implemented by store.Store.
type EventFeed interface {
	GetEventsSince(ctx context.Context, sessionID string, sinceID int64, limit int) ([]models.EventRecord, error)
}

// FeedAdapter turns the store's event feed into a CatchupQuerier for the
// WebSocket connection manager.
type FeedAdapter struct {
	feed EventFeed
}

// NewFeedAdapter creates a CatchupQuerier over the event feed.
func NewFeedAdapter(feed EventFeed) *FeedAdapter {
	return &FeedAdapter{feed: feed}
}

// GetCatchupEvents queries events since sinceID for the catchup mechanism.
// The channel name carries the session id.
func (a *FeedAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	sessionID := SessionFromChannel(channel)
	records, err := a.feed.GetEventsSince(ctx, sessionID, int64(sinceID), limit)
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, len(records))
	for i, rec := range records {
		wire := toWirePayload(models.Envelope{
			Event:     rec.EventType,
			TS:        rec.Timestamp,
			SessionID: rec.SessionID,
			Payload:   rec.Content,
		})
		// Round-trip through JSON so catchup rows share the NOTIFY shape.
		data, mErr := json.Marshal(wire)
		if mErr != nil {
			continue
		}
		var payload map[string]any
		if uErr := json.Unmarshal(data, &payload); uErr != nil {
			continue
		}
		result[i] = CatchupEvent{ID: int(rec.ID), Payload: payload}
	}
	return result, nil
}
