package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

const (
	// subscriberQueueCap bounds each subscriber's queue. When a queue is
	// full the newest envelope is dropped for that subscriber only.
	subscriberQueueCap = 1000

	// replayRingCap is how many llm.* envelopes are retained per session
	// for late subscribers.
	replayRingCap = 100
)

// Broker is the in-process publish/subscribe hub. Every engine component
// emits through it; the API's WebSocket layer and the cross-process
// publisher consume from it. Emission never blocks the caller.
type Broker struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]*subscriber

	// Replay ring of recent llm.* envelopes, keyed by session.
	llmBuffer map[string][]models.Envelope

	now func() time.Time
}

type subscriber struct {
	id        int
	sessionID string // empty matches every session
	ch        chan models.Envelope
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int]*subscriber),
		llmBuffer:   make(map[string][]models.Envelope),
		now:         time.Now,
	}
}

// Emit delivers a timestamped envelope to every subscriber whose session
// matches (all subscribers when sessionID is empty). A subscriber with a
// full queue misses this envelope; nobody else is affected.
func (b *Broker) Emit(event, sessionID string, payload map[string]any) {
	env := models.Envelope{
		Event:     event,
		TS:        b.now(),
		SessionID: sessionID,
		Payload:   payload,
	}

	// Sends stay under the lock so a concurrent unsubscribe cannot close
	// a channel mid-send. Sends are non-blocking, so the hold is short.
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID != "" && strings.HasPrefix(event, "llm.") {
		ring := append(b.llmBuffer[sessionID], env)
		if len(ring) > replayRingCap {
			ring = ring[len(ring)-replayRingCap:]
		}
		b.llmBuffer[sessionID] = ring
	}

	for _, sub := range b.subscribers {
		if sessionID != "" && sub.sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Queue full: drop newest for this subscriber.
		}
	}
}

// Subscribe registers a session-scoped subscriber. The returned channel is
// closed when ctx is cancelled. An empty sessionID subscribes to every
// session.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) <-chan models.Envelope {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan models.Envelope, subscriberQueueCap),
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, sub.id)
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub.ch
}

// SubscribeAll registers a subscriber that receives every envelope
// regardless of session. Used by the cross-process publisher bridge.
func (b *Broker) SubscribeAll(ctx context.Context) <-chan models.Envelope {
	return b.Subscribe(ctx, "")
}

// Replay returns the buffered llm.* envelopes for a session, oldest first.
func (b *Broker) Replay(sessionID string) []models.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]models.Envelope(nil), b.llmBuffer[sessionID]...)
}

// ClearBuffer drops the session's replay ring. Called when a session ends.
func (b *Broker) ClearBuffer(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.llmBuffer, sessionID)
}

// SubscriberCount reports active subscribers; used by shutdown diagnostics
// and tests.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
