package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps how many missed events one catchup response replays.
// Beyond it the client is told to reload the session over REST instead of
// paginating through the feed.
const catchupLimit = 200

// listenTimeout bounds the LISTEN round trip when a subscription brings a
// new PG channel online. Without it a stalled connection would park the
// subscribing client's read loop forever.
const listenTimeout = 10 * time.Second

// CatchupEvent is one replayed row of the durable event feed.
type CatchupEvent struct {
	ID      int
	Payload map[string]any
}

// CatchupQuerier pages missed events for late subscribers. The FeedAdapter
// over the store is the production implementation.
type CatchupQuerier interface {
	GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error)
}

// ConnectionManager owns this process's WebSocket clients and their channel
// subscriptions. Broadcasts arrive from the NotifyListener, so clients of
// every engine process see the same session feed regardless of which
// process runs the mission.
type ConnectionManager struct {
	connections map[string]*Connection // connection id -> client
	mu          sync.RWMutex

	subscribers map[string]map[string]bool // channel -> connection id set
	subMu       sync.RWMutex

	catchup CatchupQuerier

	// Set once at startup, after both sides exist.
	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
}

// Connection is one WebSocket client.
//
// subscriptions is touched without a lock: every read and write happens on
// the goroutine that owns the connection (HandleConnection's read loop and
// its deferred cleanup). Mutating it from anywhere else requires adding a
// mutex first.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager builds an empty manager. writeTimeout bounds every
// send to a single client.
func NewConnectionManager(catchup CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		subscribers:  make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the NotifyListener in once both ends exist.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection runs one client's lifecycle after the HTTP upgrade and
// blocks until the socket closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return // closed or broken, cleanup runs in the defer
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.dispatch(ctx, c, &msg)
	}
}

// Broadcast delivers one event payload to every local subscriber of the
// channel. Connection pointers are snapshotted under the locks and sends
// happen outside them, so a slow client never stalls register/unregister.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.subMu.RLock()
	ids := make([]string, 0, len(m.subscribers[channel]))
	for id := range m.subscribers[channel] {
		ids = append(ids, id)
	}
	m.subMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	for _, conn := range m.connsByID(ids) {
		if err := m.sendRaw(conn, event); err != nil {
			slog.Warn("Failed to send to WebSocket client", "connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections reports the number of live clients.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount reports a channel's local subscribers; tests poll it
// instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.subscribers[channel])
}

// dispatch routes one client message.
func (m *ConnectionManager) dispatch(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.Channel); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"channel": msg.Channel,
				"message": "failed to subscribe to channel",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Replay everything the client missed before it subscribed.
		m.handleCatchup(ctx, c, msg.Channel, 0)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for catchup"})
			return
		}
		if msg.LastEventID != nil {
			m.handleCatchup(ctx, c, msg.Channel, *msg.LastEventID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe adds the client to a channel and, for the channel's first local
// subscriber, brings the PG LISTEN online synchronously. LISTEN must be
// active before the auto-catchup runs, or events published between the two
// would be lost. A LISTEN failure is returned so the caller reports it
// instead of confirming a subscription that cannot deliver.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.subMu.Lock()
	first := false
	if _, ok := m.subscribers[channel]; !ok {
		m.subscribers[channel] = make(map[string]bool)
		first = true
	}
	m.subscribers[channel][c.ID] = true
	m.subMu.Unlock()

	if first {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(context.Background(), listenTimeout)
			defer cancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.dropFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// dropFailedChannel removes every subscriber of a channel after a LISTEN
// failure and tells each affected client (the triggering one learns through
// the returned error instead).
//
// Between the subMu unlock in subscribe and l.Subscribe returning, other
// clients may have joined the same channel; they saw it existing, skipped
// LISTEN, and got a confirmation for a subscription with no PG feed behind
// it. Those are the orphans cleaned up here. An orphan can therefore
// observe confirmed -> catchup rows -> subscription.error; the error is
// authoritative, and the client must discard the channel's events and
// re-subscribe or fall back to REST.
//
// The stale c.subscriptions entry on affected clients is harmless:
// Broadcast reads m.subscribers (just deleted), and unsubscribe tolerates
// missing channels.
func (m *ConnectionManager) dropFailedChannel(triggering *Connection, channel string) {
	m.subMu.Lock()
	affected := make([]string, 0, len(m.subscribers[channel]))
	for id := range m.subscribers[channel] {
		if id != triggering.ID {
			affected = append(affected, id)
		}
	}
	delete(m.subscribers, channel)
	m.subMu.Unlock()

	for _, conn := range m.connsByID(affected) {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":    "subscription.error",
			"channel": channel,
			"message": "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes the client from a channel and retires the PG LISTEN
// once the last local subscriber leaves.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.subMu.Lock()
	if subs, ok := m.subscribers[channel]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.subscribers, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				// The goroutine re-checks for a resubscribe before issuing
				// UNLISTEN; a rapid unsubscribe/resubscribe cycle must not
				// end with the LISTEN silently dropped.
				go func() {
					m.subMu.RLock()
					_, resubscribed := m.subscribers[channel]
					m.subMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.subMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays feed rows newer than lastEventID to one client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastEventID int) {
	if m.catchup == nil {
		return
	}

	// One extra row detects overflow past the limit.
	events, err := m.catchup.GetCatchupEvents(ctx, channel, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}
	overflow := len(events) > catchupLimit
	if overflow {
		events = events[:catchupLimit]
	}

	// Stored payloads carry no db_event_id (it is stamped on the NOTIFY
	// wire at publish time), so the row id is injected here for the
	// client's position tracking.
	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}

	if overflow {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"channel":  channel,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// connsByID resolves connection ids to live pointers without holding the
// lock past the lookup.
func (m *ConnectionManager) connsByID(ids []string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
