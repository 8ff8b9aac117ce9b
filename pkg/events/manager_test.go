package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	events []CatchupEvent
	err    error
}

func (f *stubFeed) GetCatchupEvents(_ context.Context, _ string, _ int, limit int) ([]CatchupEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.events) > limit {
		return f.events[:limit], nil
	}
	return f.events, nil
}

// startFeedServer serves a manager over a test WebSocket endpoint.
func startFeedServer(t *testing.T, feed CatchupQuerier) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(feed, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)
	return manager, server
}

// dialFeed connects a client and consumes the connection.established frame.
func dialFeed(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+server.URL[len("http"):], nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	hello := readFrame(t, conn)
	require.Equal(t, "connection.established", hello["type"])
	require.NotEmpty(t, hello["connection_id"])
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// expectSilence asserts no frame arrives within a short window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err)
}

// subscribe sends the subscribe action and consumes the confirmation, then
// polls until the manager's subscriber table reflects it.
func subscribe(t *testing.T, m *ConnectionManager, conn *websocket.Conn, channel string) {
	t.Helper()
	send(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	msg := readFrame(t, conn)
	require.Equal(t, "subscription.confirmed", msg["type"])
	require.Equal(t, channel, msg["channel"])
	waitForSubscribers(t, m, channel, 1)
}

func waitForSubscribers(t *testing.T, m *ConnectionManager, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.subscriberCount(channel) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %d subscribers", channel, want)
}

func TestFeedSubscribeConfirms(t *testing.T) {
	manager, server := startFeedServer(t, &stubFeed{})
	conn := dialFeed(t, server)

	subscribe(t, manager, conn, "session:sess_0001")
	assert.Equal(t, 1, manager.ActiveConnections())
}

func TestFeedBroadcastReachesAllSubscribers(t *testing.T) {
	manager, server := startFeedServer(t, &stubFeed{})
	conn1 := dialFeed(t, server)
	conn2 := dialFeed(t, server)

	channel := "session:sess_cast"
	subscribe(t, manager, conn1, channel)
	send(t, conn2, ClientMessage{Action: "subscribe", Channel: channel})
	readFrame(t, conn2)
	waitForSubscribers(t, manager, channel, 2)

	payload, _ := json.Marshal(map[string]string{"type": "session.status_changed", "status": "running"})
	manager.Broadcast(channel, payload)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readFrame(t, conn)
		assert.Equal(t, "session.status_changed", msg["type"])
		assert.Equal(t, "running", msg["status"])
	}
}

func TestFeedBroadcastIsolatedPerChannel(t *testing.T) {
	manager, server := startFeedServer(t, &stubFeed{})
	conn1 := dialFeed(t, server)
	conn2 := dialFeed(t, server)

	subscribe(t, manager, conn1, "session:sess_a")
	subscribe(t, manager, conn2, "session:sess_b")

	payload, _ := json.Marshal(map[string]string{"type": "graph.changed", "session": "a"})
	manager.Broadcast("session:sess_a", payload)

	msg := readFrame(t, conn1)
	assert.Equal(t, "a", msg["session"])
	expectSilence(t, conn2)
}

func TestFeedOneClientManyChannels(t *testing.T) {
	manager, server := startFeedServer(t, &stubFeed{})
	conn := dialFeed(t, server)

	subscribe(t, manager, conn, "session:sess_a")
	subscribe(t, manager, conn, "session:sess_b")

	p1, _ := json.Marshal(map[string]string{"type": "graph.changed", "session": "a"})
	manager.Broadcast("session:sess_a", p1)
	assert.Equal(t, "a", readFrame(t, conn)["session"])

	p2, _ := json.Marshal(map[string]string{"type": "graph.changed", "session": "b"})
	manager.Broadcast("session:sess_b", p2)
	assert.Equal(t, "b", readFrame(t, conn)["session"])
}

func TestFeedUnsubscribeStopsDelivery(t *testing.T) {
	manager, server := startFeedServer(t, &stubFeed{})
	conn := dialFeed(t, server)

	channel := "session:sess_unsub"
	subscribe(t, manager, conn, channel)

	send(t, conn, ClientMessage{Action: "unsubscribe", Channel: channel})
	deadline := time.Now().Add(2 * time.Second)
	for manager.subscriberCount(channel) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Zero(t, manager.subscriberCount(channel))

	payload, _ := json.Marshal(map[string]string{"type": "session.status_changed"})
	manager.Broadcast(channel, payload)
	expectSilence(t, conn)
}

func TestFeedPingPong(t *testing.T) {
	_, server := startFeedServer(t, &stubFeed{})
	conn := dialFeed(t, server)

	send(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestFeedCatchupReplaysInOrder(t *testing.T) {
	feed := &stubFeed{events: []CatchupEvent{
		{ID: 10, Payload: map[string]any{"type": "timeline_event.created", "seq": float64(1)}},
		{ID: 11, Payload: map[string]any{"type": "stream.chunk", "seq": float64(2)}},
		{ID: 12, Payload: map[string]any{"type": "timeline_event.completed", "seq": float64(3)}},
	}}
	manager, server := startFeedServer(t, feed)
	conn := dialFeed(t, server)

	subscribe(t, manager, conn, "session:sess_catchup")

	// The subscribe above already ran one auto-catchup; drain it.
	for i := 0; i < 3; i++ {
		readFrame(t, conn)
	}

	last := 0
	send(t, conn, ClientMessage{Action: "catchup", Channel: "session:sess_catchup", LastEventID: &last})

	for i, wantID := range []float64{10, 11, 12} {
		msg := readFrame(t, conn)
		assert.Equal(t, float64(i+1), msg["seq"])
		// Row ids are stamped onto stored payloads during replay.
		assert.Equal(t, wantID, msg["db_event_id"])
	}
	expectSilence(t, conn)
}

func TestFeedCatchupOverflowSignalsHasMore(t *testing.T) {
	many := make([]CatchupEvent, catchupLimit+5)
	for i := range many {
		many[i] = CatchupEvent{ID: i + 1, Payload: map[string]any{"type": "stream.chunk", "seq": i}}
	}
	manager, server := startFeedServer(t, &stubFeed{events: many})
	conn := dialFeed(t, server)

	subscribe(t, manager, conn, "session:sess_flood")

	var overflow bool
	for i := 0; i < catchupLimit+5; i++ {
		msg := readFrame(t, conn)
		if msg["type"] == "catchup.overflow" {
			overflow = true
			assert.Equal(t, true, msg["has_more"])
			break
		}
	}
	assert.True(t, overflow, "expected catchup.overflow after the replay cap")
}

func TestFeedCatchupFailureKeepsConnectionAlive(t *testing.T) {
	manager, server := startFeedServer(t, &stubFeed{err: errors.New("database unreachable")})
	conn := dialFeed(t, server)

	subscribe(t, manager, conn, "session:sess_err")

	last := 0
	send(t, conn, ClientMessage{Action: "catchup", Channel: "session:sess_err", LastEventID: &last})

	// The query failure is logged, not fatal; the socket keeps working.
	send(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestFeedConcurrentBroadcasts(t *testing.T) {
	manager, server := startFeedServer(t, &stubFeed{})
	conn := dialFeed(t, server)

	channel := "session:sess_concurrent"
	subscribe(t, manager, conn, channel)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]any{"type": "stream.chunk", "idx": idx})
			manager.Broadcast(channel, payload)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		msg := readFrame(t, conn)
		assert.Equal(t, "stream.chunk", msg["type"])
	}
}

func TestFeedBroadcastWithoutSubscribers(t *testing.T) {
	manager, _ := startFeedServer(t, &stubFeed{})

	payload, _ := json.Marshal(map[string]string{"type": "session.status_changed"})
	assert.NotPanics(t, func() { manager.Broadcast("session:sess_nobody", payload) })
}

func TestFeedRejectsEmptyChannel(t *testing.T) {
	_, server := startFeedServer(t, &stubFeed{})
	conn := dialFeed(t, server)

	last := 0
	for _, msg := range []ClientMessage{
		{Action: "subscribe"},
		{Action: "unsubscribe"},
		{Action: "catchup", LastEventID: &last},
	} {
		send(t, conn, msg)
		reply := readFrame(t, conn)
		assert.Equal(t, "error", reply["type"])
		assert.Contains(t, reply["message"], "channel is required")
	}

	// Validation errors never kill the socket.
	send(t, conn, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestFeedSetListener(t *testing.T) {
	manager := NewConnectionManager(&stubFeed{}, 5*time.Second)
	assert.Nil(t, manager.listener)

	listener := NewNotifyListener("host=localhost", manager)
	manager.SetListener(listener)

	manager.listenerMu.RLock()
	assert.Equal(t, listener, manager.listener)
	manager.listenerMu.RUnlock()
}

func TestFeedDisconnectCleansUpSubscriptions(t *testing.T) {
	manager, server := startFeedServer(t, &stubFeed{})
	conn := dialFeed(t, server)

	channel := "session:sess_gone"
	subscribe(t, manager, conn, channel)
	require.Equal(t, 1, manager.ActiveConnections())

	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for manager.ActiveConnections() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, manager.ActiveConnections())
	assert.Zero(t, manager.subscriberCount(channel))

	payload, _ := json.Marshal(map[string]string{"type": "session.status_changed"})
	assert.NotPanics(t, func() { manager.Broadcast(channel, payload) })
}
