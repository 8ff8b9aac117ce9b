package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// Reconnect backoff bounds for the dedicated LISTEN connection.
const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// chanCmd is one LISTEN or UNLISTEN statement routed through the receive
// loop. The loop is the only goroutine allowed to touch the pgx connection;
// executing commands anywhere else races WaitForNotification with a "conn
// busy" error.
type chanCmd struct {
	sql  string
	done chan error
}

// NotifyListener holds one dedicated PostgreSQL connection under LISTEN and
// feeds incoming session notifications to the local ConnectionManager. Each
// engine process runs exactly one listener; which channels it watches
// follows the WebSocket subscriptions of that process's clients.
type NotifyListener struct {
	connString string
	manager    *ConnectionManager

	conn   *pgx.Conn
	connMu sync.Mutex

	channels   map[string]bool // channels currently under LISTEN
	channelsMu sync.RWMutex

	cmds    chan chanCmd
	running atomic.Bool

	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewNotifyListener builds a listener that dispatches to the given manager.
// No connection is opened until Start.
func NewNotifyListener(connString string, manager *ConnectionManager) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		manager:    manager,
		channels:   make(map[string]bool),
		cmds:       make(chan chanCmd, 16),
	}
}

// Start opens the dedicated connection and launches the receive loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	// The loop gets its own cancellable context so Stop can order it out
	// before the connection is closed under it.
	loopCtx, cancel := context.WithCancel(ctx)
	l.stopLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Session event listener started")
	return nil
}

// Subscribe puts a channel under LISTEN. Idempotent per channel; the first
// caller pays for the round trip through the receive loop.
func (l *NotifyListener) Subscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	already := l.channels[channel]
	l.channelsMu.Unlock()
	if already {
		return nil
	}
	if !l.running.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.exec(ctx, "LISTEN "+sanitized); err != nil {
		return fmt.Errorf("LISTEN %s failed: %w", sanitized, err)
	}

	l.channelsMu.Lock()
	l.channels[channel] = true
	l.channelsMu.Unlock()
	slog.Debug("Listening on session channel", "channel", channel)
	return nil
}

// Unsubscribe drops a channel's LISTEN once its last local subscriber is
// gone. A channel that was never subscribed is a no-op.
func (l *NotifyListener) Unsubscribe(ctx context.Context, channel string) error {
	l.channelsMu.Lock()
	listening := l.channels[channel]
	l.channelsMu.Unlock()
	if !listening || !l.running.Load() {
		return nil
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.exec(ctx, "UNLISTEN "+sanitized); err != nil {
		return fmt.Errorf("UNLISTEN %s failed: %w", sanitized, err)
	}

	l.channelsMu.Lock()
	delete(l.channels, channel)
	l.channelsMu.Unlock()
	return nil
}

// exec hands one statement to the receive loop and waits for its verdict.
func (l *NotifyListener) exec(ctx context.Context, sql string) error {
	cmd := chanCmd{sql: sql, done: make(chan error, 1)}
	select {
	case l.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop waits for notifications and fans them out to local WebSocket
// subscribers. Between waits it drains pending LISTEN/UNLISTEN commands,
// which is why the wait runs under a short timeout.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainCommands(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue // wait window elapsed, check for commands
			}
			slog.Error("Session notification receive failed", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.manager.Broadcast(notification.Channel, []byte(notification.Payload))
	}
}

// drainCommands executes every queued LISTEN/UNLISTEN statement on the
// dedicated connection.
func (l *NotifyListener) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-l.cmds:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				cmd.done <- fmt.Errorf("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.done <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the dedicated connection with exponential
// backoff and restores every channel that was under LISTEN before the
// drop. Clients missed nothing durable: the event feed keeps the rows and
// catchup replays them by id.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		l.conn = conn

		l.channelsMu.RLock()
		for ch := range l.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				slog.Error("Failed to restore LISTEN after reconnect", "channel", ch, "error", err)
			}
		}
		l.channelsMu.RUnlock()

		slog.Info("Session event listener reconnected")
		return
	}
}

// Stop orders the receive loop out, waits for it, then closes the
// connection. Closing first would race WaitForNotification.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.running.Store(false)

	if l.stopLoop != nil {
		l.stopLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
