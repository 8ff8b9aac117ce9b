// Package session tracks running missions: one engine per session, started
// in the background and addressable for halt and cancellation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/engine"
	"github.com/peregrine-agent/peregrine/pkg/models"
)

var (
	// ErrEmptyGoal rejects a mission without a goal.
	ErrEmptyGoal = errors.New("session goal must not be empty")
	// ErrNotRunning reports a lifecycle action on a session this process
	// is not executing.
	ErrNotRunning = errors.New("session is not running in this process")
)

// maxDerivedNameLength bounds names derived from the goal text.
const maxDerivedNameLength = 60

// Store is the persistence slice the registry needs.
type Store interface {
	CreateSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, limit, offset int) (*models.SessionListResponse, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
}

// Emitter publishes session events.
type Emitter interface {
	Emit(event, sessionID string, payload map[string]any)
}

// Mission is one runnable engine instance.
type Mission interface {
	Run(ctx context.Context) (*models.MissionMetrics, error)
}

// Factory assembles the engine for a new session. The registry owns the
// run lifecycle; the factory owns the wiring.
type Factory func(sess *models.Session) (Mission, *engine.HaltLatch, error)

// Registry starts missions and tracks the ones running in this process.
type Registry struct {
	store   Store
	emitter Emitter
	factory Factory
	log     *slog.Logger

	mu      sync.Mutex
	running map[string]*runningMission
}

type runningMission struct {
	cancel context.CancelFunc
	halt   *engine.HaltLatch
	done   chan struct{}
}

// NewRegistry builds a registry over a store and an engine factory.
func NewRegistry(store Store, factory Factory, emitter Emitter, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:   store,
		emitter: emitter,
		factory: factory,
		log:     log.With("component", "session"),
		running: make(map[string]*runningMission),
	}
}

// Start persists a new session and launches its mission in the background.
// The returned session is already running (or failed to assemble).
func (r *Registry) Start(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, ErrEmptyGoal
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:        models.NewSessionID(),
		Name:      req.Name,
		Goal:      goal,
		Status:    models.SessionStatusPending,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if sess.Name == "" {
		sess.Name = deriveName(goal)
	}

	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	r.emit(models.EventSessionCreated, sess.ID, map[string]any{"goal": goal, "name": sess.Name})

	mission, halt, err := r.factory(sess)
	if err != nil {
		r.log.Error("failed to assemble mission", "session_id", sess.ID, "error", err)
		if serr := r.store.UpdateSessionStatus(ctx, sess.ID, models.SessionStatusFailed); serr != nil {
			r.log.Warn("failed to mark session failed", "session_id", sess.ID, "error", serr)
		}
		return nil, fmt.Errorf("assembling mission: %w", err)
	}

	// The run outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.Background())
	rm := &runningMission{cancel: cancel, halt: halt, done: make(chan struct{})}
	r.mu.Lock()
	r.running[sess.ID] = rm
	r.mu.Unlock()

	go func() {
		defer close(rm.done)
		defer func() {
			r.mu.Lock()
			delete(r.running, sess.ID)
			r.mu.Unlock()
		}()
		defer cancel()
		if _, runErr := mission.Run(runCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			r.log.Error("mission ended with error", "session_id", sess.ID, "error", runErr)
		}
	}()

	sess.Status = models.SessionStatusRunning
	return sess, nil
}

// Halt drops the halt signal for a running mission. The engine notices at
// its next probe point and winds the session down cleanly.
func (r *Registry) Halt(sessionID string) error {
	r.mu.Lock()
	rm, ok := r.running[sessionID]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	return rm.halt.Trigger()
}

// Stop cancels a running mission's context immediately.
func (r *Registry) Stop(sessionID string) error {
	r.mu.Lock()
	rm, ok := r.running[sessionID]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	rm.cancel()
	return nil
}

// Running reports whether this process is executing the session.
func (r *Registry) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

// ActiveCount returns the number of missions currently running.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Shutdown cancels every running mission and waits for them to finish or
// for the context to expire.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	pending := make([]*runningMission, 0, len(r.running))
	for _, rm := range r.running {
		rm.cancel()
		pending = append(pending, rm)
	}
	r.mu.Unlock()

	for _, rm := range pending {
		select {
		case <-rm.done:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) emit(event, sessionID string, payload map[string]any) {
	if r.emitter != nil {
		r.emitter.Emit(event, sessionID, payload)
	}
}

func deriveName(goal string) string {
	if len(goal) <= maxDerivedNameLength {
		return goal
	}
	return strings.TrimSpace(goal[:maxDerivedNameLength]) + "..."
}
