// Package intervention mediates human-in-the-loop approval between the
// engine and external approvers. Requests live in the database so any
// approver surface (terminal, web UI) can resolve them; the requesting
// goroutine polls the durable row rather than holding an in-process
// channel, which lets approvals survive its own process staying busy.
package intervention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/store"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = time.Hour
)

// ErrUnknownAction is returned for a decision action outside
// APPROVE/REJECT/MODIFY.
var ErrUnknownAction = errors.New("unknown decision action")

// Store is the slice of the SQL store the manager needs.
type Store interface {
	CreateIntervention(ctx context.Context, iv *models.Intervention) error
	GetIntervention(ctx context.Context, id string) (*models.Intervention, error)
	GetPendingIntervention(ctx context.Context, sessionID string) (*models.Intervention, error)
	ResolveIntervention(ctx context.Context, id, status string, response map[string]any) (bool, error)
}

// Emitter publishes broker events.
type Emitter interface {
	Emit(event, sessionID string, payload map[string]any)
}

// Manager implements the approval lifecycle.
type Manager struct {
	store        Store
	emitter      Emitter
	enabled      bool
	pollInterval time.Duration
	timeout      time.Duration
	log          *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithEnabled toggles the human-in-the-loop gate. When disabled every
// approval request returns APPROVE immediately without persisting.
func WithEnabled(enabled bool) Option {
	return func(m *Manager) { m.enabled = enabled }
}

// WithPollInterval overrides the store polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithTimeout overrides the default approval deadline.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager creates an intervention manager. HITL is enabled by default.
func NewManager(st Store, emitter Emitter, opts ...Option) *Manager {
	m := &Manager{
		store:        st,
		emitter:      emitter,
		enabled:      true,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
		log:          slog.With("component", "intervention"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether the HITL gate is active.
func (m *Manager) Enabled() bool { return m.enabled }

// RequestApproval creates a persistent request, announces it, and blocks
// until an approver resolves it or the timeout elapses. On timeout the
// request is resolved as timed_out and the caller gets REJECT; if an
// approver raced the timeout, their decision wins.
func (m *Manager) RequestApproval(ctx context.Context, sessionID, kind string, payload map[string]any, timeout time.Duration) (*models.Decision, error) {
	if !m.enabled {
		return &models.Decision{Action: models.DecisionApprove}, nil
	}
	if timeout <= 0 {
		timeout = m.timeout
	}

	iv := &models.Intervention{
		ID:          "iv_" + uuid.NewString()[:8],
		SessionID:   sessionID,
		Kind:        kind,
		Status:      models.InterventionPending,
		RequestData: payload,
	}
	if err := m.store.CreateIntervention(ctx, iv); err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	m.emitter.Emit(models.EventInterventionRequired, sessionID, map[string]any{
		"intervention_id": iv.ID,
		"kind":            kind,
		"request_data":    payload,
	})
	m.log.Info("approval requested",
		"session_id", sessionID, "intervention_id", iv.ID, "kind", kind, "timeout", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The caller abandoned the request, usually because another
			// approval channel won. Close the row so the UI stops showing a
			// stale pending approval; losing this write means an approver
			// resolved it first, which is fine either way.
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if won, rerr := m.store.ResolveIntervention(cleanupCtx, iv.ID, models.InterventionCancelled, map[string]any{
				"reason": "superseded by another approval channel",
			}); rerr == nil && won {
				m.emitter.Emit(models.EventInterventionResolved, sessionID, map[string]any{
					"intervention_id": iv.ID,
					"action":          models.DecisionReject,
					"reason":          "cancelled",
				})
			}
			return nil, ctx.Err()
		case <-deadline.C:
			return m.expire(ctx, iv.ID, sessionID)
		case <-ticker.C:
			current, err := m.store.GetIntervention(ctx, iv.ID)
			if err != nil {
				m.log.Warn("approval poll failed", "intervention_id", iv.ID, "error", err)
				continue
			}
			if current.Resolved() {
				return decisionFrom(current), nil
			}
		}
	}
}

// expire resolves the request as timed_out. Losing the conditional update
// means an approver got there first; their decision is returned instead.
func (m *Manager) expire(ctx context.Context, id, sessionID string) (*models.Decision, error) {
	won, err := m.store.ResolveIntervention(ctx, id, models.InterventionTimedOut, map[string]any{
		"action": models.DecisionReject,
		"reason": "timed_out",
	})
	if err != nil {
		m.log.Warn("failed to mark approval timed out", "intervention_id", id, "error", err)
	}
	if won {
		m.emitter.Emit(models.EventInterventionResolved, sessionID, map[string]any{
			"intervention_id": id,
			"action":          models.DecisionReject,
			"reason":          "timed_out",
		})
		m.log.Warn("approval timed out", "intervention_id", id)
		return &models.Decision{Action: models.DecisionReject, Reason: "timed_out"}, nil
	}
	current, err := m.store.GetIntervention(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read raced approval: %w", err)
	}
	return decisionFrom(current), nil
}

// GetPending returns the most recent pending request for a session, or
// nil when there is none.
func (m *Manager) GetPending(ctx context.Context, sessionID string) (*models.Intervention, error) {
	iv, err := m.store.GetPendingIntervention(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return iv, nil
}

// SubmitDecision resolves a pending request. The first writer wins;
// submitting against an already-resolved request returns true without
// overwriting the stored decision.
func (m *Manager) SubmitDecision(ctx context.Context, requestID, action string, modified map[string]any, reason string) (bool, error) {
	status, err := statusForAction(action)
	if err != nil {
		return false, err
	}

	response := map[string]any{"action": action}
	if modified != nil {
		response["data"] = modified
	}
	if reason != "" {
		response["reason"] = reason
	}

	won, err := m.store.ResolveIntervention(ctx, requestID, status, response)
	if err != nil {
		return false, err
	}
	if won {
		iv, err := m.store.GetIntervention(ctx, requestID)
		if err != nil {
			return true, nil
		}
		m.emitter.Emit(models.EventInterventionResolved, iv.SessionID, map[string]any{
			"intervention_id": requestID,
			"action":          action,
		})
		m.log.Info("approval resolved",
			"session_id", iv.SessionID, "intervention_id", requestID, "action", action)
		return true, nil
	}

	// Lost the race: idempotent-true if the request exists and is resolved.
	iv, err := m.store.GetIntervention(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("intervention %s: %w", requestID, store.ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return iv.Resolved(), nil
}

func statusForAction(action string) (string, error) {
	switch action {
	case models.DecisionApprove:
		return models.InterventionApproved, nil
	case models.DecisionReject:
		return models.InterventionRejected, nil
	case models.DecisionModify:
		return models.InterventionModified, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// decisionFrom maps a resolved row back to the caller's decision. MODIFY
// carries the replacement payload in response_data.
func decisionFrom(iv *models.Intervention) *models.Decision {
	decision := &models.Decision{}
	switch iv.Status {
	case models.InterventionApproved:
		decision.Action = models.DecisionApprove
	case models.InterventionModified:
		decision.Action = models.DecisionModify
	case models.InterventionTimedOut:
		decision.Action = models.DecisionReject
		decision.Reason = "timed_out"
	default:
		decision.Action = models.DecisionReject
	}
	if iv.ResponseData != nil {
		if data, ok := iv.ResponseData["data"].(map[string]any); ok {
			decision.Data = data
		}
		if reason, ok := iv.ResponseData["reason"].(string); ok && reason != "" {
			decision.Reason = reason
		}
	}
	return decision
}
