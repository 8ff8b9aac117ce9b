package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client:       NewClient(cfg.Token, cfg.Channel),
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
	}
}

// MissionStarted announces a new mission.
// Fail-open: errors are logged, never returned.
func (s *Service) MissionStarted(ctx context.Context, sessionID, goal string) {
	if s == nil {
		return
	}

	blocks := BuildStartedMessage(sessionID, goal, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 5*time.Second); err != nil {
		s.logger.Error("Failed to send Slack start notification",
			"session_id", sessionID,
			"error", err)
	}
}

// MissionCompleted announces a mission's outcome.
// Fail-open: errors are logged, never returned.
func (s *Service) MissionCompleted(ctx context.Context, metrics *models.MissionMetrics) {
	if s == nil || metrics == nil {
		return
	}

	blocks := BuildCompletedMessage(metrics, s.dashboardURL)
	if err := s.client.PostMessage(ctx, blocks, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack completion notification",
			"session_id", metrics.TaskName,
			"success", metrics.Success.Found,
			"error", err)
	}
}
