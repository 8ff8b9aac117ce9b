// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/peregrine-agent/peregrine/pkg/config"
)

// RetentionStore is the pruning slice of the persistence layer.
type RetentionStore interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically enforces retention policies:
//   - Deletes finished sessions past the retention window (cascade removes
//     their graph and event rows)
//   - Removes event-feed rows past their TTL
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config *config.RetentionConfig
	store  RetentionStore
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, store RetentionStore) *Service {
	return &Service{
		config: cfg,
		store:  store,
		logger: slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"session_retention_days", s.config.SessionRetentionDays,
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.deleteOldSessions(ctx)
	s.deleteExpiredEvents(ctx)
}

func (s *Service) deleteOldSessions(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.SessionRetentionDays)
	count, err := s.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: session delete failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: deleted old sessions", "count", count)
	}
}

func (s *Service) deleteExpiredEvents(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.EventTTL)
	count, err := s.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: cleaned up expired events", "count", count)
	}
}
