package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

func TestService_NilReceiver(t *testing.T) {
	var s *Service

	t.Run("MissionStarted is no-op", func(_ *testing.T) {
		s.MissionStarted(context.Background(), "task_1", "goal")
	})

	t.Run("MissionCompleted is no-op", func(_ *testing.T) {
		s.MissionCompleted(context.Background(), &models.MissionMetrics{TaskName: "task_1"})
	})
}

func TestNewService(t *testing.T) {
	t.Run("returns nil when token empty", func(t *testing.T) {
		assert.Nil(t, NewService(ServiceConfig{Token: "", Channel: "C123"}))
	})

	t.Run("returns nil when channel empty", func(t *testing.T) {
		assert.Nil(t, NewService(ServiceConfig{Token: "xoxb-test", Channel: ""}))
	})

	t.Run("returns service when configured", func(t *testing.T) {
		svc := NewService(ServiceConfig{
			Token:        "xoxb-test",
			Channel:      "C123",
			DashboardURL: "https://example.com",
		})
		assert.NotNil(t, svc)
	})
}

func TestService_MissionCompletedNilMetrics(t *testing.T) {
	svc := NewService(ServiceConfig{Token: "xoxb-test", Channel: "C123"})
	// Should not panic or attempt delivery.
	svc.MissionCompleted(context.Background(), nil)
}
