// Package api exposes the HTTP and WebSocket surface: session lifecycle,
// graph snapshots, the durable event feed, and human-in-the-loop
// decisions.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peregrine-agent/peregrine/pkg/events"
	"github.com/peregrine-agent/peregrine/pkg/models"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 200
	defaultEventLimit = 100
	maxEventLimit     = 500

	shutdownGrace = 10 * time.Second
)

// Store is the read side of the persistence layer the handlers need.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, limit, offset int) (*models.SessionListResponse, error)
	GetGraphSnapshot(ctx context.Context, sessionID, graphType string) (*models.GraphSnapshot, error)
	GetEventsSince(ctx context.Context, sessionID string, sinceID int64, limit int) ([]models.EventRecord, error)
}

// Registry starts and signals running missions.
type Registry interface {
	Start(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error)
	Halt(sessionID string) error
	Running(sessionID string) bool
}

// Interventions is the approval surface backing the HITL endpoints.
type Interventions interface {
	GetPending(ctx context.Context, sessionID string) (*models.Intervention, error)
	SubmitDecision(ctx context.Context, requestID, action string, modified map[string]any, reason string) (bool, error)
}

// HealthProbe reports a subsystem's health for the /health endpoint.
type HealthProbe func(ctx context.Context) error

// Server wires the handlers to their collaborators.
type Server struct {
	store         Store
	registry      Registry
	interventions Interventions
	connManager   *events.ConnectionManager

	dbProbe    HealthProbe
	mcpHealthy func() bool

	allowedWSOrigins []string
	version          string
	log              *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithConnectionManager attaches the WebSocket connection manager.
func WithConnectionManager(cm *events.ConnectionManager) Option {
	return func(s *Server) { s.connManager = cm }
}

// WithInterventions attaches the HITL approval surface.
func WithInterventions(iv Interventions) Option {
	return func(s *Server) { s.interventions = iv }
}

// WithDBProbe sets the database health probe.
func WithDBProbe(probe HealthProbe) Option {
	return func(s *Server) { s.dbProbe = probe }
}

// WithMCPHealth sets the MCP health predicate.
func WithMCPHealth(healthy func() bool) Option {
	return func(s *Server) { s.mcpHealthy = healthy }
}

// WithAllowedWSOrigins sets extra WebSocket origin patterns.
func WithAllowedWSOrigins(origins []string) Option {
	return func(s *Server) { s.allowedWSOrigins = origins }
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates the API server.
func NewServer(store Store, registry Registry, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:    store,
		registry: registry,
		version:  "dev",
		log:      log.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine with middleware and all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log), corsMiddleware())

	r.GET("/health", s.Health)
	r.GET("/ws", s.HandleWS)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/sessions", s.CreateSession)
		v1.GET("/sessions", s.ListSessions)
		v1.GET("/sessions/:id", s.GetSession)
		v1.POST("/sessions/:id/halt", s.HaltSession)
		v1.GET("/sessions/:id/graph", s.GetGraph)
		v1.GET("/sessions/:id/events", s.GetEvents)
		v1.GET("/sessions/:id/interventions/pending", s.GetPendingIntervention)
		v1.POST("/interventions/:id/decision", s.SubmitDecision)
	}

	return r
}

// Run serves HTTP until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
