// Peregrine server — exposes the HTTP/WebSocket API and runs the
// planner-executor-reflector mission engine.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/peregrine-agent/peregrine/pkg/api"
	"github.com/peregrine-agent/peregrine/pkg/cleanup"
	"github.com/peregrine-agent/peregrine/pkg/config"
	"github.com/peregrine-agent/peregrine/pkg/database"
	"github.com/peregrine-agent/peregrine/pkg/engine"
	"github.com/peregrine-agent/peregrine/pkg/events"
	"github.com/peregrine-agent/peregrine/pkg/graph"
	"github.com/peregrine-agent/peregrine/pkg/intervention"
	"github.com/peregrine-agent/peregrine/pkg/knowledge"
	"github.com/peregrine-agent/peregrine/pkg/llm"
	"github.com/peregrine-agent/peregrine/pkg/mcp"
	"github.com/peregrine-agent/peregrine/pkg/models"
	"github.com/peregrine-agent/peregrine/pkg/notify"
	"github.com/peregrine-agent/peregrine/pkg/session"
	"github.com/peregrine-agent/peregrine/pkg/store"
	"github.com/peregrine-agent/peregrine/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func logLevel(mode config.OutputMode) slog.Level {
	switch mode {
	case config.OutputSimple:
		return slog.LevelWarn
	case config.OutputDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// stdinIsTerminal reports whether an operator console is attached, which
// enables the terminal arm of the approval race.
func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.System.OutputMode),
	})))
	slog.Info("Starting peregrine",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	// 2. Initialize database (runs embedded migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewStore(dbClient.DB())
	sink := store.NewSink(st)
	defer sink.Stop()

	// 3. Streaming infrastructure: in-process broker, durable publisher
	// bridging it to event_logs + pg_notify, and the WebSocket side.
	broker := events.NewBroker()
	publisher := events.NewEventPublisher(dbClient.DB())
	bridgeCtx, bridgeCancel := context.WithCancel(ctx)
	defer bridgeCancel()
	go publisher.BridgeBroker(bridgeCtx, broker)

	connManager := events.NewConnectionManager(events.NewFeedAdapter(st), 10*time.Second)
	notifyListener := events.NewNotifyListener(dbConfig.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start NotifyListener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)
	slog.Info("Streaming infrastructure initialized")

	// 4. LLM client
	llmClient := llm.NewClient(cfg.LLMRoleRegistry, llm.WithEmitter(broker))

	// 5. MCP infrastructure. Eager validation: a server that fails to
	// connect at startup exits the process rather than surfacing later as
	// mysterious missing tools.
	mcpClient := mcp.NewClient(cfg.MCPServerRegistry, cfg.Engine.Executor.ToolTimeout)
	mcpClient.Initialize(ctx)
	if failed := mcpClient.FailedServers(); len(failed) > 0 {
		slog.Error("MCP servers failed startup validation", "failed_servers", failed)
		_ = mcpClient.Close()
		os.Exit(1)
	}
	invoker := mcp.NewInvoker(mcpClient, cfg.MCPServerRegistry)
	defer func() {
		if err := invoker.Close(); err != nil {
			slog.Error("Error closing MCP client", "error", err)
		}
	}()
	slog.Info("MCP servers validated", "count", len(mcpClient.ServerIDs()))

	healthMonitor := mcp.NewHealthMonitor(mcpClient)
	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	// 6. Knowledge service (optional collaborator)
	kclient := knowledge.NewClient(cfg.System.KnowledgeServiceURL)
	if kclient.Enabled() {
		if err := kclient.EnsureHealthy(ctx, 5, 2*time.Second); err != nil {
			slog.Warn("Knowledge service unavailable, continuing without retrieval",
				"url", cfg.System.KnowledgeServiceURL, "error", err)
		} else {
			slog.Info("Knowledge service ready", "url", cfg.System.KnowledgeServiceURL)
		}
	}

	// 7. Human-in-the-loop surfaces: durable web approvals plus, when an
	// operator console is attached, the interactive terminal arm.
	ivManager := intervention.NewManager(st, broker,
		intervention.WithEnabled(cfg.System.HumanInTheLoop),
		intervention.WithTimeout(cfg.Engine.HITLTimeout))

	var terminal *intervention.TerminalApprover
	if cfg.System.HumanInTheLoop && stdinIsTerminal() {
		terminal = intervention.NewTerminalApprover()
		slog.Info("Terminal approver enabled")
	}

	// 8. Slack notifications (optional)
	var notifier *notify.Service
	if cfg.System.Slack != nil && cfg.System.Slack.Enabled {
		notifier = notify.NewService(notify.ServiceConfig{
			Token:        os.Getenv(cfg.System.Slack.TokenEnv),
			Channel:      cfg.System.Slack.Channel,
			DashboardURL: getEnv("DASHBOARD_URL", ""),
		})
		if notifier == nil {
			slog.Warn("Slack notifications enabled but token or channel missing",
				"token_env", cfg.System.Slack.TokenEnv)
		}
	}

	// 9. Mission factory: one engine instance per session.
	factory := func(sess *models.Session) (session.Mission, *engine.HaltLatch, error) {
		g := graph.NewManager(sess.ID, sess.Goal,
			graph.WithSink(sink),
			graph.WithEmitter(broker))
		halt := engine.NewHaltLatch(sess.ID, broker, nil)

		exec := engine.NewExecutor(llmClient, invoker, g, halt, cfg.Engine.Executor, kclient, broker, nil)
		planner := engine.NewPlanner(llmClient, g, cfg.Engine, broker, nil)
		reflector := engine.NewReflector(llmClient, g, cfg.Engine, broker, nil)
		runner := engine.NewRunner(exec, nil)

		opts := []engine.OrchestratorOption{
			engine.WithApprover(ivManager),
			engine.WithEmitter(broker),
			engine.WithSessionStore(st),
		}
		if notifier != nil {
			opts = append(opts, engine.WithNotifier(notifier))
		}
		if terminal != nil {
			opts = append(opts, engine.WithTerminalApprover(terminal))
		}

		notifier.MissionStarted(ctx, sess.ID, sess.Goal)
		orch := engine.NewOrchestrator(sess.Goal, g, planner, reflector, runner, halt, cfg.Engine, nil, opts...)
		return orch, halt, nil
	}

	registry := session.NewRegistry(st, factory, broker, nil)

	// 10. Retention cleanup loop
	cleanupSvc := cleanup.NewService(cfg.System.Retention, st)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	// 11. HTTP server
	apiServer := api.NewServer(st, registry, slog.Default(),
		api.WithConnectionManager(connManager),
		api.WithInterventions(ivManager),
		api.WithDBProbe(func(ctx context.Context) error {
			_, err := database.Health(ctx, dbClient.DB())
			return err
		}),
		api.WithMCPHealth(healthMonitor.IsHealthy),
		api.WithAllowedWSOrigins(cfg.System.AllowedWSOrigins),
		api.WithVersion(version.Full()))

	srvCtx, srvCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer srvCancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Run(srvCtx, ":"+httpPort)
	}()

	slog.Info("Peregrine started",
		"human_in_the_loop", cfg.System.HumanInTheLoop,
		"scenario_mode", cfg.System.ScenarioMode)

	// 12. Wait for shutdown signal or server error
	var serveErr error
	select {
	case <-srvCtx.Done():
		slog.Info("Shutdown signal received")
		serveErr = <-errCh
	case serveErr = <-errCh:
		srvCancel()
	}
	if serveErr != nil {
		slog.Error("HTTP server error", "error", serveErr)
	}

	// 13. Drain running missions before the deferred teardown closes the
	// collaborators they depend on.
	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	defer drainCancel()
	if n := registry.ActiveCount(); n > 0 {
		slog.Info("Waiting for running missions", "count", n)
	}
	registry.Shutdown(drainCtx)

	slog.Info("Shutdown complete")
}
