// butlerd runs one butler daemon: HTTP ingestion and heartbeats, the
// durable buffer and pipeline, the route inbox, schedules, approvals, and
// retention loops.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/butlerfleet/butlerd/pkg/api"
	"github.com/butlerfleet/butlerd/pkg/approvals"
	"github.com/butlerfleet/butlerd/pkg/breaker"
	"github.com/butlerfleet/butlerd/pkg/buffer"
	"github.com/butlerfleet/butlerd/pkg/cleanup"
	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/database"
	"github.com/butlerfleet/butlerd/pkg/ingest"
	"github.com/butlerfleet/butlerd/pkg/mcp"
	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/outbound"
	"github.com/butlerfleet/butlerd/pkg/pipeline"
	"github.com/butlerfleet/butlerd/pkg/ratelimit"
	"github.com/butlerfleet/butlerd/pkg/registry"
	"github.com/butlerfleet/butlerd/pkg/route"
	"github.com/butlerfleet/butlerd/pkg/runtime"
	"github.com/butlerfleet/butlerd/pkg/scheduler"
	"github.com/butlerfleet/butlerd/pkg/services"
	"github.com/butlerfleet/butlerd/pkg/spawner"
	"github.com/butlerfleet/butlerd/pkg/triage"
	"github.com/butlerfleet/butlerd/pkg/version"
)

// Exit codes: 0 clean shutdown, 1 unrecoverable error, 2 misconfiguration.
const (
	exitError     = 1
	exitMisconfig = 2
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config",
		getEnv("BUTLER_CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory as a credential bootstrap
	// fallback; a missing file is fine.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file loaded", "path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting butlerd", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitMisconfig)
	}
	butler := cfg.Butler.Name

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(exitMisconfig)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(exitError)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("Connected to PostgreSQL database")

	if err := database.EnsureButlerSchema(ctx, db, butler); err != nil {
		slog.Error("Failed to ensure butler schema", "butler", butler, "error", err)
		os.Exit(exitError)
	}

	logger := slog.Default()
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	// Persistence services.
	inboxSvc := services.NewInboxService(db)
	registrySvc := services.NewRegistryService(db)
	sessionSvc := services.NewSessionService(db, butler)
	routeSvc := services.NewRouteService(db, butler)
	triageSvc := services.NewTriageService(db)
	approvalSvc := services.NewApprovalService(db)
	taskSvc := services.NewTaskService(db, butler)
	routingLogSvc := services.NewRoutingLogService(db)
	connectorSvc := services.NewConnectorService(db)
	refSvc := services.NewMetadataRefService(db)
	stateSvc := services.NewStateService(db, butler)

	adapter, err := runtime.NewAdapter(cfg.Runtime, logger)
	if err != nil {
		slog.Error("Failed to create runtime adapter", "error", err)
		os.Exit(exitMisconfig)
	}

	// Sessions inherit stored secrets plus allow-listed process env vars.
	envProvider := func(ctx context.Context) ([]string, error) {
		return stateSvc.SecretEnv(ctx, cfg.Butler.CredentialEnv)
	}
	sp := spawner.New(spawner.Config{
		Butler:         butler,
		SystemPrompt:   cfg.Butler.SystemPrompt,
		MaxConcurrent:  cfg.Butler.MaxConcurrentSessions,
		SessionTimeout: cfg.Runtime.SessionTimeout,
		Model:          cfg.Runtime.Model,
	}, adapter, sessionSvc, envProvider, m, logger)

	// The configured fleet plus self gates heartbeat self-registration.
	peers := map[string]string{butler: cfg.Butler.EndpointURL}
	var fleetNames []string
	for name, peer := range cfg.Fleet.Butlers {
		peers[name] = peer.EndpointURL
		fleetNames = append(fleetNames, name)
	}

	reg := registry.NewService(registrySvc, *cfg.Registry, peers, m, logger)
	reg.Start(ctx)
	defer reg.Stop()
	// A self heartbeat registers this daemon in the fleet directory and
	// restores eligibility after downtime.
	if _, err := reg.Heartbeat(ctx, butler); err != nil {
		slog.Error("Failed to register self in butler registry", "error", err)
		os.Exit(exitError)
	}

	routeClient := route.NewClient(butler, reg, cfg.Fleet.Butlers, *cfg.Route, logger)
	routeInbox := route.NewInbox(butler, routeSvc, sp, reg, *cfg.Route, m, logger)
	if err := routeInbox.Start(ctx); err != nil {
		slog.Error("Failed to start route inbox", "error", err)
		os.Exit(exitError)
	}

	evaluator := triage.NewEvaluator(triageSvc, 0, logger)

	limiter := ratelimit.New(cfg.Limits, m)
	breakers := breaker.NewSet(cfg.Breaker, m)

	// Channel connectors register here as integration modules land; with
	// none configured the notify tool records replies without delivering.
	connectors := map[models.Channel]outbound.Connector{}
	var dispatcher *outbound.Dispatcher
	if len(connectors) > 0 {
		dispatcher = outbound.NewDispatcher(connectors, limiter, breakers, logger)
	}

	classifier := pipeline.NewLLMClassifier(adapter, cfg.Pipeline.ClassifierModel, fleetNames, butler)
	pipe := pipeline.New(*cfg.Pipeline, inboxSvc, classifier, nil, routeClient, routingLogSvc, nil, logger)

	buf := buffer.New(*cfg.Buffer, inboxSvc, pipe.Process, m, logger)
	buf.Start(ctx)

	ingestSvc := ingest.NewService(inboxSvc, buf, evaluator, refSvc, logger)

	approvalFlow := approvals.NewService(approvalSvc, nil, cfg.Retention.ExpirySweepInterval, logger)
	approvalFlow.Start(ctx)

	sched := scheduler.New(taskSvc, sp, time.Minute, logger)
	sched.Start(ctx)

	retention := cleanup.NewService(db, approvalSvc, taskSvc, *cfg.Retention, logger)
	retention.Start(ctx)

	tools := mcp.NewServer(mcp.Deps{
		Butler:   butler,
		Acceptor: routeInbox,
		Replier:  pipe,
		Inbox:    inboxSvc,
		Sender:   senderOrNil(dispatcher),
		Sessions: sp,
		Queue:    buf,
		Breakers: breakers,
		Sends:    limiter,
		State:    stateSvc,
		Tasks:    taskSvc,
		Logger:   logger,
	})

	httpServer := api.NewServer(api.Deps{
		DB:            db,
		Ingestor:      ingestSvc,
		Heartbeats:    reg,
		Routes:        routeInbox,
		Approvals:     approvalFlow,
		ApprovalStore: approvalSvc,
		Rules:         triageSvc,
		RuleCache:     evaluator,
		Connectors:    connectorSvc,
		Tools:         tools,
		Gatherer:      promRegistry,
		IngestTimeout: cfg.HTTP.IngestTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("butlerd started",
		"butler", butler,
		"switchboard", cfg.IsSwitchboard(),
		"fleet_butlers", len(cfg.Fleet.Butlers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		exitCode = exitError
	}

	// Shutdown order: stop producing work, drain what is in flight, then
	// close the HTTP surface.
	sched.Stop()
	retention.Stop()
	approvalFlow.Stop()

	buf.Stop()

	sp.StopAccepting()
	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Buffer.DrainTimeout)
	if err := sp.Drain(drainCtx); err != nil {
		slog.Warn("Session drain incomplete, orphan recovery will reclaim", "error", err)
	}
	drainCancel()

	routeInbox.Stop()

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("Shutdown complete")
	os.Exit(exitCode)
}

// senderOrNil avoids handing mcp a typed-nil Deliverer.
func senderOrNil(d *outbound.Dispatcher) mcp.Deliverer {
	if d == nil {
		return nil
	}
	return d
}
