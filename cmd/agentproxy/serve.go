package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/haasonsaas/agentproxy/internal/agent"
	"github.com/haasonsaas/agentproxy/internal/config"
	"github.com/haasonsaas/agentproxy/internal/mcp"
	"github.com/haasonsaas/agentproxy/internal/observability"
	"github.com/haasonsaas/agentproxy/internal/prompts"
	"github.com/haasonsaas/agentproxy/internal/server"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// runServer is the foreground server. Configuration errors are returned
// before any port is bound.
func runServer(ctx context.Context, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port > 0 {
		cfg.Port = port
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agentproxy",
		"version", version,
		"commit", commit,
		"config", configPath,
		"port", cfg.Port,
		"pid", os.Getpid())

	checkCredentials(ctx, logger)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "agentproxy",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	metrics := observability.NewMetrics()

	bridge := mcp.NewBridge(mcp.BridgeOptions{
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
		CallTimeout:    cfg.Tools.CallTimeout,
		ConnectTimeout: cfg.Tools.ConnectTimeout,
	})
	servers, err := config.LoadToolServers(cfg.Tools.ConfigPath)
	if err != nil {
		logger.Warn("ignoring tool server config", "path", cfg.Tools.ConfigPath, "error", err)
		servers = nil
	}
	// Requests are served without tools until servers finish connecting.
	go bridge.Connect(ctx, toolServerConfigs(servers))

	composer := prompts.NewComposer(cfg.Prompts.Dir, logger)
	if cfg.Prompts.Watch {
		if err := composer.StartWatching(ctx); err != nil {
			logger.Warn("prompt directory watch disabled", "dir", cfg.Prompts.Dir, "error", err)
		}
	}
	defer composer.Close()

	generator, err := agent.NewVertexGenerator(ctx, cfg.Project, cfg.Location)
	if err != nil {
		bridge.Shutdown()
		return fmt.Errorf("failed to create vertex client: %w", err)
	}

	orchestrator, err := agent.New(agent.Options{
		Config:          cfg.Agent(),
		Generator:       generator,
		Tools:           agent.BridgeTools(bridge),
		Prompts:         composer,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
		MaxToolRounds:   cfg.Tools.MaxRounds,
		IncludeThoughts: cfg.IncludeThoughts,
	})
	if err != nil {
		bridge.Shutdown()
		return err
	}

	srv, err := server.New(server.Options{
		Config:    cfg.Agent(),
		Version:   version,
		Completer: orchestrator,
		ToolCount: bridge.Count,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	if err != nil {
		orchestrator.Shutdown()
		return err
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("agentproxy stopped")
	return nil
}

// checkCredentials warns early when Application Default Credentials are
// missing; every upstream call would otherwise fail with an auth error.
func checkCredentials(ctx context.Context, logger *slog.Logger) {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		logger.Warn("application default credentials not found; run `gcloud auth application-default login`",
			"error", err)
		return
	}
	if creds.ProjectID != "" {
		logger.Debug("application default credentials found", "credentials_project", creds.ProjectID)
	}
}
