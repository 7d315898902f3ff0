package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentproxy/internal/config"
	"github.com/haasonsaas/agentproxy/internal/mcp"
	"github.com/haasonsaas/agentproxy/internal/supervisor"
)

func newSupervisor() *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Dir:    config.StateDir(),
		Logger: slog.Default(),
	})
}

// =============================================================================
// Lifecycle Handlers
// =============================================================================

// runStart validates the configuration before spawning so configuration
// errors surface here instead of in the server log.
func runStart(cmd *cobra.Command, configPath string, port int, wait bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if port <= 0 {
		port = cfg.Port
	}

	sup := newSupervisor()
	status, err := sup.Spawn(cmd.Context(), supervisor.SpawnOptions{Port: port, ConfigPath: configPath})
	if err != nil {
		var running *supervisor.AlreadyRunningError
		if errors.As(err, &running) {
			return err
		}
		if errors.Is(err, supervisor.ErrDiedImmediately) {
			return fmt.Errorf("%w (see %s)", err, sup.LogPath())
		}
		return fmt.Errorf("failed to start: %w", err)
	}

	if wait {
		status, err = sup.WaitReady(cmd.Context(), defaultWaitTimeout)
		if err != nil {
			return fmt.Errorf("server did not become ready: %w (see %s)", err, sup.LogPath())
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "agentproxy started (pid %d, port %d)\n", status.PID, port)
	fmt.Fprintf(out, "  Endpoint: http://127.0.0.1:%d/v1/chat/completions\n", port)
	fmt.Fprintf(out, "  Logs:     %s\n", sup.LogPath())
	return nil
}

func runStop(cmd *cobra.Command) error {
	sup := newSupervisor()
	before := sup.Status()

	if _, err := sup.Stop(); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	if before.State == supervisor.NotRunning {
		fmt.Fprintln(cmd.OutOrStdout(), "agentproxy is not running")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "agentproxy stopped (pid %d)\n", before.PID)
	return nil
}

func runStatus(cmd *cobra.Command, jsonOutput bool) error {
	status := newSupervisor().Status()
	out := cmd.OutOrStdout()

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	switch status.State {
	case supervisor.Running:
		fmt.Fprintf(out, "agentproxy is running (pid %d, port %d)\n", status.PID, status.Port)
	case supervisor.Unresponsive:
		fmt.Fprintf(out, "agentproxy process %d exists but port %d is not accepting connections\n", status.PID, status.Port)
	default:
		fmt.Fprintln(out, "agentproxy is not running")
	}
	return nil
}

func runRestart(cmd *cobra.Command, configPath string, port int, wait bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sup := newSupervisor()
	if port <= 0 && sup.Status().State == supervisor.NotRunning {
		port = cfg.Port
	}

	status, err := sup.Restart(cmd.Context(), supervisor.SpawnOptions{Port: port, ConfigPath: configPath})
	if err != nil {
		return fmt.Errorf("failed to restart: %w", err)
	}
	if wait {
		if status, err = sup.WaitReady(cmd.Context(), defaultWaitTimeout); err != nil {
			return fmt.Errorf("server did not become ready: %w (see %s)", err, sup.LogPath())
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "agentproxy restarted (pid %d, port %d)\n", status.PID, status.Port)
	return nil
}

// =============================================================================
// Inspection Handlers
// =============================================================================

func runTools(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	servers, err := config.LoadToolServers(cfg.Tools.ConfigPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(servers) == 0 {
		fmt.Fprintf(out, "No tool servers configured in %s\n", cfg.Tools.ConfigPath)
		return nil
	}

	bridge := mcp.NewBridge(mcp.BridgeOptions{
		Logger:         slog.Default(),
		CallTimeout:    cfg.Tools.CallTimeout,
		ConnectTimeout: cfg.Tools.ConnectTimeout,
	})
	defer bridge.Shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Tools.ConnectTimeout+5*time.Second)
	defer cancel()
	connected := bridge.Connect(ctx, toolServerConfigs(servers))
	fmt.Fprintf(out, "Connected %d of %d tool servers\n", len(connected), len(servers))
	for _, name := range config.ToolServerNames(servers) {
		mark := "x"
		if _, ok := bridge.Get(name); ok {
			mark = "ok"
		}
		fmt.Fprintf(out, "  [%s] %s\n", mark, name)
	}

	tool, err := bridge.AggregatedTool()
	if errors.Is(err, mcp.ErrNoTools) {
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d tools:\n", tool.Len())
	for _, name := range tool.Names() {
		fmt.Fprintf(out, "  %s\n", name)
	}
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// toolServerConfigs maps the tool document onto bridge server configs.
func toolServerConfigs(servers map[string]config.ToolServer) map[string]mcp.ServerConfig {
	configs := make(map[string]mcp.ServerConfig, len(servers))
	for name, server := range servers {
		configs[name] = mcp.ServerConfig{
			Name:    name,
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
			WorkDir: server.Cwd,
		}
	}
	return configs
}
