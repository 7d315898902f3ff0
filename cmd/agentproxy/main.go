// Package main provides the agentproxy CLI.
//
// agentproxy runs a local OpenAI-compatible chat completions endpoint backed
// by Gemini on Vertex AI, with tools from configured MCP servers.
//
// # Basic Usage
//
// Start the proxy in the background:
//
//	agentproxy start --port 8788
//
// Check and stop it:
//
//	agentproxy status
//	agentproxy stop
//
// # Environment Variables
//
//   - AGENTPROXY_HOME: state directory (default: ~/.agentproxy)
//   - GOOGLE_CLOUD_PROJECT: Vertex AI project
//   - GOOGLE_CLOUD_LOCATION: Vertex AI region
//   - AGENTPROXY_MODEL, AGENTPROXY_PORT, AGENTPROXY_DEBUG: config overrides
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentproxy/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{Level: "info"}))

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd is separate from main for tests.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentproxy",
		Short: "Local OpenAI-compatible proxy for Gemini on Vertex AI",
		Long: `agentproxy serves /v1/chat/completions on localhost and forwards requests to
Gemini on Vertex AI. Tools from configured MCP servers are offered to the model.

State lives in ~/.agentproxy (override with AGENTPROXY_HOME).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildStartCmd(),
		buildStopCmd(),
		buildStatusCmd(),
		buildRestartCmd(),
		buildRunCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
