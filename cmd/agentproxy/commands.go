package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/agentproxy/internal/config"
)

const defaultWaitTimeout = 15 * time.Second

// =============================================================================
// Lifecycle Commands
// =============================================================================

func buildStartCmd() *cobra.Command {
	var (
		configPath string
		port       int
		wait       bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy in the background",
		Example: `  # Start on the configured port
  agentproxy start

  # Start on another port and wait until it accepts connections
  agentproxy start --port 9000 --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath, port, wait)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from config)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the server accepts connections")
	return cmd
}

func buildStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd)
		},
	}
}

func buildStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the background proxy is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print status as JSON")
	return cmd
}

func buildRestartCmd() *cobra.Command {
	var (
		configPath string
		port       int
		wait       bool
	)
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the background proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd, configPath, port, wait)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default: previous port)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the server accepts connections")
	return cmd
}

// buildRunCmd is the foreground server the background child executes.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)
	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the proxy in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configPath, port)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from config)")
	return cmd
}

// =============================================================================
// Inspection Commands
// =============================================================================

func buildToolsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect configured tool servers and list their tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	})
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("agentproxy %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
