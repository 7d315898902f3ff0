package config

import (
	"os"
	"path/filepath"
)

// StateDir returns the per-user directory holding config, pid record and logs.
// AGENTPROXY_HOME overrides the default of ~/.agentproxy.
func StateDir() string {
	if dir := os.Getenv("AGENTPROXY_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "agentproxy")
	}
	return filepath.Join(home, ".agentproxy")
}

func DefaultConfigPath() string { return filepath.Join(StateDir(), "config.yaml") }
func DefaultToolsPath() string { return filepath.Join(StateDir(), "mcp.json") }
func DefaultPromptsDir() string { return filepath.Join(StateDir(), "prompts") }

func joinDir(file, name string) string {
	return filepath.Join(filepath.Dir(file), name)
}
