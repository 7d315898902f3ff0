// Package config loads the proxy configuration from YAML, .env files and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultLocation = "us-central1"
	DefaultModel    = "gemini-2.5-pro"
	DefaultPort     = 8788
)

// ErrMissingProject is returned when no cloud project is configured.
var ErrMissingProject = errors.New("google cloud project is required (set project in config or GOOGLE_CLOUD_PROJECT)")

// Config is the on-disk configuration document.
type Config struct {
	Project  string        `yaml:"project" jsonschema:"description=Google Cloud project used for Vertex AI"`
	Location string        `yaml:"location" jsonschema:"description=Vertex AI region,default=us-central1"`
	Model    string        `yaml:"model" jsonschema:"description=Default upstream model"`
	Port     int           `yaml:"port" jsonschema:"minimum=1,maximum=65535"`
	Debug    bool          `yaml:"debug"`
	Logging  LoggingConfig `yaml:"logging"`
	Tracing  TracingConfig `yaml:"tracing"`
	Tools    ToolsConfig   `yaml:"tools"`
	Prompts  PromptsConfig `yaml:"prompts"`

	// IncludeThoughts asks thinking models to return their reasoning parts.
	IncludeThoughts bool `yaml:"include_thoughts"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" jsonschema:"enum=json,enum=text"`
}

// TracingConfig controls OpenTelemetry tracing. Tracing is off when Endpoint is empty.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// ToolsConfig locates the tool server document and bounds tool activity.
type ToolsConfig struct {
	ConfigPath     string        `yaml:"config_path"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxRounds      int           `yaml:"max_rounds"`
}

type PromptsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// AgentConfig is the immutable runtime view handed to the server and orchestrator.
type AgentConfig struct {
	Project   string
	Location  string
	Model     string
	Port      int
	DebugMode bool
}

// Agent returns the runtime view of the configuration.
func (c *Config) Agent() AgentConfig {
	return AgentConfig{
		Project:   c.Project,
		Location:  c.Location,
		Model:     c.Model,
		Port:      c.Port,
		DebugMode: c.Debug,
	}
}

// Load reads the configuration at path. A missing file is not an error when
// path is the default location; everything can come from the environment.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	cfg := &Config{}
	if path != "" {
		raw, err := LoadRaw(path)
		switch {
		case err == nil:
			decoded, decodeErr := decodeRawConfig(raw)
			if decodeErr != nil {
				return nil, decodeErr
			}
			cfg = decoded
		case errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath():
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the working directory and next to the config
// file. Existing environment variables win.
func loadDotEnv(configPath string) {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append(candidates, joinDir(configPath, ".env"))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			_ = godotenv.Load(candidate)
		}
	}
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_PROJECT")); v != "" {
		cfg.Project = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_CLOUD_LOCATION")); v != "" {
		cfg.Location = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTPROXY_MODEL")); v != "" {
		cfg.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("AGENTPROXY_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGENTPROXY_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := strings.TrimSpace(os.Getenv("AGENTPROXY_DEBUG")); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AGENTPROXY_DEBUG %q: %w", v, err)
		}
		cfg.Debug = debug
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Location == "" {
		cfg.Location = DefaultLocation
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Debug {
			cfg.Logging.Level = "debug"
		}
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
	if cfg.Tools.ConfigPath == "" {
		cfg.Tools.ConfigPath = DefaultToolsPath()
	}
	if cfg.Tools.CallTimeout == 0 {
		cfg.Tools.CallTimeout = 30 * time.Second
	}
	if cfg.Tools.ConnectTimeout == 0 {
		cfg.Tools.ConnectTimeout = 30 * time.Second
	}
	if cfg.Tools.MaxRounds == 0 {
		cfg.Tools.MaxRounds = 10
	}
	if cfg.Prompts.Dir == "" {
		cfg.Prompts.Dir = DefaultPromptsDir()
	}
}

// Validate reports configuration problems that make the proxy unusable.
func (c *Config) Validate() error {
	var issues []string
	if strings.TrimSpace(c.Project) == "" {
		return ErrMissingProject
	}
	if c.Port < 1 || c.Port > 65535 {
		issues = append(issues, fmt.Sprintf("port %d out of range", c.Port))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is not one of json, text", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}
	if c.Tools.CallTimeout < 0 || c.Tools.ConnectTimeout < 0 {
		issues = append(issues, "tools timeouts must not be negative")
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError collects every configuration issue found.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}
