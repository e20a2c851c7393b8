// Package config loads the orchestrator's process-level configuration:
// provider credentials, storage DSNs, and per-run defaults, as an
// aggregate struct of sub-configs populated from YAML. Values are not
// env-var expanded; only the provider API keys are read from the
// environment variables the YAML names.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentrun/orchestrator/pkg/model"
)

// Config is the root configuration document, normally loaded from a single
// YAML file plus environment variable overrides for secrets.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
	Defaults  RunDefaults     `yaml:"defaults"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig configures the HTTP surface (internal/httpapi).
type ServerConfig struct {
	Addr          string        `yaml:"addr"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// StorageConfig points at the Message Store and Run Registry backends. Empty
// DSN/Addr fields fall back to in-memory implementations, which is the
// default for local development and tests.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

// RuntimeConfig configures process-wide scheduler/event-bus knobs.
type RuntimeConfig struct {
	InstanceID         string        `yaml:"instance_id"`
	MaxToolConcurrency int           `yaml:"max_tool_concurrency"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	EventBusKeepAlive  time.Duration `yaml:"event_bus_keep_alive"`
}

// LoggingConfig configures internal/observability.Logger.
type LoggingConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	AddSource bool     `yaml:"add_source"`
	Redact    []string `yaml:"redact"`
}

// ProvidersConfig configures credentials for the two supported LLM
// providers; API keys are read from environment variables, never stored in
// the YAML document, to keep secrets out of config files entirely.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	APIKeyEnv    string `yaml:"api_key_env"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url,omitempty"`
}

// RunDefaults seeds model.RunConfig for runs that don't override a field.
type RunDefaults struct {
	Model            string        `yaml:"model"`
	MaxIterations    int           `yaml:"max_iterations"`
	ToolMode         string        `yaml:"tool_mode"` // "native" or "xml"
	ExecuteOnStream  bool          `yaml:"execute_on_stream"`
	ParallelTools    bool          `yaml:"parallel_tools"`
	TerminalToolName string        `yaml:"terminal_tool_name"`
	IterationTimeout time.Duration `yaml:"iteration_timeout"`
}

// ToRunConfig converts the YAML defaults into a model.RunConfig, applied
// before any per-request overrides from the HTTP API.
func (d RunDefaults) ToRunConfig() model.RunConfig {
	mode := model.ToolModeNative
	if d.ToolMode == string(model.ToolModeXML) {
		mode = model.ToolModeXML
	}
	return model.RunConfig{
		Model:            d.Model,
		MaxIterations:    d.MaxIterations,
		ToolMode:         mode,
		ExecuteOnStream:  d.ExecuteOnStream,
		ParallelTools:    d.ParallelTools,
		TerminalToolName: d.TerminalToolName,
		IterationTimeout: d.IterationTimeout,
	}
}

// Default returns a Config usable for local development: in-memory store
// and registry, native tool dialect, an HTTP listener on :8090 (all
// interfaces).
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8090", MetricsAddr: ":9090",
			ReadTimeout: 30 * time.Second, WriteTimeout: 0, ShutdownGrace: 10 * time.Second,
		},
		Runtime: RuntimeConfig{
			MaxToolConcurrency: 5, ToolTimeout: 30 * time.Second, EventBusKeepAlive: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Defaults: RunDefaults{
			MaxIterations: 10, ToolMode: string(model.ToolModeNative),
			ParallelTools: true,
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{APIKeyEnv: "ANTHROPIC_API_KEY", DefaultModel: "claude-sonnet-4-20250514"},
			OpenAI:    ProviderConfig{APIKeyEnv: "OPENAI_API_KEY", DefaultModel: "gpt-4o"},
		},
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Default(). An empty path returns Default() unchanged: the config file
// is optional, env vars and defaults carry a local run.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// AnthropicAPIKey resolves the Anthropic key from its configured env var.
func (c *Config) AnthropicAPIKey() string {
	if c.Providers.Anthropic.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Providers.Anthropic.APIKeyEnv)
}

// OpenAIAPIKey resolves the OpenAI key from its configured env var.
func (c *Config) OpenAIAPIKey() string {
	if c.Providers.OpenAI.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Providers.OpenAI.APIKeyEnv)
}
