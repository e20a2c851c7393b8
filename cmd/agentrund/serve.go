package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agentrun/orchestrator/internal/config"
	"github.com/agentrun/orchestrator/internal/eventbus"
	"github.com/agentrun/orchestrator/internal/httpapi"
	"github.com/agentrun/orchestrator/internal/llm"
	"github.com/agentrun/orchestrator/internal/observability"
	"github.com/agentrun/orchestrator/internal/orchestrator"
	"github.com/agentrun/orchestrator/internal/runregistry"
	"github.com/agentrun/orchestrator/internal/scheduler"
	"github.com/agentrun/orchestrator/internal/store"
	"github.com/agentrun/orchestrator/internal/toolregistry"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator server",
		Long: `Start the orchestrator server.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Connect to Postgres and Redis if configured, falling back to in-memory
   stores for local development
3. Start the HTTP API for starting, stopping, and streaming runs
4. Handle graceful shutdown on SIGINT/SIGTERM`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	ctx, cancel := rootContext()
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if cfg.Runtime.InstanceID == "" {
		cfg.Runtime.InstanceID = uuid.NewString()
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.Redact,
	})

	messages, err := buildMessageStore(cfg)
	if err != nil {
		return fmt.Errorf("build message store: %w", err)
	}

	runs, err := buildRunRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build run registry: %w", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.BackpressureConfig{KeepAlive: cfg.Runtime.EventBusKeepAlive})

	tools := toolregistry.NewRegistry()
	registerBuiltinTools(tools)

	schedCfg := scheduler.DefaultConfig()
	if cfg.Runtime.MaxToolConcurrency > 0 {
		schedCfg.MaxConcurrency = cfg.Runtime.MaxToolConcurrency
	}
	if cfg.Runtime.ToolTimeout > 0 {
		schedCfg.DefaultTimeout = cfg.Runtime.ToolTimeout
	}
	sched := scheduler.New(tools, bus, schedCfg)

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}

	orch := orchestrator.New(messages, bus, runs, tools, sched, llmClient, logger, cfg.Runtime.InstanceID)

	server := httpapi.New(httpapi.Config{
		Addr:          cfg.Server.Addr,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		ShutdownGrace: cfg.Server.ShutdownGrace,
		DefaultRun:    cfg.Defaults.ToRunConfig(),
	}, orch, bus, messages, logger)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	logger.Info(ctx, "agentrund started", "instance_id", cfg.Runtime.InstanceID, "addr", cfg.Server.Addr)
	<-ctx.Done()
	logger.Info(ctx, "shutting down")
	server.Stop(context.Background())
	return nil
}

func buildMessageStore(cfg *config.Config) (store.MessageStore, error) {
	if cfg.Storage.PostgresDSN == "" {
		return store.NewMemoryStore(), nil
	}
	pgCfg := store.DefaultPostgresConfig()
	pgCfg.DSN = cfg.Storage.PostgresDSN
	return store.NewPostgresStore(pgCfg)
}

func buildRunRegistry(cfg *config.Config) (runregistry.Registry, error) {
	if cfg.Storage.RedisAddr == "" {
		return runregistry.NewMemoryRegistry(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr, DB: cfg.Storage.RedisDB})
	return runregistry.NewRedisRegistry(client), nil
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	if key := cfg.AnthropicAPIKey(); key != "" {
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey: key, DefaultModel: cfg.Providers.Anthropic.DefaultModel, BaseURL: cfg.Providers.Anthropic.BaseURL,
		})
	}
	if key := cfg.OpenAIAPIKey(); key != "" {
		return llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: key, DefaultModel: cfg.Providers.OpenAI.DefaultModel})
	}
	return nil, fmt.Errorf("no provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
}
