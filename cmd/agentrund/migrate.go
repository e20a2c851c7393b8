package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentrun/orchestrator/internal/config"
	"github.com/agentrun/orchestrator/internal/store"
)

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres message store schema",
		Long: `Open a connection to the configured Postgres DSN and ensure the
messages table and supporting sequence exist. This is idempotent: it is safe
to run against an already-migrated database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runMigrate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("storage.postgres_dsn is not set")
	}

	pgCfg := store.DefaultPostgresConfig()
	pgCfg.DSN = cfg.Storage.PostgresDSN
	s, err := store.NewPostgresStore(pgCfg)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	defer s.Close()

	fmt.Println("schema up to date")
	return nil
}
