package main

import (
	"errors"

	"github.com/spf13/cobra"

	"ticketdesk/internal/logging"
	"ticketdesk/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("migrate: DATABASE_URL is not set")
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = pg.Close() }()
	if err := pg.Migrate(cmd.Context()); err != nil {
		return err
	}
	logging.WithComponent("migrate").Info().Msg("migrate up: ok")
	return nil
}
