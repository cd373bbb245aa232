package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ticketdesk/internal/config"
	"ticketdesk/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "ticketdesk",
	Short:         "Real-time help-desk ticket hub",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

// loadConfig reads .env and the environment, validates, and initializes
// the global logger from the result.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON, Output: os.Stdout})
	return cfg, nil
}
