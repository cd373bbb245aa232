package main

import (
	"context"
	"os"

	"ticketdesk/internal/logging"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logging.Logger.Error().Err(err).Msg("ticketdesk failed")
		os.Exit(1)
	}
}
