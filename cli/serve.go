package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/juanfont/masquerade/config"
	"github.com/juanfont/masquerade/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the HTTP server. When worker.enabled is set the Asynq worker that
expires timed-out impersonation sessions runs in the same process.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.New(ctx, config.Get())
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Server stopped")
	return nil
}
