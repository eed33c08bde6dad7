// Package cli provides the masquerade CLI commands.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/juanfont/masquerade/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "masquerade",
	Short: "masquerade - audited impersonation for administrators",
	Long: `masquerade lets a privileged administrator temporarily act as another
user. Every start and end of an impersonation is written to an append-only
audit log before it takes effect.

It provides:
  - The HTTP server with 'masquerade serve'
  - Audit log inspection with 'masquerade audit'
  - User management for local setups with 'masquerade users'`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default searches /etc/masquerade, $HOME/.masquerade and .)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() error {
	if err := config.Load(configFile, configFile != "", config.DefaultLoaderConfig()); err != nil {
		return err
	}
	setupLogging(config.GetLogConfig())
	return nil
}

func setupLogging(cfg config.LogConfig) {
	zerolog.SetGlobalLevel(cfg.Level)

	logger := zerolog.New(os.Stderr).With().Timestamp()
	if cfg.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()

	if cfg.Format == config.TextLogFormat {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
