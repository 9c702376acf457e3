// Command domainsync runs the client-side sync agent for the domain admin
// API: an expiring cache, a durable action queue, certificate renewal
// scheduling and a real-time update channel, behind a management API.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/domainsync/internal/config"
)

var (
	envPrefix string

	rootCmd = &cobra.Command{
		Use:          "domainsync",
		Short:        "Resilient sync agent for the domain admin API",
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envPrefix, "env-prefix", "", "prefix of the environment variables to read")
	rootCmd.AddCommand(runCmd, queueCmd, cacheCmd)
	queueCmd.AddCommand(queueListCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// setup loads the configuration and builds the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg, err := config.LoadWithPrefix(envPrefix)
	if err != nil {
		log.Logger = logger
		return nil, logger, err
	}

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = logger
	return cfg, logger, nil
}
