package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/floatwatch/internal/config"
)

const (
	appName = "floatwatch"
	version = "v0.4.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Liquidity signal pipeline for POS cash agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `floatwatch ingests POS payment webhooks, keeps a durable e-float ledger per agent,
classifies each agent's liquidity posture and alerts banks before agents run dry.`,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "config/floatwatch.yaml", "Path to the YAML config file")

	rootCmd.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newModelCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config and configures logging
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

// setupLogging writes human-readable logs to a terminal and JSON everywhere else
func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if !cfg.JSON && term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", appName).Logger()
	}
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Unknown log level, using info")
	}
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
