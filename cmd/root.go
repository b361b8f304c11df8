// Package cmd defines and implements the CLI commands for the
// fetch-engine executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/config"
	"github.com/shelfwatch/fetch-engine/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch-engine",
		Short: "Persistent fetch operation engine for shelfwatch targets",
		Long: `fetch-engine runs long-lived fetch operations against tracked targets.
It lists each target's item ids through the proxy contract, downloads
item documents in resumable chunks, and saves them idempotently so a
restart never repeats finished work.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (optional; FETCH_* environment variables override)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the logging config section
// and installs it as the zap global.
func newLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
		Compress:    cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
