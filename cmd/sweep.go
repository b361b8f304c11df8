package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/cleanup"
	"github.com/shelfwatch/fetch-engine/internal/clock/system"
	"github.com/shelfwatch/fetch-engine/internal/config"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass over the operation store",
		Long: `Prunes terminal and abandoned operation records, reconciles duplicate
active operations, and migrates records stranded on the fallback store
into Postgres. Pair it with cron or Cloud Scheduler when the serve
process is not running continuously.`,
		RunE: runSweep,
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()

	ctx := cmd.Context()
	st, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	if st.durableOps != nil {
		migrator := cleanup.NewMigrator(st.durableOps, st.fallbackOps, logger.Named("cleanup"))
		n, err := migrator.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrate fallback records: %w", err)
		}
		if n > 0 {
			logger.Info("fallback records migrated", zap.Int("count", n))
		}
	}

	cleaner := cleanup.NewCleaner(cleanup.Config{
		TerminalTTL: cfg.Cleanup.TerminalTTL(),
		StaleTTL:    cfg.Cleanup.StaleTTL(),
	}, st.ops, system.New(), logger.Named("cleanup"))
	if err := cleaner.Sweep(ctx); err != nil {
		return fmt.Errorf("sweep operation store: %w", err)
	}

	logger.Info("sweep complete")
	return nil
}
