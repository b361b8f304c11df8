package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/api"
	"github.com/shelfwatch/fetch-engine/internal/blob"
	"github.com/shelfwatch/fetch-engine/internal/cleanup"
	"github.com/shelfwatch/fetch-engine/internal/clock/system"
	"github.com/shelfwatch/fetch-engine/internal/config"
	"github.com/shelfwatch/fetch-engine/internal/executor"
	"github.com/shelfwatch/fetch-engine/internal/fetch"
	"github.com/shelfwatch/fetch-engine/internal/hash/sha256"
	"github.com/shelfwatch/fetch-engine/internal/id/uuid"
	"github.com/shelfwatch/fetch-engine/internal/manager"
	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/progress"
	"github.com/shelfwatch/fetch-engine/internal/progress/sinks"
	memorypublisher "github.com/shelfwatch/fetch-engine/internal/publisher/memory"
	pubsubpublisher "github.com/shelfwatch/fetch-engine/internal/publisher/pubsub"
	"github.com/shelfwatch/fetch-engine/internal/source"
	"github.com/shelfwatch/fetch-engine/internal/storage/chain"
	memorystorage "github.com/shelfwatch/fetch-engine/internal/storage/memory"
	"github.com/shelfwatch/fetch-engine/internal/storage/postgres"
	"github.com/shelfwatch/fetch-engine/internal/storage/sqlite"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch engine service",
		Long: `Starts the long-running engine: the HTTP control surface, the
operation executors, the progress hub, and the background sweeper.
On startup it migrates records stranded on the fallback store and
relaunches operations that were running when the last process died.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fetch engine starting",
		zap.String("fallback", cfg.Fallback.Provider),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.String("blob", cfg.Blob.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
	)

	st, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait(),
		SinkTimeout:    cfg.Progress.SinkTimeout(),
		Logger:         logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("progress")), promSink)

	fetchClient := fetch.New(fetch.Config{
		UserAgent:        cfg.Fetch.UserAgent,
		Timeout:          cfg.Fetch.Timeout(),
		MaxAttempts:      cfg.Fetch.MaxAttempts,
		BackoffBase:      cfg.Fetch.BackoffInitial(),
		BackoffMax:       cfg.Fetch.BackoffMax(),
		BreakerThreshold: cfg.Fetch.BreakerThreshold,
		BreakerCooldown:  cfg.Fetch.BreakerCooldown(),
		RateRPS:          cfg.Fetch.RateRPS,
		RateBurst:        cfg.Fetch.RateBurst,
	}, logger.Named("fetch"))
	src := source.New(fetchClient, logger.Named("source"))

	blobStore, err := blob.New(ctx, blob.Config{
		Provider: cfg.Blob.Provider,
		Bucket:   cfg.Blob.Bucket,
		BaseDir:  cfg.Blob.BaseDir,
	})
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	exec := executor.New(executor.Config{
		ChunkSize:  cfg.Executor.ChunkSize,
		BatchSize:  cfg.Executor.BatchSize,
		BatchDelay: cfg.Executor.BatchDelay(),
		ChunkDelay: cfg.Executor.ChunkDelay(),
		BlobPrefix: cfg.Executor.BlobPrefix,
	}, src, st.items, blobStore, sha256.New(), system.New(), hub, logger.Named("executor"))

	pub, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mgr := manager.New(manager.Config{
		GraceWindow: cfg.Manager.GraceWindow(),
		Topic:       cfg.Publisher.Topic,
	}, st.ops, exec, uuid.New(), system.New(), pub, hub, logger.Named("manager"))

	if st.durableOps != nil {
		migrator := cleanup.NewMigrator(st.durableOps, st.fallbackOps, logger.Named("cleanup"))
		if n, err := migrator.Migrate(ctx); err != nil {
			logger.Warn("fallback migration failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("fallback records migrated", zap.Int("count", n))
		}
	}

	if n, err := mgr.Recover(ctx); err != nil {
		logger.Warn("operation recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("operations recovered", zap.Int("count", n))
	}

	cleaner := cleanup.NewCleaner(cleanup.Config{
		Interval:    cfg.Cleanup.Interval(),
		TerminalTTL: cfg.Cleanup.TerminalTTL(),
		StaleTTL:    cfg.Cleanup.StaleTTL(),
	}, st.ops, system.New(), logger.Named("cleanup"))
	go cleaner.Run(ctx)

	apiServer, err := api.NewServer(mgr, src, reg, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))
	if err != nil {
		return fmt.Errorf("init api server: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	// Executors stop at their next checkpoint; their records stay
	// running and Recover relaunches them on the next start.
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executor drain incomplete", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// stores bundles the operation and item stores with the handles that
// back them. durableOps is nil when the engine runs without Postgres.
type stores struct {
	ops         store.OperationStore
	items       store.ItemStore
	durableOps  store.OperationStore
	fallbackOps store.OperationStore
	closers     []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.Fallback.Provider {
	case "sqlite":
		db, err := sqlite.Open(cfg.Fallback.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite fallback: %w", err)
		}
		if err := db.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
		ops, err := sqlite.NewOperationStore(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite operation store: %w", err)
		}
		items, err := sqlite.NewItemStore(db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init sqlite item store: %w", err)
		}
		s.fallbackOps = ops
		s.items = items
		s.closers = append(s.closers, func() {
			if err := db.Close(); err != nil {
				logger.Warn("close sqlite store", zap.Error(err))
			}
		})
	case "memory":
		s.fallbackOps = memorystorage.NewOperationStore()
		s.items = memorystorage.NewItemStore()
	default:
		return nil, fmt.Errorf("unknown fallback provider %q", cfg.Fallback.Provider)
	}
	s.ops = s.fallbackOps

	if cfg.DB.DSN == "" {
		return s, nil
	}

	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: cfg.DB.ConnLifetime(),
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	// A down database is not fatal: the chain serves from the fallback
	// until Postgres returns, and schema creation retries on the next
	// start.
	if err := postgres.InitSchema(ctx, pool); err != nil {
		logger.Warn("postgres schema init failed", zap.Error(err))
	}
	pgOps, err := postgres.NewOperationStore(pool)
	if err != nil {
		pool.Close()
		s.close()
		return nil, fmt.Errorf("init postgres operation store: %w", err)
	}
	pgItems, err := postgres.NewItemStore(pool)
	if err != nil {
		pool.Close()
		s.close()
		return nil, fmt.Errorf("init postgres item store: %w", err)
	}
	s.closers = append(s.closers, pool.Close)
	s.durableOps = pgOps
	s.ops = chain.NewOperationStore(pgOps, s.fallbackOps, logger.Named("store"))
	s.items = chain.NewItemStore(pgItems, s.items, logger.Named("store"))
	return s, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (operation.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "none", "":
		return nil, nil
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		pub, err := pubsubpublisher.Connect(ctx, cfg.Publisher.ProjectID, logger.Named("publisher"))
		if err != nil {
			return nil, fmt.Errorf("connect pubsub: %w", err)
		}
		if err := pub.Verify(ctx, cfg.Publisher.Topic); err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", cfg.Publisher.Provider)
	}
}
