package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpgateway-go/internal/auth"
	"mcpgateway-go/internal/config"
	"mcpgateway-go/internal/events"
	"mcpgateway-go/internal/gateway"
	"mcpgateway-go/internal/logs"
	"mcpgateway-go/internal/metrics"
	"mcpgateway-go/internal/processlock"
	"mcpgateway-go/internal/server"
	"mcpgateway-go/internal/shutdown"
	"mcpgateway-go/internal/storage"
	"mcpgateway-go/internal/upstream"
)

var serveFlags struct {
	listen   string
	logLevel string
	dataDir  string
	noWatch  bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway with the specified configuration.

Examples:
  # Default endpoints on :8080
  mcpgateway serve

  # Custom config, reloaded when the file changes
  mcpgateway serve --config /etc/mcpgateway/config.yaml

  # Override the listen address
  mcpgateway serve --listen 127.0.0.1:9090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "override listen address")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	serveCmd.Flags().StringVar(&serveFlags.dataDir, "data-dir", "", "override data directory")
	serveCmd.Flags().BoolVar(&serveFlags.noWatch, "no-watch", false, "do not reload the config file on change")
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := config.NewViper()
	if err := v.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
		return err
	}
	if err := v.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir")); err != nil {
		return err
	}

	bootLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create boot logger: %w", err)
	}
	loader, err := config.NewLoader(cfgFile, v, bootLogger)
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if serveFlags.logLevel != "" {
		cfg.Logging.Level = serveFlags.logLevel
	}

	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.Info("Starting mcpgateway",
		zap.String("version", Version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("endpoints", len(cfg.Endpoints)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coordinator := shutdown.NewCoordinator(logger)

	lock := processlock.New(cfg.DataDir, logger)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	bus := events.NewBus()
	audit, err := startAudit(ctx, cfg, bus)
	if err != nil {
		return err
	}

	store, err := storage.NewManager(cfg.DataDir, logger.Sugar())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	pool := upstream.NewClientPool(logger, Version)
	registry := upstream.NewRegistry(cfg.Registry, pool,
		upstream.WithStore(store),
		upstream.WithPublisher(bus),
		upstream.WithLogger(logger))

	tokens := auth.NewStaticTokens(cfg.Auth.Tokens)
	mux := gateway.New(
		gateway.WithLogger(logger),
		gateway.WithRegistry(registry),
		gateway.WithCaller(pool),
		gateway.WithBus(bus),
		gateway.WithTokens(tokens),
	)

	// Configured upstreams go first so their settings and secrets win over
	// the stored records, which Restore then only adds to.
	if err := mux.SyncUpstreams(ctx, cfg.Upstreams); err != nil {
		logger.Warn("Failed to register configured upstreams", zap.Error(err))
	}
	restored, err := registry.Restore(ctx)
	if err != nil {
		logger.Warn("Failed to restore upstreams", zap.Error(err))
	}
	logger.Info("Upstreams loaded",
		zap.Int("configured", len(cfg.Upstreams)),
		zap.Int("restored", restored))
	for _, ec := range cfg.Endpoints {
		if _, err := mux.AddEndpoint(ec); err != nil {
			return fmt.Errorf("endpoint %s: %w", ec.Name, err)
		}
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m := metrics.New(mux)
		m.TrackDrops(bus)
		go m.Run(ctx, bus.SubscribeAll())
		metricsHandler = m.Handler()
	}

	srv := server.New(cfg, mux, metricsHandler, logger)
	if err := srv.Listen(); err != nil {
		return err
	}

	registry.Start(ctx)

	if cfgFile != "" && !serveFlags.noWatch {
		if err := loader.StartWatching(mux.ApplyConfig); err != nil {
			logger.Warn("Config reload disabled", zap.Error(err))
		}
	}

	coordinator.RegisterFunc("http-server", shutdown.PhaseListener, srv.Shutdown)
	coordinator.RegisterFunc("endpoints", shutdown.PhaseEndpoints, mux.Shutdown)
	coordinator.RegisterFunc("registry", shutdown.PhaseUpstreams, func(context.Context) error {
		registry.Stop()
		return nil
	})
	coordinator.RegisterFunc("upstream-clients", shutdown.PhaseUpstreams, func(context.Context) error {
		return pool.Close()
	})
	coordinator.RegisterFunc("storage", shutdown.PhaseStorage, func(context.Context) error {
		return store.Close()
	})
	coordinator.RegisterFunc("config-watcher", shutdown.PhaseCleanup, func(context.Context) error {
		return loader.Stop()
	})
	coordinator.RegisterFunc("audit-log", shutdown.PhaseCleanup, func(context.Context) error {
		return audit.Close()
	})
	coordinator.RegisterFunc("event-bus", shutdown.PhaseCleanup, func(context.Context) error {
		bus.Close()
		return nil
	})

	serveErr := srv.Serve(ctx)
	if serveErr != nil {
		logger.Error("Server stopped with error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	err = coordinator.Shutdown(shutdownCtx)
	_ = logger.Sync()

	if serveErr != nil {
		return serveErr
	}
	return err
}

// startAudit consumes the bus in the background. The consumer runs even
// when the audit file is disabled since escalations still go to the
// failure log.
func startAudit(ctx context.Context, cfg *config.Config, bus *events.Bus) (*logs.AuditLogger, error) {
	audit, err := logs.NewAuditLogger(cfg.Logging, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	go audit.Run(ctx, bus.SubscribeAll())
	return audit, nil
}
