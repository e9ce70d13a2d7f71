package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/metrics"
	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/internal/server"
	"github.com/3leaps/gofielding/internal/server/handlers"
	"github.com/3leaps/gofielding/internal/worker"
	"github.com/3leaps/gofielding/pkg/output"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ledger API over HTTP",
	Long: `Serve the collaborator API: round clock, job queue, planner, submissions and
cable draining, plus health probes, /version and /metrics.

Examples:
  gofielding serve
  gofielding serve --host 0.0.0.0 --port 8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")

	overrides := flagOverrides()
	if host != "" {
		overrides["server.host"] = host
	}
	if cmd.Flags().Changed("port") {
		overrides["server.port"] = port
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfigWith(ctx, overrides)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile)
	defer func() { _ = logger.Sync() }()

	db, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if !isReadOnly() {
		if err := migrateLedger(ctx, db); err != nil {
			return err
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	planner, err := worker.NewPlanner(db, logger, collector, worker.PlannerConfig{
		RateLimit:   cfg.Worker.RateLimit,
		TargetMatch: cfg.Worker.TargetMatch,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid planner configuration", err)
	}
	submitter := worker.NewSubmitter(db, cfg.Team.SelfName, logger, collector)
	if cfg.Worker.TargetMatch != "" {
		submitter = submitter.WithTargetMatch(cfg.Worker.TargetMatch)
	}

	api := &handlers.API{
		DB:        db,
		Planner:   planner,
		Submitter: submitter,
		SelfTeam:  cfg.Team.SelfName,
		Logger:    logger,
		NewDrainer: func(w output.Writer) *worker.Drainer {
			return worker.NewDrainer(db, w, cfg.Team.SelfName, logger, collector)
		},
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("ledger", handlers.LedgerChecker{DB: db})
	health.RegisterChecker("signals", signalHealthChecker{})
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	if collector != nil {
		health.RegisterChecker("metrics", metricsHealthChecker{collector: collector})
	}

	opts := []server.Option{
		server.WithAPI(api),
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if collector != nil {
		opts = append(opts, server.WithMetrics(collector))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	if collector != nil && cfg.Metrics.Port != 0 && cfg.Metrics.Port != cfg.Server.Port {
		go func() {
			if err := collector.Serve(ctx, cfg.Server.Host, cfg.Metrics.Port); err != nil {
				logger.Warn("Metrics listener stopped", zap.Error(err))
			}
		}()
	}

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Graceful shutdown failed", err)
	}
	if err := <-errCh; err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
	}
	logger.Info("Server stopped")
	return nil
}

type metricsHealthChecker struct {
	collector *metrics.Collector
}

func (c metricsHealthChecker) CheckHealth(ctx context.Context) error {
	if c.collector == nil {
		return errors.New("metrics collector not initialized")
	}
	return c.collector.CheckHealth(ctx)
}

// signalHealthChecker reports healthy while the process is still serving;
// shutdown is driven by the signal context, not by this check.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error {
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("identity check failed: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("identity check failed: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("identity check failed: missing config name")
	}
	return nil
}
