package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/taskloom/poolmgr/httpapi"
	"github.com/taskloom/poolmgr/internal/config"
	"github.com/taskloom/poolmgr/internal/logging"
	"github.com/taskloom/poolmgr/metrics"
	"github.com/taskloom/poolmgr/probe"
	"github.com/taskloom/poolmgr/workerpool"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "poolmgrd",
	Short: "manages pools of worker child processes",
	Long: `poolmgrd spawns and supervises pools of worker child processes,
dispatches tasks to the least-loaded member of a pool, and restarts
workers that crash. It exposes an HTTP surface for submitting tasks
and reading pool statistics.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "force debug-level logging regardless of config")
	rootCmd.AddCommand(serveCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the pool manager daemon",
	RunE:  runServe,
}

func execute() error {
	return rootCmd.Execute()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("poolmgrd: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metricsRegistry := metrics.New(registry)

	control := workerpool.NewControl(
		workerpool.WithLogger(logger),
		workerpool.WithMetrics(metricsRegistry),
		workerpool.WithProber(probe.GopsutilProber{}),
	)

	if err := control.InitPools(cfg.Pools); err != nil {
		return fmt.Errorf("poolmgrd: init pools: %w", err)
	}

	statsCtx, stopStats := context.WithCancel(context.Background())
	go control.StartStatsLoop(statsCtx, cfg.StatsInterval())

	app := fiber.New(fiber.Config{
		AppName:      "poolmgrd",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Get("/metrics", adaptPromHandler(registry))
	httpapi.Setup(app, httpapi.NewHandler(control, logger, 30*time.Second))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.Sugar().Infof("listening on %s", addr)
		if err := app.Listen(addr); err != nil {
			logger.Sugar().Fatalf("server stopped: %v", err)
		}
	}()

	sigCtx := control.InstallSignalHandlers(context.Background())
	<-sigCtx.Done()

	logger.Info("shutting down")
	stopStats()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Sugar().Warnf("http shutdown: %v", err)
	}
	if err := control.Shutdown(shutdownCtx); err != nil {
		logger.Sugar().Warnf("pool shutdown: %v", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func adaptPromHandler(registry *prometheus.Registry) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
