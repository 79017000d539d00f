// Package main implements the entry point for the telemetrykit
// pipeline: a broker-to-storage telemetry ingester with schema
// validation, live subscriber fan-out and retention cleanup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/telemetrykit/config"
	"github.com/c360/telemetrykit/health"
	"github.com/c360/telemetrykit/ingest"
	"github.com/c360/telemetrykit/metric"
	"github.com/c360/telemetrykit/retention"
	"github.com/c360/telemetrykit/router"
	"github.com/c360/telemetrykit/router/wsbridge"
	"github.com/c360/telemetrykit/schema"
	"github.com/c360/telemetrykit/storage"
	"github.com/c360/telemetrykit/transport"

	// Storage backends self-register with the factory.
	_ "github.com/c360/telemetrykit/storage/docstore"
	_ "github.com/c360/telemetrykit/storage/filestore"
	_ "github.com/c360/telemetrykit/storage/influxstore"
	_ "github.com/c360/telemetrykit/storage/sqlstore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "telemetrykit"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting telemetrykit",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runPipeline(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

// runPipeline wires every component, runs until ctx is cancelled and
// then shuts the stack down back-to-front.
func runPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	registry := metric.NewRegistry()
	monitor := health.NewMonitor()

	validator, err := buildValidator(cfg, logger)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize storage backend: %w", err)
	}

	tr, err := transport.New(cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	rt, err := router.New(cfg.Router, logger, registry.Pipeline)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	rt.Start(ctx)

	coordinator, err := ingest.New(*cfg, ingest.Deps{
		Transport: tr,
		Validator: validator,
		Store:     store,
		Router:    rt,
		Pipeline:  registry.Pipeline,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	scheduler, err := retentionScheduler(cfg, store, logger)
	if err != nil {
		return err
	}

	bridge, err := subscribeBridge(cfg, rt, logger)
	if err != nil {
		return err
	}

	metricsServer, err := startMetricsServer(cfg, registry)
	if err != nil {
		return err
	}

	healthServer := startHealthServer(cfg, monitor)

	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	if scheduler != nil {
		scheduler.Start(ctx)
	}

	go watchHealth(ctx, monitor, coordinator, tr, rt)

	slog.Info("Pipeline running",
		"transport", cfg.Transport.Kind,
		"backend", cfg.Storage.Backend,
		"topics", cfg.Transport.Topics)

	<-ctx.Done()
	slog.Info("Shutdown signal received", "timeout", shutdownTimeout)

	// Retention and the websocket bridge go first so nothing touches
	// storage or the router while the coordinator drains its buffer.
	if scheduler != nil {
		scheduler.Stop()
	}
	if bridge != nil {
		if err := bridge.Stop(shutdownTimeout); err != nil {
			slog.Warn("Websocket bridge shutdown", "error", err)
		}
	}

	// Coordinator.Stop flushes the remaining buffer, then closes the
	// transport and the storage backend.
	if err := coordinator.Stop(shutdownTimeout); err != nil {
		slog.Warn("Coordinator shutdown", "error", err)
	}

	rt.Close()

	if healthServer != nil {
		shutdownHTTP(healthServer, shutdownTimeout)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			slog.Warn("Metrics server shutdown", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return nil
}

// buildValidator loads schema documents and seals the registry before
// the first message arrives.
func buildValidator(cfg *config.Config, logger *slog.Logger) (*schema.Validator, error) {
	registry := schema.NewRegistry(logger)
	if cfg.Schema.Dir != "" {
		if err := registry.LoadDir(cfg.Schema.Dir); err != nil {
			return nil, fmt.Errorf("load schemas from %s: %w", cfg.Schema.Dir, err)
		}
		slog.Info("Schemas loaded", "dir", cfg.Schema.Dir, "count", registry.Len())
	}
	registry.Seal()

	return schema.NewValidator(registry, schema.Mode(cfg.Schema.DefaultMode)), nil
}

func retentionScheduler(cfg *config.Config, store storage.Backend, logger *slog.Logger) (*retention.Scheduler, error) {
	if !cfg.Retention.Enabled {
		return nil, nil
	}
	scheduler, err := retention.New(cfg.Retention, store, logger)
	if err != nil {
		return nil, fmt.Errorf("create retention scheduler: %w", err)
	}
	return scheduler, nil
}

func subscribeBridge(cfg *config.Config, rt *router.Router, logger *slog.Logger) (*wsbridge.Bridge, error) {
	if !cfg.Subscribe.Enabled {
		return nil, nil
	}
	bridge, err := wsbridge.New(cfg.Subscribe.Port, cfg.Subscribe.Path, rt, logger)
	if err != nil {
		return nil, fmt.Errorf("create websocket bridge: %w", err)
	}
	if err := bridge.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start websocket bridge: %w", err)
	}
	return bridge, nil
}

func startMetricsServer(cfg *config.Config, registry *metric.Registry) (*metric.Server, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}
	server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}
	return server, nil
}

func startHealthServer(cfg *config.Config, monitor *health.Monitor) *http.Server {
	if !cfg.Health.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", monitor.Handler(appName))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health server failed", "error", err)
		}
	}()

	return server
}

func shutdownHTTP(server *http.Server, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("Health server shutdown", "error", err)
	}
}

// watchHealth refreshes the health monitor from live component state.
func watchHealth(
	ctx context.Context,
	monitor *health.Monitor,
	coordinator *ingest.Coordinator,
	tr transport.Transport,
	rt *router.Router,
) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	update := func() {
		if tr.Connected() {
			monitor.UpdateHealthy("transport", "connected")
		} else {
			monitor.UpdateUnhealthy("transport", "disconnected")
		}

		switch state := coordinator.State(); state {
		case ingest.StateRunning:
			monitor.UpdateHealthy("coordinator", state.String())
		case ingest.StateReconnecting, ingest.StateConnecting:
			monitor.UpdateDegraded("coordinator", state.String())
		default:
			monitor.UpdateUnhealthy("coordinator", state.String())
		}

		monitor.UpdateHealthy("router",
			fmt.Sprintf("%d subscriber sessions", rt.SessionCount()))
	}

	update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
