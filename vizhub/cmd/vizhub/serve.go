package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/vizhub/vizhub/audit"
	"github.com/tomyedwab/vizhub/vizhub/catalog"
	"github.com/tomyedwab/vizhub/vizhub/compute"
	"github.com/tomyedwab/vizhub/vizhub/config"
	"github.com/tomyedwab/vizhub/vizhub/credentials"
	"github.com/tomyedwab/vizhub/vizhub/hub"
	"github.com/tomyedwab/vizhub/vizhub/metrics"
	"github.com/tomyedwab/vizhub/vizhub/processes"
	"github.com/tomyedwab/vizhub/vizhub/routing"
	"github.com/tomyedwab/vizhub/vizhub/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub HTTP server",
	Long: `Run the hub: the JSON API under <base>/api, instance traffic under
<base>/trame/<id>/, /healthz and /metrics.

On SIGINT or SIGTERM the server stops accepting requests and every running
instance is stopped (SIGINT, then SIGKILL after the grace period).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, newLogger())
	},
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("Starting vizhub", "listen", cfg.Listen, "basePath", cfg.BasePath, "backend", cfg.Backend)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Metrics and audit trail
	collector := metrics.NewCollector("")
	collector.Registry().MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var launchAuditor processes.Auditor
	var paraviewAuditor hub.ParaViewAuditor
	var eventLog server.EventLog
	if cfg.Audit {
		auditDatabase, err := sqlx.Connect("sqlite3", filepath.Join(cfg.StateDir, "audit.db"))
		if err != nil {
			return fmt.Errorf("open audit database: %w", err)
		}
		defer auditDatabase.Close()
		auditLogger, err := audit.NewLogger(auditDatabase)
		if err != nil {
			return fmt.Errorf("initialize audit logger: %w", err)
		}
		launchAuditor, paraviewAuditor, eventLog = auditLogger, auditLogger, auditLogger
		logger.Info("Audit logger initialized", "retention", cfg.AuditRetention)
		if cfg.AuditRetention > 0 {
			go auditLogger.PruneEvery(ctx, cfg.AuditRetention, time.Hour, logger)
		}
	}

	// 2. Instance launcher and routes
	routes := routing.NewRouteTable(routing.Config{Logger: logger})
	collector.WatchRoutes(routes.Len)
	ports := processes.NewPortManager()

	launcher, err := processes.NewLauncher(processes.Config{
		Ports:                  ports,
		Issuer:                 credentials.NewIssuer(credentials.Config{Dir: cfg.TokenDir}),
		Router:                 routes,
		BasePath:               cfg.BasePath,
		Shell:                  cfg.Shell,
		GracefulShutdownPeriod: cfg.StopGracePeriod,
		LogBufferSize:          cfg.LogBufferSize,
		Auditor:                launchAuditor,
		Metrics:                collector,
		Logger:                 logger,
	})
	if err != nil {
		return err
	}

	// 3. Compute backend
	computeConfig := cfg.ComputeConfig()
	computeConfig.Ports = ports
	computeConfig.Logger = logger
	backend, err := compute.New(cfg.Backend, computeConfig)
	if err != nil {
		return err
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}

	h, err := hub.New(hub.Config{
		Catalog:     catalog.New(catalog.Config{Lenient: !cfg.StrictDiscovery, Logger: logger}),
		SearchPaths: cfg.SearchPaths(os.Getenv),
		Launcher:    launcher,
		Routes:      routes,
		Backend:     backend,
		BackendName: cfg.Backend,
		Auditor:     paraviewAuditor,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	// 4. HTTP server
	httpServer := &http.Server{
		Addr: cfg.Listen,
		Handler: server.New(server.Config{
			Hub:      h,
			Events:   eventLog,
			BasePath: cfg.BasePath,
			Metrics:  collector.Handler(),
			Logger:   logger,
			StopWait: cfg.StopGracePeriod + 5*time.Second,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Serve until a signal arrives
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server...", "address", cfg.Listen)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
		shutdownInstances(h, cfg, logger)
		return err
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}
	shutdownInstances(h, cfg, logger)

	logger.Info("vizhub has completed its shutdown sequence.")
	return nil
}

func shutdownInstances(h *hub.Hub, cfg config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
	defer cancel()
	logger.Info("Stopping all instances...")
	h.Shutdown(ctx)
}
