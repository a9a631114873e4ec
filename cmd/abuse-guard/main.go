// Package main is the entry point for the abuse guard service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"abuse-guard/internal/api"
	"abuse-guard/internal/config"
	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/guard"
	"abuse-guard/internal/logging"
	"abuse-guard/internal/metrics"
	"abuse-guard/internal/retention"
	"abuse-guard/internal/secrets"
	"abuse-guard/internal/startup"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	strict := flag.Bool("strict", false, "Refuse to start when startup diagnostics report errors")
	flag.Parse()

	if *showVersion {
		fmt.Printf("abuse-guard %s\n", version)
		return
	}

	if err := run(*strict); err != nil {
		slog.Error("abuse guard exited", "error", err)
		os.Exit(1)
	}
}

func run(strict bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	secretStore, err := secrets.NewManager(&secrets.Config{
		EnableEnv: true,
		Dir:       os.Getenv("GUARD_SECRETS_DIR"),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init secrets: %w", err)
	}
	if err := secretStore.ResolveConfig(context.Background(), cfg); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	gerrors.SetProductionMode(cfg.Server.Production)

	slog.Info("configuration loaded",
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"store", cfg.Store.Type,
		"auth_enabled", cfg.Auth.Enabled,
		"fail_policy", cfg.BlockList.FailPolicy,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(registry)

	g, err := guard.New(guard.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("create guard: %w", err)
	}

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(context.Background(), g)
	if strict && diag.HasErrors() {
		g.Close(context.Background())
		return errors.New("startup diagnostics failed")
	}

	var pruner *retention.Manager
	if cfg.Retention.Enabled {
		pruner, err = retention.NewManager(cfg.Retention.Schedule, logger)
		if err != nil {
			g.Close(context.Background())
			return err
		}
		pruner.AddJob("audit", g.PruneAudit)
		pruner.AddJob("alert_index", g.PruneAlertIndex)
		if err := pruner.Start(); err != nil {
			g.Close(context.Background())
			return err
		}
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.NewRouter(api.Options{
			Config:   cfg,
			Service:  g,
			Gatherer: registry,
			Logger:   logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting abuse guard", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case runErr = <-serverErr:
		slog.Error("server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if pruner != nil {
		if err := pruner.Stop(shutdownCtx); err != nil {
			slog.Error("retention stop error", "error", err)
		}
	}

	if err := g.Close(shutdownCtx); err != nil {
		slog.Error("guard close error", "error", err)
	}
	stats := g.NotificationStats()

	slog.Info("shutdown complete",
		"notifications_delivered", stats.Delivered,
		"notifications_dead_letter", stats.DeadLetter,
		"notifications_dropped", stats.Dropped,
	)
	return runErr
}
