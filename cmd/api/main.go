// Package main is the entry point for the BuildFlow API server.
//
// It loads configuration, connects the PostgreSQL pool, builds the weather
// capture and rules evaluation services, wires the HTTP chassis (middleware,
// routing, health checks, metrics), and starts listening for requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atpyprog/buildflow-backend/internal/api/handlers"
	"github.com/atpyprog/buildflow-backend/internal/config"
	"github.com/atpyprog/buildflow-backend/internal/core"
	"github.com/atpyprog/buildflow-backend/internal/db"
	"github.com/atpyprog/buildflow-backend/internal/observability"
	"github.com/atpyprog/buildflow-backend/internal/rules"
	"github.com/atpyprog/buildflow-backend/internal/weather"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("buildflow API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Connect(connectCtx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	sectorRepo := db.NewSectorRepository(pool)
	batchRepo := db.NewWeatherBatchRepository(pool)
	baselineRepo := db.NewBaselineRepository(pool)
	issueRepo := db.NewIssueRepository(pool)
	runRepo := db.NewRuleRunRepository(pool)

	metrics := observability.NewMetrics()

	providerClient := weather.NewClient(
		cfg.Weather.BaseURL,
		&http.Client{Timeout: cfg.Weather.RequestTimeout},
		metrics,
	)
	captureSvc := weather.NewCaptureService(
		sectorRepo,
		batchRepo,
		providerClient,
		weather.CaptureOptions{
			DefaultLatitude:  cfg.Weather.DefaultLatitude,
			DefaultLongitude: cfg.Weather.DefaultLongitude,
			Timezone:         cfg.Weather.Timezone,
			CacheTTL:         cfg.Weather.CacheTTL,
		},
		logger,
		nil,
		metrics,
	)
	applySvc := rules.NewApplyService(
		sectorRepo,
		batchRepo,
		baselineRepo,
		issueRepo,
		runRepo,
		logger,
		nil,
		metrics,
	)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.MetricsHandler = promhttp.Handler()
	srv.HealthProbes = []core.HealthProbe{db.NewPingProbe(pool)}
	srv.OnShutdown(func() error {
		pool.Close()
		return nil
	})

	rulesHandler := handlers.NewRulesHandler(applySvc, runRepo, srv.Validator, logger)
	weatherHandler := handlers.NewWeatherHandler(captureSvc, baselineRepo, srv.Validator, logger)
	issuesHandler := handlers.NewIssuesHandler(issueRepo, sectorRepo, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		rulesHandler.RegisterRoutes,
		weatherHandler.RegisterRoutes,
		issuesHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
