// Package main is the entry point for the StockMeter API server.
//
// It loads configuration, wires the engine (database, billing services,
// processor client, transition sinks, metrics), mounts the account, admin
// and Stripe webhook handlers on the core chassis and serves HTTP until
// SIGINT or SIGTERM.
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

	"stockmeter/internal/api/handlers"
	"stockmeter/internal/app"
	"stockmeter/internal/config"
	"stockmeter/internal/core"
	"stockmeter/internal/external"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("stockmeter API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	if engine.Metrics != nil {
		go engine.Metrics.Start(ctx, cfg.Observability.FlushInterval)
	}

	srv, err := newServer(cfg, logger, engine)
	if err != nil {
		_ = engine.Close(context.Background())
		return err
	}

	return runHTTPServer(ctx, srv, cfg, logger)
}

// secretProvider returns the SSM provider outside local mode.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	var opts []config.SSMOption
	if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, config.WithSSMEndpoint(endpoint))
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"), opts...)
}

// newServer builds the chassis and mounts every handler.
func newServer(cfg *config.Config, logger *slog.Logger, e *app.Engine) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	if e.Metrics != nil {
		srv.Metrics = e.Metrics
	}
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{ProbeName: "database", Target: e.Pool})
	srv.OnShutdown(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Close(ctx)
	})

	billingHandler := handlers.NewBillingHandler(
		e.Accounts,
		e.Summary,
		e.Meter,
		e.Gate,
		e.Subscriptions,
		e.Clock,
		srv.Validator,
		logger,
	)

	adminAuth := core.NewAdminAuth(cfg.Security.AdminAPIKeyHash, logger)
	adminHandler := handlers.NewAdminHandler(
		e.Subs,
		e.Transitions,
		e.Subscriptions,
		e.Webhooks,
		adminAuth.Middleware,
		e.Clock,
		logger,
	)

	var recorder handlers.WebhookRecorder
	if e.Metrics != nil {
		recorder = e.Metrics
	}
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		e.Webhooks,
		e.Generator,
		e.Subscriptions,
		e.Prices,
		recorder,
		cfg.Billing.StripeWebhookSecret,
		e.Clock,
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		billingHandler.RegisterRoutes,
		adminHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)
	srv.MountRoutes()
	return srv, nil
}

// runHTTPServer serves until ctx is cancelled, then shuts down gracefully.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
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

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger for the given level. Unknown levels
// fall back to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
