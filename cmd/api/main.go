// Package main is the entry point for the admin report API.
//
// It serves the inactive-user report, per-user previews, notification
// history and activity touches over HTTP, behind the ADMIN_API_KEY bearer
// check. Graceful shutdown is handled via SIGINT and SIGTERM.
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

	"golang.org/x/sync/errgroup"

	"inactivity/internal/api/handlers"
	"inactivity/internal/app"
	"inactivity/internal/config"
	"inactivity/internal/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("inactivity admin API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("building lifecycle: %w", err)
	}

	srv, err := newServer(cfg, logger, a)
	if err != nil {
		_ = a.Close()
		return err
	}

	return serve(ctx, srv, cfg, logger)
}

// newServer mounts the lifecycle handlers and the health probes on the core
// chassis.
func newServer(cfg *config.Config, logger *slog.Logger, a *app.App) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	h := handlers.NewLifecycleHandler(a.Service, a.Stores.Ledger, a.Stores.Users, srv.Validator, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, h.RegisterRoutes)
	srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc("database", a.Stores.Ping))
	srv.Closers = append(srv.Closers, a.Close)
	srv.MountRoutes()

	return srv, nil
}

func serve(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}
