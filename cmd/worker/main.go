// Package main is the entrypoint for the genflow executor worker. It consumes
// dispatched tasks from RabbitMQ and runs the retention janitor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/genflow/internal/app"
	"github.com/kiranshivaraju/genflow/internal/config"
	"github.com/kiranshivaraju/genflow/internal/observability"
	"golang.org/x/sync/errgroup"
)

var errLocalDispatch = errors.New("worker needs DISPATCH_BACKEND=rabbitmq; the server runs executors itself in local mode")

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadDotEnv(".env.local", ".env"); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Local() {
		return errLocalDispatch
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "concurrency", cfg.Dispatch.Concurrency)

	shutdownTracing, err := observability.Init(ctx, cfg.Telemetry, observability.Options{
		Component:   "worker",
		Environment: cfg.Server.Env,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := app.Build(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Work(gctx) })
	g.Go(func() error { return a.Janitor().Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped")
	return nil
}
