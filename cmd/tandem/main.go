package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tandemhq/tandem/internal/connectors"
	"github.com/tandemhq/tandem/internal/engine"
	"github.com/tandemhq/tandem/internal/expressions"
	"github.com/tandemhq/tandem/internal/logging"
	"github.com/tandemhq/tandem/internal/preflight"
	"github.com/tandemhq/tandem/internal/scheduler"
	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tandem:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := connectors.NewRegistry()
	httpCfg := connectors.HTTPConfig{MaxResponseBody: cfg.MaxBodyBytes}
	if cfg.HTTPTimeout > 0 {
		httpCfg.DefaultTimeout = time.Duration(cfg.HTTPTimeout) * time.Second
	}
	if err := connectors.RegisterBuiltins(registry, httpCfg, logger); err != nil {
		return fmt.Errorf("register connectors: %w", err)
	}

	exprs, err := expressions.NewEvaluator()
	if err != nil {
		return fmt.Errorf("build expression engines: %w", err)
	}

	rt := engine.NewRuntime(engine.RuntimeConfig{
		Store:     st,
		Registry:  registry,
		Exprs:     exprs,
		Preflight: preflight.NewValidator(registry, logger),
		PoolSize:  cfg.PoolSize,
		Logger:    logger,
	})
	defer rt.Shutdown()

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, rt, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed trigger recovery failed", "error", err.Error())
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewTandemServer(mcp.TandemServerDeps{
		Engine:    rt,
		Store:     st,
		Preflight: preflight.NewValidator(registry, logger),
		Logger:    logger,
	})

	logger.Info("tandem serving on stdio",
		"db", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"connectors", registry.Count())
	return srv.Serve(ctx)
}

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
	// Logs share stderr; stdout carries the MCP transport.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
