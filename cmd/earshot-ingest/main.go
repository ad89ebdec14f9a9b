// Command earshot-ingest is the chunk upload API. It authenticates recorder
// devices, stores Ogg/Opus chunks on the shared audio volume, and queues
// them in PostgreSQL for the VAD worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/earshotlabs/earshot/internal/config"
	"github.com/earshotlabs/earshot/internal/health"
	"github.com/earshotlabs/earshot/internal/ingest"
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/storage"
	"github.com/earshotlabs/earshot/internal/store"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment & configuration ───────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "earshot-ingest: load .env: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-ingest: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.Level(),
	})))

	slog.Info("earshot-ingest starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Ingest.ListenAddr(),
		"storage_root", cfg.Storage.Root,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earshot-ingest",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := store.NewPool(ctx, cfg.Database.URL, cfg.Database.StatementTimeout())
	if err != nil {
		slog.Error("failed to configure database pool", "err", err)
		return 1
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("database unreachable", "err", err)
		return 1
	}

	// The ingest service owns the schema; the worker only waits for it.
	if err := store.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "err", err)
		return 1
	}

	// ── Storage volume ────────────────────────────────────────────────────────
	blobs, err := storage.New(cfg.Storage.Root)
	if err != nil {
		slog.Error("failed to open storage volume", "err", err)
		return 1
	}

	// ── Wiring ────────────────────────────────────────────────────────────────
	devices := store.NewDeviceStore(pool)
	chunks := store.NewChunkStore(pool)
	sweeper := storage.NewSweeper(blobs, chunks, cfg.Ingest.OrphanMinAge())

	hc := health.New(
		func(ctx context.Context) error { return pool.Ping(ctx) },
		func(context.Context) error { return blobs.CheckWritable() },
	)

	srv := ingest.NewServer(cfg.Ingest, devices, chunks, blobs, sweeper, hc, nil)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
