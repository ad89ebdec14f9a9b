// Command earshot-vad is the audio worker. It claims queued chunks from
// PostgreSQL, decodes them, runs voice-activity detection and stitches the
// detected speech into dialogues.
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
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/storage"
	"github.com/earshotlabs/earshot/internal/store"
	"github.com/earshotlabs/earshot/internal/worker"
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
		fmt.Fprintf(os.Stderr, "earshot-vad: load .env: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-vad: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.Level(),
	})))

	slog.Info("earshot-vad starting",
		"version", version,
		"config", *configPath,
		"storage_root", cfg.Storage.Root,
		"poll_interval", cfg.Worker.PollInterval(),
		"batch_size", cfg.Worker.BatchSize,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earshot-vad",
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

	// The ingest service owns the schema and usually boots first; wait for
	// the database rather than racing it.
	if err := store.WaitReady(ctx, pool, 30, 2*time.Second); err != nil {
		slog.Error("database not ready", "err", err)
		return 1
	}

	// ── Storage volume ────────────────────────────────────────────────────────
	blobs, err := storage.New(cfg.Storage.Root)
	if err != nil {
		slog.Error("failed to open storage volume", "err", err)
		return 1
	}

	// ── Wiring ────────────────────────────────────────────────────────────────
	chunks := store.NewChunkStore(pool)
	dialogues := store.NewDialogueStore(pool)

	w := worker.New(cfg.Worker, chunks, dialogues, blobs, nil)

	slog.Info("worker ready")
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
