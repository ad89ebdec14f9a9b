// Package ingest implements the HTTP API that recorder devices upload audio
// chunks to. The surface has four parts: the device-token authenticated
// upload endpoint with idempotent retry handling, admin endpoints for device
// registration, an internal chunk-fetch endpoint for downstream workers, and
// the health/metrics pair.
//
// Uploads are durable before they are acknowledged: the chunk file is synced
// to the shared volume first, then the QUEUED row commits, so a chunk the
// recorder saw accepted can always be processed. The reverse failure (file
// written, row insert lost) leaves an orphan that the background sweep
// reclaims.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/earshotlabs/earshot/internal/config"
	"github.com/earshotlabs/earshot/internal/health"
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/storage"
	"github.com/earshotlabs/earshot/internal/store"
)

// shutdownTimeout bounds how long Run waits for in-flight uploads to drain
// after the context is cancelled.
const shutdownTimeout = 15 * time.Second

// deviceStore is the slice of the device store the API consumes.
type deviceStore interface {
	Create(ctx context.Context, d *store.Device) error
	Get(ctx context.Context, deviceID uuid.UUID) (*store.Device, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*store.Device, error)
	SetEnabled(ctx context.Context, deviceID uuid.UUID, enabled bool) (*store.Device, error)
	List(ctx context.Context) ([]store.Device, error)
	TouchLastSeen(ctx context.Context, deviceID uuid.UUID) error
}

// chunkStore is the slice of the chunk store the API consumes.
type chunkStore interface {
	Insert(ctx context.Context, c *store.Chunk) error
	Get(ctx context.Context, chunkID uuid.UUID) (*store.Chunk, error)
	DuplicateCandidates(ctx context.Context, deviceID uuid.UUID, startTS time.Time, size int64, tolerance time.Duration) ([]store.Chunk, error)
}

// Server is the ingest API. Construct with [NewServer]; serve either through
// [Server.Run] or by mounting [Server.Handler] on an existing listener.
type Server struct {
	cfg     config.IngestConfig
	devices deviceStore
	chunks  chunkStore
	blobs   *storage.Store
	sweeper *storage.Sweeper
	health  *health.Handler
	metrics *observe.Metrics
}

// NewServer assembles the ingest API over its collaborators. sweeper may be
// nil to disable the orphan sweep; metrics may be nil to use the process-wide
// default instruments.
func NewServer(
	cfg config.IngestConfig,
	devices deviceStore,
	chunks chunkStore,
	blobs *storage.Store,
	sweeper *storage.Sweeper,
	hc *health.Handler,
	metrics *observe.Metrics,
) *Server {
	if hc == nil {
		hc = health.New(nil, nil)
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     cfg,
		devices: devices,
		chunks:  chunks,
		blobs:   blobs,
		sweeper: sweeper,
		health:  hc,
		metrics: metrics,
	}
}

// Handler returns the full route table wrapped in the observability
// middleware:
//
//	POST  /api/v1/chunks                          — chunk upload (device token)
//	POST  /api/v1/admin/devices                   — register device (admin token)
//	GET   /api/v1/admin/devices                   — list devices (admin token)
//	PATCH /api/v1/admin/devices/{deviceID}        — enable/disable (admin token)
//	GET   /api/v1/internal/chunks/{chunkID}/file  — chunk bytes (internal token)
//	GET   /health                                 — liveness + dependency probes
//	GET   /metrics                                — Prometheus exposition
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chunks", s.handleUpload)
	mux.HandleFunc("POST /api/v1/admin/devices", s.adminOnly(s.handleCreateDevice))
	mux.HandleFunc("GET /api/v1/admin/devices", s.adminOnly(s.handleListDevices))
	mux.HandleFunc("PATCH /api/v1/admin/devices/{deviceID}", s.adminOnly(s.handleUpdateDevice))
	mux.HandleFunc("GET /api/v1/internal/chunks/{chunkID}/file", s.internalOnly(s.handleChunkFile))
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(s.metrics)(mux)
}

// Run serves the API until ctx is cancelled, then drains in-flight requests.
// The orphan sweep runs alongside when a sweeper was provided.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("ingest API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ingest: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ingest: shutdown: %w", err)
		}
		return nil
	})

	if s.sweeper != nil && s.cfg.OrphanSweepInterval() > 0 {
		g.Go(func() error {
			s.runOrphanSweep(ctx)
			return nil
		})
	}

	return g.Wait()
}

// runOrphanSweep periodically deletes chunk files that never got a database
// row. The upload writes the file before the row commits, so a crash in
// between leaves debris only this loop reclaims.
func (s *Server) runOrphanSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.OrphanSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.sweeper.Sweep(ctx)
			if err != nil {
				slog.Warn("orphan sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("orphan sweep removed files", "removed", removed)
			}
		}
	}
}

// errorBody is the JSON error envelope all endpoints share.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, errorBody{Detail: detail})
}
