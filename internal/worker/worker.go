// Package worker implements the VAD/dialogue worker: it claims uploaded
// chunks from the queue, decodes them, detects speech, and commits segments
// and stitched dialogues in a single transaction per chunk.
//
// Chunks of one device are always processed strictly in upload order, so the
// stitcher sees each device's timeline the way it happened; different
// devices fan out across a CPU-sized pool. Everything the worker does is
// crash-safe: a claim that never commits is returned to the queue by the
// recovery loop, and commits are guarded so a requeued chunk can only land
// once.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/earshotlabs/earshot/internal/config"
	"github.com/earshotlabs/earshot/internal/dialogue"
	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/resilience"
	"github.com/earshotlabs/earshot/internal/store"
	"github.com/earshotlabs/earshot/internal/vad"
)

// chunkQueue is the slice of the chunk store the worker consumes.
type chunkQueue interface {
	ClaimBatch(ctx context.Context, limit int) ([]store.Chunk, error)
	RequeueStuck(ctx context.Context, stuckAfter time.Duration) ([]uuid.UUID, error)
	MarkError(ctx context.Context, chunkID uuid.UUID, msg string) error
	CountByStatus(ctx context.Context) (map[store.Status]int64, error)
}

// dialogueCommitter executes stitching plans and closes abandoned states.
type dialogueCommitter interface {
	CommitChunk(ctx context.Context, chunk *store.Chunk, segments []store.Segment, plan store.Planner) (store.CommitPlan, error)
	SweepStaleStates(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
}

// blobReader reads chunk files from the shared volume.
type blobReader interface {
	ReadFile(relPath string) ([]byte, error)
}

// Worker drives the processing pipeline. Construct with [New] and start with
// [Worker.Run].
type Worker struct {
	cfg       config.WorkerConfig
	chunks    chunkQueue
	dialogues dialogueCommitter
	blobs     blobReader
	stitcher  *dialogue.Stitcher
	metrics   *observe.Metrics
	summary   *observe.Summary
	retryCfg  resilience.RetryConfig
	vadOpts   vad.Options
}

// New assembles a Worker over its collaborators. metrics may be nil to use
// the process-wide default instruments.
func New(cfg config.WorkerConfig, chunks chunkQueue, dialogues dialogueCommitter, blobs blobReader, metrics *observe.Metrics) *Worker {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Worker{
		cfg:       cfg,
		chunks:    chunks,
		dialogues: dialogues,
		blobs:     blobs,
		stitcher:  dialogue.New(cfg.Dialogue.SilenceGap(), cfg.Dialogue.MaxDialogue()),
		metrics:   metrics,
		summary:   observe.NewSummary(),
		retryCfg: resilience.RetryConfig{
			Attempts: cfg.MaxRetries,
			Delay:    cfg.RetryDelay(),
		},
		vadOpts: vad.Options{
			Aggressiveness: cfg.VAD.Aggressiveness,
			FrameMs:        cfg.VAD.FrameMs,
		},
	}
}

// Run processes the queue until ctx is cancelled. On cancellation the worker
// stops claiming immediately and gives in-flight chunks a grace window to
// finish their commits; whatever is still running after the window is
// abandoned and returned to the queue by the stuck-claim recovery.
func (w *Worker) Run(ctx context.Context) error {
	// Processing outlives the run context so the grace window can work;
	// cancelWork is the hard stop.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	workDone := make(chan struct{})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(workDone)
		w.processLoop(ctx, workCtx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		select {
		case <-workDone:
		case <-time.After(w.cfg.ShutdownGrace()):
			slog.Warn("shutdown grace expired, abandoning in-flight chunks")
			cancelWork()
		}
		return nil
	})

	g.Go(func() error {
		w.recoveryLoop(ctx)
		return nil
	})

	g.Go(func() error {
		w.stateSweepLoop(ctx)
		return nil
	})

	g.Go(func() error {
		w.summaryLoop(ctx)
		return nil
	})

	return g.Wait()
}

// processLoop drains the queue, then polls for new work.
func (w *Worker) processLoop(ctx, workCtx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	for {
		w.drainQueue(ctx, workCtx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainQueue claims and processes batches back to back for as long as full
// batches come back; a short batch means the queue is (momentarily) empty.
func (w *Worker) drainQueue(ctx, workCtx context.Context) {
	for ctx.Err() == nil {
		n, err := w.processBatch(ctx, workCtx)
		if err != nil {
			slog.Warn("claim batch failed", "error", err)
			return
		}
		if n < w.cfg.BatchSize {
			return
		}
	}
}

// recoveryLoop returns chunks whose worker died mid-claim to the queue.
func (w *Worker) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RecoveryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.recoverStuck(ctx)
		}
	}
}

func (w *Worker) recoverStuck(ctx context.Context) {
	ids, err := w.chunks.RequeueStuck(ctx, w.cfg.StuckTimeout())
	if err != nil {
		slog.Warn("stuck chunk recovery failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	slog.Warn("requeued stuck chunks", "count", len(ids), "chunk_ids", ids)
	w.metrics.RecordRequeued(ctx, len(ids))
	w.summary.RecordRequeued(len(ids))
}

// stateSweepLoop closes open-dialogue state for devices that went silent
// without a further chunk to trigger the stale-close path.
func (w *Worker) stateSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RecoveryInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepStaleStates(ctx)
		}
	}
}

func (w *Worker) sweepStaleStates(ctx context.Context) {
	devices, err := w.dialogues.SweepStaleStates(ctx, w.cfg.Dialogue.SilenceGap())
	if err != nil {
		slog.Warn("stale state sweep failed", "error", err)
	}
	if len(devices) == 0 {
		return
	}
	slog.Info("closed stale dialogue states", "count", len(devices), "device_ids", devices)
	w.metrics.StatesSwept.Add(ctx, int64(len(devices)))
	w.summary.RecordSwept(len(devices))
}

// summaryLoop periodically flushes the windowed digest and logs queue depth.
func (w *Worker) summaryLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MetricsLogInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.summary.Flush(slog.Default())
			return
		case <-ticker.C:
			w.summary.Flush(slog.Default())
			w.logQueueDepth(ctx)
		}
	}
}

func (w *Worker) logQueueDepth(ctx context.Context) {
	counts, err := w.chunks.CountByStatus(ctx)
	if err != nil {
		slog.Warn("queue depth query failed", "error", err)
		return
	}
	slog.Info("queue depth",
		"queued", counts[store.StatusQueued],
		"processing", counts[store.StatusProcessing],
		"done", counts[store.StatusDone],
		"error", counts[store.StatusError],
	)
}
