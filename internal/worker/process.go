package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/earshotlabs/earshot/internal/observe"
	"github.com/earshotlabs/earshot/internal/resilience"
	"github.com/earshotlabs/earshot/internal/store"
	"github.com/earshotlabs/earshot/internal/vad"
	"github.com/earshotlabs/earshot/pkg/audio"
)

// processBatch claims up to BatchSize chunks and processes them. The batch
// is sorted by (device, start time) and split into per-device runs: runs
// fan out across a CPU-sized pool, chunks within a run stay sequential so
// the stitcher sees each device's timeline in order. Returns the number of
// chunks claimed.
//
// Claiming uses ctx so it stops at shutdown; processing uses workCtx so
// in-flight chunks survive into the grace window.
func (w *Worker) processBatch(ctx, workCtx context.Context) (int, error) {
	chunks, err := w.chunks.ClaimBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	slog.Debug("claimed batch", "claimed", len(chunks))

	slices.SortFunc(chunks, func(a, b store.Chunk) int {
		if c := bytes.Compare(a.DeviceID[:], b.DeviceID[:]); c != 0 {
			return c
		}
		return a.StartTS.Compare(b.StartTS)
	})

	eg := new(errgroup.Group)
	eg.SetLimit(runtime.NumCPU())
	for start := 0; start < len(chunks); {
		end := start + 1
		for end < len(chunks) && chunks[end].DeviceID == chunks[start].DeviceID {
			end++
		}
		group := chunks[start:end]
		eg.Go(func() error {
			for i := range group {
				if workCtx.Err() != nil {
					return nil
				}
				w.processChunk(workCtx, &group[i])
			}
			return nil
		})
		start = end
	}
	_ = eg.Wait()
	return len(chunks), nil
}

// processChunk runs one claimed chunk through read, decode, VAD, and the
// dialogue commit. Failure handling is asymmetric on purpose: unreadable or
// undecodable chunks are marked ERROR (retrying cannot fix the bytes), while
// a failed commit leaves the chunk PROCESSING so the recovery loop can
// requeue it once the claim goes stale.
func (w *Worker) processChunk(ctx context.Context, chunk *store.Chunk) {
	started := time.Now()
	w.metrics.InflightChunks.Add(ctx, 1)
	defer w.metrics.InflightChunks.Add(ctx, -1)

	var outcome observe.ChunkOutcome

	data, err := resilience.RetryResult(ctx, w.retryCfg, "read chunk file", func() ([]byte, error) {
		return w.blobs.ReadFile(chunk.FilePath)
	})
	if err != nil {
		if ctx.Err() != nil {
			return // shutdown abandoned the chunk; recovery requeues it
		}
		w.failChunk(ctx, chunk, fmt.Sprintf("read chunk file: %v", err), outcome)
		return
	}

	decodeStart := time.Now()
	pcm, err := audio.DecodeMono(data, vad.SampleRate)
	outcome.Decode = time.Since(decodeStart)
	w.metrics.DecodeDuration.Record(ctx, outcome.Decode.Seconds())
	if err != nil {
		w.failChunk(ctx, chunk, fmt.Sprintf("decode: %v", err), outcome)
		return
	}

	vadStart := time.Now()
	detected, err := vad.DetectSegments(pcm, w.vadOpts)
	outcome.VAD = time.Since(vadStart)
	w.metrics.VADDuration.Record(ctx, outcome.VAD.Seconds())
	if err != nil {
		w.failChunk(ctx, chunk, fmt.Sprintf("vad: %v", err), outcome)
		return
	}

	segments := make([]store.Segment, len(detected))
	for i, d := range detected {
		segments[i] = store.Segment{
			SegmentID: uuid.New(),
			ChunkID:   chunk.ChunkID,
			StartMs:   d.StartMs,
			EndMs:     d.EndMs,
		}
	}

	commitStart := time.Now()
	plan, err := w.dialogues.CommitChunk(ctx, chunk, segments, func(state *store.DialogueState) store.CommitPlan {
		return w.stitcher.Plan(chunk, segments, state)
	})
	outcome.Commit = time.Since(commitStart)
	w.metrics.CommitDuration.Record(ctx, outcome.Commit.Seconds())
	if err != nil {
		if errors.Is(err, store.ErrStaleClaim) {
			slog.Warn("chunk claim went stale, another worker finished it",
				"chunk_id", chunk.ChunkID)
			return
		}
		if ctx.Err() == nil {
			slog.Error("dialogue commit failed, leaving chunk for recovery",
				"chunk_id", chunk.ChunkID, "error", err)
		}
		return
	}

	outcome.Segments = len(segments)
	outcome.DialoguesStarted = len(plan.Dialogues)
	if plan.ExtendTo != nil {
		outcome.DialoguesExtended = 1
	}

	elapsed := time.Since(started)
	w.metrics.ChunkDuration.Record(ctx, elapsed.Seconds())
	w.metrics.RecordChunkProcessed(ctx, "done")
	w.metrics.RecordSegments(ctx, outcome.Segments)
	if outcome.DialoguesStarted > 0 {
		w.metrics.DialoguesStarted.Add(ctx, int64(outcome.DialoguesStarted))
	}
	if outcome.DialoguesExtended > 0 {
		w.metrics.DialoguesExtended.Add(ctx, int64(outcome.DialoguesExtended))
	}
	w.summary.RecordChunk(outcome)

	slog.Info("chunk processed",
		"chunk_id", chunk.ChunkID,
		"device_id", chunk.DeviceID,
		"segments", outcome.Segments,
		"dialogues_started", outcome.DialoguesStarted,
		"dialogue_extended", outcome.DialoguesExtended > 0,
		"elapsed", elapsed,
	)
}

// failChunk moves the chunk to ERROR with a short reason. If even that write
// fails the chunk stays PROCESSING and the recovery loop retries it later.
func (w *Worker) failChunk(ctx context.Context, chunk *store.Chunk, reason string, outcome observe.ChunkOutcome) {
	if err := w.chunks.MarkError(ctx, chunk.ChunkID, reason); err != nil {
		slog.Error("failed to mark chunk as errored",
			"chunk_id", chunk.ChunkID, "error", err)
		return
	}
	slog.Error("chunk failed", "chunk_id", chunk.ChunkID, "reason", reason)
	w.metrics.RecordChunkProcessed(ctx, "error")
	outcome.Failed = true
	w.summary.RecordChunk(outcome)
}
