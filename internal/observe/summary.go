package observe

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// ChunkOutcome describes one finished chunk for the windowed summary.
type ChunkOutcome struct {
	// Failed marks the chunk as having ended in ERROR instead of DONE.
	Failed bool

	// Segments is the number of speech segments detected in the chunk.
	Segments int

	// DialoguesStarted and DialoguesExtended count the dialogue mutations
	// committed for the chunk.
	DialoguesStarted  int
	DialoguesExtended int

	// Decode, VAD, and Commit are the measured stage durations. Zero values
	// are counted as zero time, not skipped.
	Decode time.Duration
	VAD    time.Duration
	Commit time.Duration
}

// Summary accumulates worker pipeline counters between periodic log flushes.
// It complements the OTel instruments: operators tailing the worker log get
// one digest line per window instead of scraping Prometheus.
//
// All methods are safe for concurrent use.
type Summary struct {
	mu    sync.Mutex
	since time.Time

	processed int64
	failed    int64
	requeued  int64
	swept     int64

	segments          int64
	dialoguesStarted  int64
	dialoguesExtended int64

	decodeTotal time.Duration
	vadTotal    time.Duration
	commitTotal time.Duration
}

// NewSummary returns a Summary whose first window starts now.
func NewSummary() *Summary {
	return &Summary{since: time.Now()}
}

// RecordChunk adds one finished chunk to the current window.
func (s *Summary) RecordChunk(o ChunkOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Failed {
		s.failed++
	} else {
		s.processed++
	}
	s.segments += int64(o.Segments)
	s.dialoguesStarted += int64(o.DialoguesStarted)
	s.dialoguesExtended += int64(o.DialoguesExtended)
	s.decodeTotal += o.Decode
	s.vadTotal += o.VAD
	s.commitTotal += o.Commit
}

// RecordRequeued adds n chunks requeued by the recovery loop to the current
// window.
func (s *Summary) RecordRequeued(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.requeued += int64(n)
	s.mu.Unlock()
}

// RecordSwept adds n stale dialogue states closed by the background sweep to
// the current window.
func (s *Summary) RecordSwept(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.swept += int64(n)
	s.mu.Unlock()
}

// Flush logs one digest line for the window that just ended and starts a new
// window. An idle window (no chunks, no requeues, no sweeps) produces a short
// idle line instead of a row of zeroes.
func (s *Summary) Flush(logger *slog.Logger) {
	s.mu.Lock()
	window := time.Since(s.since)
	processed, failed := s.processed, s.failed
	requeued, swept := s.requeued, s.swept
	segments := s.segments
	started, extended := s.dialoguesStarted, s.dialoguesExtended
	avgDecode := avgMillis(s.decodeTotal, processed+failed)
	avgVAD := avgMillis(s.vadTotal, processed+failed)
	avgCommit := avgMillis(s.commitTotal, processed+failed)

	s.since = time.Now()
	s.processed, s.failed, s.requeued, s.swept = 0, 0, 0, 0
	s.segments, s.dialoguesStarted, s.dialoguesExtended = 0, 0, 0
	s.decodeTotal, s.vadTotal, s.commitTotal = 0, 0, 0
	s.mu.Unlock()

	if processed+failed+requeued+swept == 0 {
		logger.Info("worker idle", slog.Duration("window", window.Round(time.Second)))
		return
	}

	var perMin float64
	if mins := window.Minutes(); mins > 0 {
		perMin = math.Round(float64(processed+failed)/mins*10) / 10
	}

	logger.Info("worker summary",
		slog.Duration("window", window.Round(time.Second)),
		slog.Int64("processed", processed),
		slog.Int64("failed", failed),
		slog.Float64("chunks_per_min", perMin),
		slog.Int64("requeued", requeued),
		slog.Int64("states_swept", swept),
		slog.Int64("segments", segments),
		slog.Int64("dialogues_started", started),
		slog.Int64("dialogues_extended", extended),
		slog.Int64("avg_decode_ms", avgDecode),
		slog.Int64("avg_vad_ms", avgVAD),
		slog.Int64("avg_commit_ms", avgCommit),
	)
}

// avgMillis returns total/count in whole milliseconds, or 0 for an empty
// window.
func avgMillis(total time.Duration, count int64) int64 {
	if count == 0 {
		return 0
	}
	return (total / time.Duration(count)).Milliseconds()
}
