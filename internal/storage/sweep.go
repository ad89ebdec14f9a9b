package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sweepBatchSize bounds the number of chunk IDs checked against the database
// in one query.
const sweepBatchSize = 500

// chunkIndex answers which of a set of chunk IDs have a database row.
type chunkIndex interface {
	ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)
}

// Sweeper removes files on the storage volume that have no database row:
// chunks whose upload crashed between the file write and the row insert, and
// temp files left behind by interrupted atomic writes. Only files older than
// minAge are touched, so an upload that is between its write and its insert
// is never swept.
type Sweeper struct {
	store  *Store
	chunks chunkIndex
	minAge time.Duration
}

// NewSweeper returns a Sweeper over the given store. minAge should comfortably
// exceed the worst-case time between a chunk's file write and its row insert;
// one hour is the usual setting.
func NewSweeper(store *Store, chunks chunkIndex, minAge time.Duration) *Sweeper {
	return &Sweeper{store: store, chunks: chunks, minAge: minAge}
}

// Sweep walks the audio tree once and deletes orphaned chunk files and stale
// temp files. Returns the number of files removed. Individual removal
// failures are logged and skipped; the sweep keeps going.
func (sw *Sweeper) Sweep(ctx context.Context) (int, error) {
	audioRoot := filepath.Join(sw.store.Root(), "audio")
	cutoff := time.Now().Add(-sw.minAge)

	type candidate struct {
		id   uuid.UUID
		path string
	}
	var (
		candidates []candidate
		removed    int
	)

	err := filepath.WalkDir(audioRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}

		name := d.Name()
		if strings.HasSuffix(name, ".tmp") {
			// Leftover from an interrupted atomic write.
			if err := os.Remove(path); err != nil {
				slog.Warn("failed to remove stale temp file", "path", path, "error", err)
			} else {
				slog.Info("removed stale temp file", "path", path)
				removed++
			}
			return nil
		}

		if id, ok := ParseChunkFilename(name); ok {
			candidates = append(candidates, candidate{id: id, path: path})
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("storage: sweep walk: %w", err)
	}

	for start := 0; start < len(candidates); start += sweepBatchSize {
		end := min(start+sweepBatchSize, len(candidates))
		batch := candidates[start:end]

		ids := make([]uuid.UUID, len(batch))
		for i, c := range batch {
			ids[i] = c.id
		}
		existing, err := sw.chunks.ExistingIDs(ctx, ids)
		if err != nil {
			return removed, fmt.Errorf("storage: sweep index lookup: %w", err)
		}

		for _, c := range batch {
			if existing[c.id] {
				continue
			}
			if err := os.Remove(c.path); err != nil {
				slog.Warn("failed to remove orphaned chunk file", "path", c.path, "error", err)
				continue
			}
			slog.Info("removed orphaned chunk file", "path", c.path, "chunk_id", c.id)
			removed++
		}
	}

	return removed, nil
}
