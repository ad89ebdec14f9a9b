package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeIndex reports a fixed set of chunk IDs as existing and records what was
// asked.
type fakeIndex struct {
	known map[uuid.UUID]bool
	asked [][]uuid.UUID
}

func (f *fakeIndex) ExistingIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	f.asked = append(f.asked, ids)
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if f.known[id] {
			out[id] = true
		}
	}
	return out, nil
}

// writeAged creates a file under the store root and backdates its mod time.
func writeAged(t *testing.T, s *Store, rel string, age time.Duration) string {
	t.Helper()
	abs := filepath.Join(s.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(abs, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(abs, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	return abs
}

func chunkRel(id uuid.UUID) string {
	return "audio/p/r/2025-03-07/14/chunk_20250307_143052_" + id.String() + ".ogg"
}

func TestSweep_RemovesOldOrphans(t *testing.T) {
	s := newTestStore(t)

	orphan := uuid.New()
	tracked := uuid.New()
	orphanPath := writeAged(t, s, chunkRel(orphan), 2*time.Hour)
	trackedPath := writeAged(t, s, "audio/p/r/2025-03-07/15/chunk_20250307_150000_"+tracked.String()+".ogg", 2*time.Hour)

	idx := &fakeIndex{known: map[uuid.UUID]bool{tracked: true}}
	sw := NewSweeper(s, idx, time.Hour)

	removed, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Error("orphan file still present")
	}
	if _, err := os.Stat(trackedPath); err != nil {
		t.Errorf("tracked file was removed: %v", err)
	}
}

func TestSweep_KeepsFreshOrphans(t *testing.T) {
	s := newTestStore(t)

	fresh := uuid.New()
	freshPath := writeAged(t, s, chunkRel(fresh), time.Minute)

	idx := &fakeIndex{known: map[uuid.UUID]bool{}}
	sw := NewSweeper(s, idx, time.Hour)

	removed, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Errorf("fresh file was removed: %v", err)
	}
	if len(idx.asked) != 0 {
		t.Errorf("fresh files should not be checked against the index, asked %v", idx.asked)
	}
}

func TestSweep_RemovesStaleTempFiles(t *testing.T) {
	s := newTestStore(t)

	stale := writeAged(t, s, "audio/p/r/2025-03-07/14/.chunk-98765.tmp", 2*time.Hour)
	fresh := writeAged(t, s, "audio/p/r/2025-03-07/14/.chunk-11111.tmp", time.Minute)

	sw := NewSweeper(s, &fakeIndex{}, time.Hour)

	removed, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh temp file was removed: %v", err)
	}
}

func TestSweep_IgnoresForeignFiles(t *testing.T) {
	s := newTestStore(t)

	note := writeAged(t, s, "audio/p/r/2025-03-07/14/README.txt", 2*time.Hour)

	sw := NewSweeper(s, &fakeIndex{}, time.Hour)

	removed, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if _, err := os.Stat(note); err != nil {
		t.Errorf("foreign file was removed: %v", err)
	}
}

func TestSweep_MissingAudioDir(t *testing.T) {
	s := newTestStore(t)
	sw := NewSweeper(s, &fakeIndex{}, time.Hour)

	removed, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep on empty root: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
