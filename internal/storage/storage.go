// Package storage manages the audio chunk files on the shared volume that
// the ingest API writes and the VAD worker reads. Paths under the storage
// root follow a fixed layout derived from the owning device and the chunk's
// start timestamp (see [ChunkPath]); the database stores these paths verbatim
// so either service can locate a chunk from its row alone.
//
// Writes are atomic: content goes to a temp file in the destination
// directory, is fsynced, and is then renamed into place. A reader never
// observes a partially written chunk.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// probeName is the scratch file used by [Store.CheckWritable].
const probeName = ".write_test"

// Store provides access to chunk files under a single storage root.
// All methods are safe for concurrent use.
type Store struct {
	root string
}

// New returns a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage root directory.
func (s *Store) Root() string {
	return s.root
}

// safePath resolves relPath against the storage root and verifies that the
// resolved path stays inside it, rejecting traversal via "..".
func (s *Store) safePath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("storage: path must not be empty")
	}
	joined := filepath.Join(s.root, filepath.FromSlash(relPath))
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: path %q escapes the storage root", relPath)
	}
	return joined, nil
}

// SaveChunk atomically writes data to relPath under the storage root,
// creating parent directories as needed. The content is fsynced before the
// rename so a crash cannot leave a visible half-written chunk. Returns the
// absolute path of the written file.
func (s *Store) SaveChunk(relPath string, data []byte) (string, error) {
	abs, err := s.safePath(relPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create chunk directory: %w", err)
	}

	// Temp file in the destination directory so the rename stays on one
	// filesystem and is atomic.
	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: write chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: rename chunk into place: %w", err)
	}
	return abs, nil
}

// ReadFile returns the full content of the chunk at relPath.
func (s *Store) ReadFile(relPath string) ([]byte, error) {
	abs, err := s.safePath(relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read chunk: %w", err)
	}
	return data, nil
}

// Open opens the chunk at relPath for reading. The caller owns the returned
// file and must close it. Useful for streaming responses that need an
// [io.ReadSeeker].
func (s *Store) Open(relPath string) (*os.File, error) {
	abs, err := s.safePath(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: open chunk: %w", err)
	}
	return f, nil
}

// Stat returns file info for the chunk at relPath.
func (s *Store) Stat(relPath string) (os.FileInfo, error) {
	abs, err := s.safePath(relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat chunk: %w", err)
	}
	return info, nil
}

// Remove deletes the chunk at relPath. Removing a missing file is not an
// error.
func (s *Store) Remove(relPath string) error {
	abs, err := s.safePath(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove chunk: %w", err)
	}
	return nil
}

// CheckWritable probes the storage root by writing and deleting a scratch
// file. The health endpoint reports the result as storage_writable.
func (s *Store) CheckWritable() error {
	probe := filepath.Join(s.root, probeName)
	content := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := os.WriteFile(probe, content, 0o644); err != nil {
		return fmt.Errorf("storage: write probe: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("storage: remove probe: %w", err)
	}
	return nil
}
