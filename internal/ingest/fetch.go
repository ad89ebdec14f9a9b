package ingest

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// handleChunkFile handles GET /api/v1/internal/chunks/{chunkID}/file: the
// stored OGG bytes for downstream workers, with Range support and the chunk
// metadata in headers so a worker can decode without a database round trip.
func (s *Server) handleChunkFile(w http.ResponseWriter, r *http.Request) {
	chunkID, err := uuid.Parse(r.PathValue("chunkID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid chunk_id")
		return
	}

	chunk, err := s.chunks.Get(r.Context(), chunkID)
	if err != nil {
		slog.Error("chunk lookup failed", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if chunk == nil {
		writeError(w, http.StatusNotFound, "Chunk not found")
		return
	}

	f, err := s.blobs.Open(chunk.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("chunk row without file", "chunk_id", chunkID, "path", chunk.FilePath)
			writeError(w, http.StatusNotFound, "Chunk file not found")
			return
		}
		slog.Error("chunk file open failed", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("chunk file stat failed", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	w.Header().Set("Content-Type", "audio/ogg")
	w.Header().Set("X-Sample-Rate", strconv.Itoa(chunk.SampleRate))
	w.Header().Set("X-Channels", strconv.Itoa(chunk.Channels))
	w.Header().Set("X-Duration-Sec", strconv.Itoa(chunk.DurationSec))
	w.Header().Set("X-Start-Ts", chunk.StartTS.UTC().Format(time.RFC3339))
	http.ServeContent(w, r, filepath.Base(chunk.FilePath), info.ModTime(), f)
}
