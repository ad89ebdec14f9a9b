package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/earshotlabs/earshot/internal/storage"
	"github.com/earshotlabs/earshot/internal/store"
)

const (
	// maxChunkDuration bounds end_ts − start_ts. Recorders emit one-minute
	// chunks; anything past this is a clock fault on the device.
	maxChunkDuration = 10 * time.Minute

	// duplicateWindow is how far apart two start_ts values may lie while
	// still counting as the same recording for idempotent retries.
	duplicateWindow = time.Second

	// formOverhead is headroom on top of the payload cap for multipart
	// framing and the metadata fields.
	formOverhead = 1 << 20
)

// allowedSampleRates are the rates Opus encodes natively.
var allowedSampleRates = map[int]bool{
	8000:  true,
	16000: true,
	24000: true,
	32000: true,
	48000: true,
}

// chunkUploadResponse is the JSON body returned for accepted uploads,
// including idempotent replays of an already-stored chunk.
type chunkUploadResponse struct {
	Status     string    `json:"status"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	StoredPath string    `json:"stored_path"`
	Queued     bool      `json:"queued"`
}

// handleUpload handles POST /api/v1/chunks: a multipart form carrying the
// chunk metadata fields and the OGG payload as chunk_file.
//
// Validation runs in a fixed order, each stage with its own status code:
// device token and identity triple, then timestamps, then codec parameters,
// then payload size. A chunk is acknowledged only after its file is synced
// to storage and its QUEUED row has committed.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	device, code, detail := s.deviceFromRequest(r)
	if device == nil {
		if code >= http.StatusInternalServerError {
			writeError(w, code, detail)
		} else {
			s.rejectUpload(ctx, w, code, detail)
		}
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSizeBytes+formOverhead)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSizeBytes + formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.rejectUpload(ctx, w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("File exceeds maximum size of %d bytes", s.cfg.MaxUploadSizeBytes))
			return
		}
		s.rejectUpload(ctx, w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	// The claimed identity triple must match the authenticated device.
	claimedID, err := uuid.Parse(r.FormValue("device_id"))
	if err != nil {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "Invalid device_id")
		return
	}
	if claimedID != device.DeviceID {
		slog.Warn("upload device_id mismatch",
			"claimed_device_id", claimedID, "auth_device_id", device.DeviceID)
		s.rejectUpload(ctx, w, http.StatusForbidden,
			"device_id does not match authenticated device")
		return
	}
	if r.FormValue("point_id") != device.PointID || r.FormValue("register_id") != device.RegisterID {
		slog.Warn("upload identity mismatch",
			"device_id", device.DeviceID,
			"claimed_point_id", r.FormValue("point_id"),
			"claimed_register_id", r.FormValue("register_id"))
		s.rejectUpload(ctx, w, http.StatusForbidden,
			"point_id or register_id does not match device registration")
		return
	}

	// Timestamps must carry an offset; RFC 3339 parsing rejects naive values.
	startTS, err := time.Parse(time.RFC3339, r.FormValue("start_ts"))
	if err != nil {
		s.rejectUpload(ctx, w, http.StatusBadRequest,
			"start_ts must be an RFC 3339 timestamp with offset")
		return
	}
	endTS, err := time.Parse(time.RFC3339, r.FormValue("end_ts"))
	if err != nil {
		s.rejectUpload(ctx, w, http.StatusBadRequest,
			"end_ts must be an RFC 3339 timestamp with offset")
		return
	}
	if !endTS.After(startTS) {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "end_ts must be after start_ts")
		return
	}
	if endTS.Sub(startTS) > maxChunkDuration {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "Chunk duration exceeds 10 minutes")
		return
	}

	codec := strings.ToLower(r.FormValue("codec"))
	if codec != "opus" {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "Unsupported codec")
		return
	}
	sampleRate, err := strconv.Atoi(r.FormValue("sample_rate"))
	if err != nil {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "Invalid sample_rate")
		return
	}
	if !allowedSampleRates[sampleRate] {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "Unsupported sample_rate")
		return
	}
	channels, err := strconv.Atoi(r.FormValue("channels"))
	if err != nil {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "Invalid channels")
		return
	}
	if channels != 1 {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "channels must be 1")
		return
	}

	file, _, err := r.FormFile("chunk_file")
	if err != nil {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "chunk_file is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		slog.Error("upload read failed", "device_id", device.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read upload")
		return
	}
	if len(content) == 0 {
		s.rejectUpload(ctx, w, http.StatusBadRequest, "Empty file")
		return
	}
	if int64(len(content)) > s.cfg.MaxUploadSizeBytes {
		s.rejectUpload(ctx, w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File exceeds maximum size of %d bytes", s.cfg.MaxUploadSizeBytes))
		return
	}

	// Idempotent retry: a chunk from the same device, starting within the
	// duplicate window, with byte-identical content, is the same recording.
	// Answer with the stored chunk instead of queueing it twice.
	uploadSum := sha256.Sum256(content)
	candidates, err := s.chunks.DuplicateCandidates(ctx,
		device.DeviceID, startTS, int64(len(content)), duplicateWindow)
	if err != nil {
		slog.Error("duplicate lookup failed", "device_id", device.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save chunk")
		return
	}
	for i := range candidates {
		stored, err := s.blobs.ReadFile(candidates[i].FilePath)
		if err != nil || sha256.Sum256(stored) != uploadSum {
			continue
		}
		slog.Info("duplicate chunk upload",
			"chunk_id", candidates[i].ChunkID, "device_id", device.DeviceID)
		s.metrics.RecordUpload(ctx, "duplicate")
		writeJSON(w, http.StatusOK, chunkUploadResponse{
			Status:     "ok",
			ChunkID:    candidates[i].ChunkID,
			StoredPath: candidates[i].FilePath,
			Queued:     true,
		})
		return
	}

	chunkID := uuid.New()
	relPath := storage.ChunkPath(device.PointID, device.RegisterID, startTS, chunkID)
	if _, err := s.blobs.SaveChunk(relPath, content); err != nil {
		slog.Error("chunk file write failed", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save chunk")
		return
	}

	chunk := &store.Chunk{
		ChunkID:       chunkID,
		DeviceID:      device.DeviceID,
		PointID:       device.PointID,
		RegisterID:    device.RegisterID,
		StartTS:       startTS,
		EndTS:         endTS,
		DurationSec:   int(math.Round(endTS.Sub(startTS).Seconds())),
		Codec:         codec,
		SampleRate:    sampleRate,
		Channels:      channels,
		FilePath:      relPath,
		FileSizeBytes: int64(len(content)),
		Status:        store.StatusQueued,
	}
	if err := s.chunks.Insert(ctx, chunk); err != nil {
		// The file stays behind; the orphan sweep reclaims it once old enough.
		slog.Error("chunk row insert failed", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save chunk")
		return
	}

	if err := s.devices.TouchLastSeen(ctx, device.DeviceID); err != nil {
		slog.Warn("last_seen stamp failed", "device_id", device.DeviceID, "error", err)
	}

	s.metrics.RecordUpload(ctx, "accepted")
	s.metrics.UploadBytes.Add(ctx, int64(len(content)))
	slog.Info("chunk uploaded",
		"chunk_id", chunkID,
		"device_id", device.DeviceID,
		"point_id", device.PointID,
		"duration_sec", chunk.DurationSec,
		"file_size", chunk.FileSizeBytes)

	writeJSON(w, http.StatusOK, chunkUploadResponse{
		Status:     "ok",
		ChunkID:    chunkID,
		StoredPath: relPath,
		Queued:     true,
	})
}

// rejectUpload records the rejection metric and writes the error envelope.
// Server faults (5xx) bypass this; they are not client rejections.
func (s *Server) rejectUpload(ctx context.Context, w http.ResponseWriter, status int, detail string) {
	s.metrics.RecordUpload(ctx, "rejected")
	writeError(w, status, detail)
}
