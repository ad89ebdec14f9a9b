package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// errorMessageLimit caps the length of error_message stored on a chunk so a
// runaway decoder message cannot bloat the row.
const errorMessageLimit = 1000

const chunkColumns = `chunk_id, device_id, point_id, register_id, start_ts, end_ts,
	duration_sec, codec, sample_rate, channels, file_path, file_size_bytes,
	status, error_message, processing_started_at, created_at`

// ChunkStore persists uploaded audio chunks and drives their status
// lifecycle (QUEUED -> PROCESSING -> DONE | ERROR).
type ChunkStore struct {
	db DB
}

// NewChunkStore creates a ChunkStore over the given database connection or
// pool.
func NewChunkStore(db DB) *ChunkStore {
	return &ChunkStore{db: db}
}

// Insert stores a freshly uploaded chunk in QUEUED state. The caller must
// have durably written the audio file before calling Insert; the row is the
// work queue entry.
func (s *ChunkStore) Insert(ctx context.Context, c *Chunk) error {
	const query = `
		INSERT INTO audio_chunks (
			chunk_id, device_id, point_id, register_id, start_ts, end_ts,
			duration_sec, codec, sample_rate, channels, file_path, file_size_bytes, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		c.ChunkID, c.DeviceID, c.PointID, c.RegisterID, c.StartTS, c.EndTS,
		c.DurationSec, c.Codec, c.SampleRate, c.Channels, c.FilePath,
		c.FileSizeBytes, c.Status,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert chunk: %w", err)
	}
	return nil
}

// DuplicateCandidates returns chunks from the same device whose start_ts lies
// within tolerance of startTS and whose stored file has exactly size bytes.
// The caller compares file contents to decide whether an upload is a retry of
// one of these.
func (s *ChunkStore) DuplicateCandidates(ctx context.Context, deviceID uuid.UUID, startTS time.Time, size int64, tolerance time.Duration) ([]Chunk, error) {
	const query = `
		SELECT ` + chunkColumns + `
		FROM audio_chunks
		WHERE device_id = $1
		  AND start_ts BETWEEN $2 AND $3
		  AND file_size_bytes = $4`

	rows, err := s.db.Query(ctx, query,
		deviceID, startTS.Add(-tolerance), startTS.Add(tolerance), size)
	if err != nil {
		return nil, fmt.Errorf("store: duplicate candidates: %w", err)
	}
	return collectChunks(rows, "duplicate candidates")
}

// Get retrieves a chunk by ID. Returns (nil, nil) when no such chunk exists.
func (s *ChunkStore) Get(ctx context.Context, chunkID uuid.UUID) (*Chunk, error) {
	const query = `
		SELECT ` + chunkColumns + `
		FROM audio_chunks
		WHERE chunk_id = $1`

	var c Chunk
	if err := scanChunk(s.db.QueryRow(ctx, query, chunkID), &c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get chunk %s: %w", chunkID, err)
	}
	return &c, nil
}

// ClaimBatch atomically moves up to limit QUEUED chunks to PROCESSING and
// returns them. Oldest first by created_at. FOR UPDATE SKIP LOCKED lets
// several workers claim concurrently without blocking or double-claiming.
func (s *ChunkStore) ClaimBatch(ctx context.Context, limit int) ([]Chunk, error) {
	const query = `
		WITH claimed AS (
			SELECT chunk_id
			FROM audio_chunks
			WHERE status = 'QUEUED'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE audio_chunks c
		SET status = 'PROCESSING', processing_started_at = now()
		FROM claimed
		WHERE c.chunk_id = claimed.chunk_id
		RETURNING c.chunk_id, c.device_id, c.point_id, c.register_id, c.start_ts, c.end_ts,
			c.duration_sec, c.codec, c.sample_rate, c.channels, c.file_path, c.file_size_bytes,
			c.status, c.error_message, c.processing_started_at, c.created_at`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim batch: %w", err)
	}
	return collectChunks(rows, "claim batch")
}

// RequeueStuck flips chunks back to QUEUED when they have sat in PROCESSING
// longer than stuckAfter, which means the worker that claimed them died
// mid-flight. Returns the IDs of requeued chunks.
func (s *ChunkStore) RequeueStuck(ctx context.Context, stuckAfter time.Duration) ([]uuid.UUID, error) {
	const query = `
		UPDATE audio_chunks
		SET status = 'QUEUED', processing_started_at = NULL
		WHERE status = 'PROCESSING'
		  AND processing_started_at < now() - ($1 * INTERVAL '1 second')
		RETURNING chunk_id`

	rows, err := s.db.Query(ctx, query, stuckAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("store: requeue stuck: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: requeue stuck scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: requeue stuck: %w", err)
	}
	return ids, nil
}

// MarkError moves a chunk to ERROR with the failure message attached. The
// message is truncated to fit the column.
func (s *ChunkStore) MarkError(ctx context.Context, chunkID uuid.UUID, msg string) error {
	if len(msg) > errorMessageLimit {
		msg = msg[:errorMessageLimit]
	}
	const query = `
		UPDATE audio_chunks
		SET status = 'ERROR', error_message = $2
		WHERE chunk_id = $1`

	if _, err := s.db.Exec(ctx, query, chunkID, msg); err != nil {
		return fmt.Errorf("store: mark chunk %s error: %w", chunkID, err)
	}
	return nil
}

// ExistingIDs filters ids down to those that have an audio_chunks row. Used
// by the orphan sweep to decide which on-disk files lack database records.
func (s *ChunkStore) ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	const query = `SELECT chunk_id FROM audio_chunks WHERE chunk_id = ANY($1)`

	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("store: existing ids: %w", err)
	}
	defer rows.Close()

	existing := make(map[uuid.UUID]bool, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: existing ids scan: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: existing ids: %w", err)
	}
	return existing, nil
}

// CountByStatus returns how many chunks sit in each status. Used by the
// worker's periodic metrics snapshot.
func (s *ChunkStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	const query = `SELECT status, count(*) FROM audio_chunks GROUP BY status`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64, 4)
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("store: count by status scan: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	return counts, nil
}

func scanChunk(r pgx.Row, c *Chunk) error {
	return r.Scan(
		&c.ChunkID, &c.DeviceID, &c.PointID, &c.RegisterID, &c.StartTS, &c.EndTS,
		&c.DurationSec, &c.Codec, &c.SampleRate, &c.Channels, &c.FilePath,
		&c.FileSizeBytes, &c.Status, &c.ErrorMessage, &c.ProcessingStartedAt,
		&c.CreatedAt,
	)
}

func collectChunks(rows pgx.Rows, action string) ([]Chunk, error) {
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := scanChunk(rows, &c); err != nil {
			return nil, fmt.Errorf("store: %s scan: %w", action, err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: %s: %w", action, err)
	}
	return chunks, nil
}
