package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrStaleClaim is returned by CommitChunk when the chunk is no longer in
// PROCESSING at commit time, which means the recovery loop requeued it and
// another worker finished it first. The transaction is rolled back; nothing
// was written.
var ErrStaleClaim = errors.New("store: chunk claim is stale")

// NewDialogue is a dialogue the planner wants created.
type NewDialogue struct {
	DialogueID uuid.UUID
	StartTS    time.Time
	EndTS      time.Time
}

// SegmentLink attaches one of the committed chunk's segments to a dialogue,
// either a new one from the plan or the inherited open dialogue.
type SegmentLink struct {
	DialogueID uuid.UUID
	SegmentID  uuid.UUID
}

// CommitPlan is the full set of dialogue mutations for one chunk. It is
// produced by a Planner and executed by CommitChunk inside a single
// transaction.
type CommitPlan struct {
	// Dialogues are created with their final start/end timestamps.
	Dialogues []NewDialogue
	// ExtendTo, when set, moves the inherited open dialogue's end_ts
	// forward to this instant.
	ExtendTo *time.Time
	// Links attach the chunk's segments to dialogues.
	Links []SegmentLink
	// State is the device's dialogue state after this chunk. Nil means no
	// dialogue remains open and any existing state row is deleted.
	State *DialogueState
}

// Planner computes the dialogue mutations for a chunk given the device's
// current open-dialogue state (nil when the device has none). It is called
// inside the commit transaction while the device's advisory lock is held, so
// it must be pure: no I/O, no retries, deterministic output.
type Planner func(state *DialogueState) CommitPlan

// DialogueStore persists dialogues, their segment links and the per-device
// stitching state.
type DialogueStore struct {
	db Beginner
}

// NewDialogueStore creates a DialogueStore over the given pool.
func NewDialogueStore(db Beginner) *DialogueStore {
	return &DialogueStore{db: db}
}

// CommitChunk finalizes one processed chunk in a single transaction: it
// serializes on the device's advisory lock, snapshots the dialogue state,
// asks plan for the mutations, writes segments, dialogues, links and the new
// state, and flips the chunk to DONE. Either everything lands or nothing
// does; on failure the chunk stays PROCESSING for the recovery loop.
//
// The executed plan is returned so the caller can log and count what
// happened.
func (s *DialogueStore) CommitChunk(ctx context.Context, chunk *Chunk, segments []Segment, plan Planner) (CommitPlan, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return CommitPlan{}, fmt.Errorf("store: commit chunk %s: begin: %w", chunk.ChunkID, err)
	}
	defer tx.Rollback(ctx)

	// One committer per device at a time. Chunks of a device are handed to
	// the planner in upload order, which the lock preserves end to end.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, DeviceLockKey(chunk.DeviceID)); err != nil {
		return CommitPlan{}, fmt.Errorf("store: commit chunk %s: device lock: %w", chunk.ChunkID, err)
	}

	state, err := getStateTx(ctx, tx, chunk.DeviceID)
	if err != nil {
		return CommitPlan{}, fmt.Errorf("store: commit chunk %s: %w", chunk.ChunkID, err)
	}

	p := plan(state)

	const insertSegment = `
		INSERT INTO speech_segments (segment_id, chunk_id, start_ms, end_ms)
		VALUES ($1, $2, $3, $4)`
	for _, seg := range segments {
		if _, err := tx.Exec(ctx, insertSegment, seg.SegmentID, seg.ChunkID, seg.StartMs, seg.EndMs); err != nil {
			return CommitPlan{}, fmt.Errorf("store: commit chunk %s: insert segment: %w", chunk.ChunkID, err)
		}
	}

	const insertDialogue = `
		INSERT INTO dialogues (dialogue_id, device_id, point_id, register_id, start_ts, end_ts, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	for _, d := range p.Dialogues {
		if _, err := tx.Exec(ctx, insertDialogue,
			d.DialogueID, chunk.DeviceID, chunk.PointID, chunk.RegisterID,
			d.StartTS, d.EndTS, DialogueSourceVAD,
		); err != nil {
			return CommitPlan{}, fmt.Errorf("store: commit chunk %s: insert dialogue: %w", chunk.ChunkID, err)
		}
	}

	if p.ExtendTo != nil && state != nil {
		const extend = `UPDATE dialogues SET end_ts = $2 WHERE dialogue_id = $1`
		if _, err := tx.Exec(ctx, extend, state.OpenDialogueID, *p.ExtendTo); err != nil {
			return CommitPlan{}, fmt.Errorf("store: commit chunk %s: extend dialogue: %w", chunk.ChunkID, err)
		}
	}

	const insertLink = `
		INSERT INTO dialogue_segments (dialogue_id, chunk_id, segment_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	for _, l := range p.Links {
		if _, err := tx.Exec(ctx, insertLink, l.DialogueID, chunk.ChunkID, l.SegmentID); err != nil {
			return CommitPlan{}, fmt.Errorf("store: commit chunk %s: link segment: %w", chunk.ChunkID, err)
		}
	}

	switch {
	case p.State != nil:
		const upsertState = `
			INSERT INTO device_dialogue_state (device_id, open_dialogue_id, dialogue_started_at, last_speech_end_ts, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (device_id) DO UPDATE SET
				open_dialogue_id = EXCLUDED.open_dialogue_id,
				dialogue_started_at = EXCLUDED.dialogue_started_at,
				last_speech_end_ts = EXCLUDED.last_speech_end_ts,
				updated_at = now()`
		if _, err := tx.Exec(ctx, upsertState,
			chunk.DeviceID, p.State.OpenDialogueID, p.State.DialogueStartedAt, p.State.LastSpeechEndTS,
		); err != nil {
			return CommitPlan{}, fmt.Errorf("store: commit chunk %s: upsert state: %w", chunk.ChunkID, err)
		}
	case state != nil:
		const deleteState = `DELETE FROM device_dialogue_state WHERE device_id = $1`
		if _, err := tx.Exec(ctx, deleteState, chunk.DeviceID); err != nil {
			return CommitPlan{}, fmt.Errorf("store: commit chunk %s: delete state: %w", chunk.ChunkID, err)
		}
	}

	// Guarded so a worker whose claim was requeued and finished elsewhere
	// cannot commit a second copy of the chunk's segments.
	const markDone = `UPDATE audio_chunks SET status = 'DONE' WHERE chunk_id = $1 AND status = 'PROCESSING'`
	tag, err := tx.Exec(ctx, markDone, chunk.ChunkID)
	if err != nil {
		return CommitPlan{}, fmt.Errorf("store: commit chunk %s: mark done: %w", chunk.ChunkID, err)
	}
	if tag.RowsAffected() == 0 {
		return CommitPlan{}, fmt.Errorf("store: commit chunk %s: %w", chunk.ChunkID, ErrStaleClaim)
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitPlan{}, fmt.Errorf("store: commit chunk %s: commit: %w", chunk.ChunkID, err)
	}
	return p, nil
}

// SweepStaleStates deletes dialogue-state rows whose last speech ended more
// than olderThan ago, closing dialogues of devices that stopped uploading.
// Each row is deleted under the device's advisory try-lock so a concurrent
// chunk commit wins; contended devices are skipped until the next sweep.
// Returns the device IDs whose state was closed.
func (s *DialogueStore) SweepStaleStates(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	const candidates = `
		SELECT device_id
		FROM device_dialogue_state
		WHERE last_speech_end_ts < now() - ($1 * INTERVAL '1 second')`

	rows, err := s.db.Query(ctx, candidates, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("store: sweep stale states: %w", err)
	}
	var deviceIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: sweep stale states scan: %w", err)
		}
		deviceIDs = append(deviceIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sweep stale states: %w", err)
	}

	var swept []uuid.UUID
	for _, deviceID := range deviceIDs {
		closed, err := s.sweepOne(ctx, deviceID, olderThan)
		if err != nil {
			return swept, err
		}
		if closed {
			swept = append(swept, deviceID)
		}
	}
	return swept, nil
}

func (s *DialogueStore) sweepOne(ctx context.Context, deviceID uuid.UUID, olderThan time.Duration) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: sweep device %s: begin: %w", deviceID, err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, DeviceLockKey(deviceID)).Scan(&locked); err != nil {
		return false, fmt.Errorf("store: sweep device %s: try lock: %w", deviceID, err)
	}
	if !locked {
		return false, nil
	}

	// Staleness is rechecked under the lock; a commit may have slipped in
	// between candidate listing and here.
	const del = `
		DELETE FROM device_dialogue_state
		WHERE device_id = $1
		  AND last_speech_end_ts < now() - ($2 * INTERVAL '1 second')`
	tag, err := tx.Exec(ctx, del, deviceID, olderThan.Seconds())
	if err != nil {
		return false, fmt.Errorf("store: sweep device %s: delete: %w", deviceID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: sweep device %s: commit: %w", deviceID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func getStateTx(ctx context.Context, tx pgx.Tx, deviceID uuid.UUID) (*DialogueState, error) {
	const query = `
		SELECT device_id, open_dialogue_id, dialogue_started_at, last_speech_end_ts, updated_at
		FROM device_dialogue_state
		WHERE device_id = $1`

	var st DialogueState
	err := tx.QueryRow(ctx, query, deviceID).Scan(
		&st.DeviceID, &st.OpenDialogueID, &st.DialogueStartedAt, &st.LastSpeechEndTS, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	return &st, nil
}
