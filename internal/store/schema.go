package store

import (
	"context"
	"fmt"
)

// Schema DDL, one constant per table. All statements are idempotent
// (IF NOT EXISTS) so [Migrate] can run on every ingest-service start;
// migrations are forward-only and owned by the ingest service. The worker
// never migrates, it only waits for the database (see [WaitReady]).

// SchemaDevices is the DDL for the devices table.
const SchemaDevices = `
CREATE TABLE IF NOT EXISTS devices (
    device_id     UUID PRIMARY KEY,
    point_id      TEXT NOT NULL,
    register_id   TEXT NOT NULL,
    token_hash    TEXT NOT NULL UNIQUE,
    is_enabled    BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_seen_at  TIMESTAMPTZ
);
`

// SchemaAudioChunks is the DDL for the audio_chunks table and its indexes.
// The partial index serves the recovery loop's stuck-chunk scan.
const SchemaAudioChunks = `
CREATE TABLE IF NOT EXISTS audio_chunks (
    chunk_id               UUID PRIMARY KEY,
    device_id              UUID NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
    point_id               TEXT NOT NULL,
    register_id            TEXT NOT NULL,
    start_ts               TIMESTAMPTZ NOT NULL,
    end_ts                 TIMESTAMPTZ NOT NULL,
    duration_sec           INTEGER NOT NULL,
    codec                  VARCHAR(32) NOT NULL,
    sample_rate            INTEGER NOT NULL,
    channels               INTEGER NOT NULL,
    file_path              TEXT NOT NULL,
    file_size_bytes        BIGINT NOT NULL,
    status                 VARCHAR(32) NOT NULL DEFAULT 'QUEUED',
    error_message          TEXT,
    processing_started_at  TIMESTAMPTZ,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audio_chunks_point_start ON audio_chunks(point_id, start_ts);
CREATE INDEX IF NOT EXISTS idx_audio_chunks_device_start ON audio_chunks(device_id, start_ts);
CREATE INDEX IF NOT EXISTS idx_audio_chunks_status ON audio_chunks(status);
CREATE INDEX IF NOT EXISTS idx_audio_chunks_processing ON audio_chunks(status, processing_started_at)
    WHERE status = 'PROCESSING';
`

// SchemaSpeechSegments is the DDL for the speech_segments table.
const SchemaSpeechSegments = `
CREATE TABLE IF NOT EXISTS speech_segments (
    segment_id  UUID PRIMARY KEY,
    chunk_id    UUID NOT NULL REFERENCES audio_chunks(chunk_id) ON DELETE CASCADE,
    start_ms    INTEGER NOT NULL,
    end_ms      INTEGER NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_speech_segments_chunk ON speech_segments(chunk_id);
`

// SchemaDialogues is the DDL for the dialogues table and its indexes.
const SchemaDialogues = `
CREATE TABLE IF NOT EXISTS dialogues (
    dialogue_id  UUID PRIMARY KEY,
    device_id    UUID NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
    point_id     TEXT NOT NULL,
    register_id  TEXT NOT NULL,
    start_ts     TIMESTAMPTZ NOT NULL,
    end_ts       TIMESTAMPTZ NOT NULL,
    source       TEXT NOT NULL DEFAULT 'vad',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_dialogues_device_start ON dialogues(device_id, start_ts);
CREATE INDEX IF NOT EXISTS idx_dialogues_point_start ON dialogues(point_id, start_ts);
`

// SchemaDialogueSegments is the DDL for the dialogue_segments link table.
// Inserts use ON CONFLICT DO NOTHING so a replayed commit is harmless.
const SchemaDialogueSegments = `
CREATE TABLE IF NOT EXISTS dialogue_segments (
    dialogue_id  UUID NOT NULL REFERENCES dialogues(dialogue_id) ON DELETE CASCADE,
    chunk_id     UUID NOT NULL REFERENCES audio_chunks(chunk_id) ON DELETE CASCADE,
    segment_id   UUID NOT NULL REFERENCES speech_segments(segment_id) ON DELETE CASCADE,
    PRIMARY KEY (dialogue_id, chunk_id, segment_id)
);
`

// SchemaDeviceDialogueState is the DDL for the per-device open-dialogue
// state. A row exists iff a dialogue is currently open for the device.
const SchemaDeviceDialogueState = `
CREATE TABLE IF NOT EXISTS device_dialogue_state (
    device_id            UUID PRIMARY KEY REFERENCES devices(device_id) ON DELETE CASCADE,
    open_dialogue_id     UUID NOT NULL REFERENCES dialogues(dialogue_id) ON DELETE CASCADE,
    dialogue_started_at  TIMESTAMPTZ NOT NULL,
    last_speech_end_ts   TIMESTAMPTZ NOT NULL,
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate executes all schema DDL in dependency order. Safe to run on every
// start.
func Migrate(ctx context.Context, db DB) error {
	statements := []struct {
		name string
		ddl  string
	}{
		{"devices", SchemaDevices},
		{"audio_chunks", SchemaAudioChunks},
		{"speech_segments", SchemaSpeechSegments},
		{"dialogues", SchemaDialogues},
		{"dialogue_segments", SchemaDialogueSegments},
		{"device_dialogue_state", SchemaDeviceDialogueState},
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("store: migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
