// Package store implements PostgreSQL persistence for the Earshot pipeline:
// devices, audio chunks and their processing state machine, speech segments,
// dialogues, and the per-device open-dialogue state used for cross-chunk
// stitching.
//
// Each entity has a narrow store type constructed over the [DB] interface so
// tests can substitute doubles:
//
//	pool, err := store.NewPool(ctx, dsn, 30*time.Second)
//	if err != nil { ... }
//	devices := store.NewDeviceStore(pool)
//	chunks := store.NewChunkStore(pool)
//	dialogues := store.NewDialogueStore(pool)
package store

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the database interface used by all stores. *pgxpool.Pool, *pgx.Conn
// and pgx.Tx satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Beginner is a [DB] that can also start transactions. *pgxpool.Pool
// satisfies this interface; stores that commit multi-statement work
// (dialogue stitching) require it.
type Beginner interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ErrDeviceExists is returned by [DeviceStore.Create] when a device with the
// same ID (or token hash) is already registered.
var ErrDeviceExists = errors.New("store: device already exists")

// Status is the processing state of an audio chunk. Transitions are
// monotonic along QUEUED → PROCESSING → DONE/ERROR, with the recovery path
// PROCESSING → QUEUED for stuck chunks.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
)

// DialogueSourceVAD marks dialogues produced by the VAD stitching worker, as
// opposed to future sources such as manual annotation.
const DialogueSourceVAD = "vad"

// Device is a recorder installation identified by (point_id, register_id,
// device_id) with an associated authentication token. The token itself is
// never stored; only its SHA-256 hash.
type Device struct {
	DeviceID   uuid.UUID
	PointID    string
	RegisterID string
	TokenHash  string
	IsEnabled  bool
	CreatedAt  time.Time
	LastSeenAt *time.Time
}

// Chunk is a single uploaded audio file covering a contiguous time interval.
type Chunk struct {
	ChunkID             uuid.UUID
	DeviceID            uuid.UUID
	PointID             string
	RegisterID          string
	StartTS             time.Time
	EndTS               time.Time
	DurationSec         int
	Codec               string
	SampleRate          int
	Channels            int
	FilePath            string
	FileSizeBytes       int64
	Status              Status
	ErrorMessage        *string
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// Segment is a span of detected speech within one chunk, measured in
// milliseconds from the chunk's start_ts.
type Segment struct {
	SegmentID uuid.UUID
	ChunkID   uuid.UUID
	StartMs   int
	EndMs     int
}

// Dialogue is a contiguous run of speech on one device, possibly spanning
// several chunks.
type Dialogue struct {
	DialogueID uuid.UUID
	DeviceID   uuid.UUID
	PointID    string
	RegisterID string
	StartTS    time.Time
	EndTS      time.Time
	Source     string
	CreatedAt  time.Time
}

// DialogueState tracks the currently-open dialogue for a device. A row
// exists iff a dialogue is open; closing a dialogue deletes the row.
type DialogueState struct {
	DeviceID          uuid.UUID
	OpenDialogueID    uuid.UUID
	DialogueStartedAt time.Time
	LastSpeechEndTS   time.Time
	UpdatedAt         time.Time
}

// DeviceLockKey derives the bigint key for the per-device Postgres advisory
// lock from the device UUID. All writers that mutate a device's dialogues or
// dialogue state must hold this lock.
func DeviceLockKey(deviceID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write(deviceID[:])
	return int64(h.Sum64())
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
