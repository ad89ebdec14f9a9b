package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Path layout time formats. All components derive from the chunk's start
// timestamp in UTC so that replicas and the worker compute identical paths.
const (
	dayFormat   = "2006-01-02"
	hourFormat  = "15"
	stampFormat = "20060102_150405"
)

// ChunkPath returns the storage path for a chunk, relative to the storage
// root:
//
//	audio/<point_id>/<register_id>/<YYYY-MM-DD>/<HH>/chunk_<YYYYMMDD_HHMMSS>_<chunk_id>.ogg
//
// The date, hour, and stamp come from startTS converted to UTC. The path uses
// forward slashes regardless of platform; it is stored verbatim in the
// database.
func ChunkPath(pointID, registerID string, startTS time.Time, chunkID uuid.UUID) string {
	ts := startTS.UTC()
	return fmt.Sprintf("audio/%s/%s/%s/%s/chunk_%s_%s.ogg",
		pointID,
		registerID,
		ts.Format(dayFormat),
		ts.Format(hourFormat),
		ts.Format(stampFormat),
		chunkID,
	)
}

// ParseChunkFilename extracts the chunk ID from a file name of the form
// chunk_<YYYYMMDD>_<HHMMSS>_<chunk_id>.ogg. The second return value is false
// when the name does not match the layout.
func ParseChunkFilename(name string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(name, "chunk_")
	if !ok {
		return uuid.Nil, false
	}
	rest, ok = strings.CutSuffix(rest, ".ogg")
	if !ok {
		return uuid.Nil, false
	}

	// rest = "<YYYYMMDD>_<HHMMSS>_<chunk_id>"
	parts := strings.SplitN(rest, "_", 3)
	if len(parts) != 3 {
		return uuid.Nil, false
	}
	if _, err := time.Parse(stampFormat, parts[0]+"_"+parts[1]); err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
