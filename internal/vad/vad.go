// Package vad turns chunk PCM into speech segments. A frame classifier
// labels fixed-length frames as speech or silence ([Detector]) and a
// hysteresis state machine smooths the labels into segments ([Segmenter]).
// [DetectSegments] runs the whole pass.
package vad

// SampleRate is the PCM rate the classifier expects. Chunk audio is
// downmixed and resampled to this rate before detection.
const SampleRate = 16000

// Default smoothing parameters, applied when the corresponding Options
// field is zero.
const (
	// DefaultMinSpeechFrames is the run of consecutive speech frames that
	// commits a segment (~90 ms at 30 ms frames).
	DefaultMinSpeechFrames = 3

	// DefaultMaxSilenceMs is the silence tolerated inside an open segment
	// before it closes.
	DefaultMaxSilenceMs = 300

	// DefaultMinSegmentMs drops blips shorter than this.
	DefaultMinSegmentMs = 200
)

// Segment is one detected speech interval, in milliseconds from the start
// of the chunk. Boundaries are frame-aligned and half-open: [StartMs, EndMs).
type Segment struct {
	StartMs int
	EndMs   int
}

// Options bundles the tunable parameters of a detection pass. The zero
// value selects aggressiveness 0 and 30 ms frames with default smoothing.
type Options struct {
	// Aggressiveness selects the classifier preset, 0 (most permissive)
	// to 3 (most strict).
	Aggressiveness int

	// FrameMs is the frame length in milliseconds: 10, 20 or 30.
	// Zero means 30.
	FrameMs int

	// MinSpeechFrames is the consecutive-speech run that opens a segment.
	MinSpeechFrames int

	// MaxSilenceMs is the silence tolerated inside an open segment.
	MaxSilenceMs int

	// MinSegmentMs drops segments shorter than this.
	MinSegmentMs int
}

func (o Options) withDefaults() Options {
	if o.FrameMs == 0 {
		o.FrameMs = 30
	}
	if o.MinSpeechFrames == 0 {
		o.MinSpeechFrames = DefaultMinSpeechFrames
	}
	if o.MaxSilenceMs == 0 {
		o.MaxSilenceMs = DefaultMaxSilenceMs
	}
	if o.MinSegmentMs == 0 {
		o.MinSegmentMs = DefaultMinSegmentMs
	}
	return o
}

// DetectSegments runs a full detection pass over mono PCM sampled at
// [SampleRate]. A trailing partial frame is ignored. Every call starts from
// fresh classifier state, so the result depends only on the samples:
// reprocessing a chunk yields identical segments.
func DetectSegments(pcm []int16, opts Options) ([]Segment, error) {
	opts = opts.withDefaults()

	det, err := NewDetector(opts.Aggressiveness)
	if err != nil {
		return nil, err
	}
	seg, err := NewSegmenter(opts)
	if err != nil {
		return nil, err
	}

	frameSamples := SampleRate * opts.FrameMs / 1000
	for off := 0; off+frameSamples <= len(pcm); off += frameSamples {
		seg.Push(det.IsSpeech(pcm[off : off+frameSamples]))
	}
	return seg.Finish(), nil
}
