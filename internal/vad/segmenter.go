package vad

import "fmt"

// Segmenter smooths a stream of per-frame speech labels into segments.
// A segment opens once MinSpeechFrames consecutive speech frames accumulate
// (backdated to the first frame of the run) and closes once MaxSilenceMs of
// silence follows the last speech frame. The closed segment ends at that
// last speech frame, so tolerated silence never pads a segment's tail.
// Segments shorter than MinSegmentMs are dropped.
//
// Push one label per frame in stream order, then call Finish exactly once.
type Segmenter struct {
	frameMs         int
	minSpeechFrames int
	maxSilenceMs    int
	minSegmentMs    int

	frame        int // frames consumed so far
	speechRun    int // consecutive speech frames while no segment is open
	open         bool
	startMs      int // start of the open segment
	lastSpeechMs int // end of the open segment's most recent speech frame
	silenceMs    int // silence accumulated since then

	segments []Segment
}

// NewSegmenter returns a Segmenter for the given pass options.
func NewSegmenter(opts Options) (*Segmenter, error) {
	opts = opts.withDefaults()
	switch opts.FrameMs {
	case 10, 20, 30:
	default:
		return nil, fmt.Errorf("vad: frame length %d ms not one of 10, 20, 30", opts.FrameMs)
	}
	if opts.MinSpeechFrames < 1 {
		return nil, fmt.Errorf("vad: minimum speech run %d must be at least 1 frame", opts.MinSpeechFrames)
	}
	return &Segmenter{
		frameMs:         opts.FrameMs,
		minSpeechFrames: opts.MinSpeechFrames,
		maxSilenceMs:    opts.MaxSilenceMs,
		minSegmentMs:    opts.MinSegmentMs,
	}, nil
}

// Push consumes the label of the next frame.
func (s *Segmenter) Push(speech bool) {
	end := (s.frame + 1) * s.frameMs
	s.frame++

	if speech {
		if !s.open {
			s.speechRun++
			if s.speechRun < s.minSpeechFrames {
				return
			}
			// Commit, backdating the start to the first frame of the run.
			s.open = true
			s.startMs = end - s.speechRun*s.frameMs
		}
		s.lastSpeechMs = end
		s.silenceMs = 0
		return
	}

	s.speechRun = 0
	if !s.open {
		return
	}
	s.silenceMs += s.frameMs
	if s.silenceMs >= s.maxSilenceMs {
		s.close()
	}
}

// Finish closes any segment still open at end of stream and returns the
// segments in order. As with a silence close, a trailing open segment ends
// at its last speech frame.
func (s *Segmenter) Finish() []Segment {
	if s.open {
		s.close()
	}
	return s.segments
}

func (s *Segmenter) close() {
	if s.lastSpeechMs-s.startMs >= s.minSegmentMs {
		s.segments = append(s.segments, Segment{StartMs: s.startMs, EndMs: s.lastSpeechMs})
	}
	s.open = false
	s.silenceMs = 0
}
