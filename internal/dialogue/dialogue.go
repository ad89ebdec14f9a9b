// Package dialogue stitches per-chunk speech segments into dialogues that
// may span chunk boundaries. The stitcher is a pure planner: given the
// device's open-dialogue state, a chunk's time window and its segments, it
// decides which dialogues to create, extend or close. The store executes
// the resulting plan in the chunk's commit transaction.
package dialogue

import (
	"time"

	"github.com/google/uuid"

	"github.com/earshotlabs/earshot/internal/store"
)

// Stitcher holds the two splitting rules: a dialogue closes after
// silenceGap without speech, or when extending it past maxDialogue.
type Stitcher struct {
	silenceGap  time.Duration
	maxDialogue time.Duration
}

// New returns a Stitcher with the given thresholds.
func New(silenceGap, maxDialogue time.Duration) *Stitcher {
	return &Stitcher{silenceGap: silenceGap, maxDialogue: maxDialogue}
}

// Plan computes the dialogue mutations for one chunk. state is the device's
// open-dialogue snapshot read under the device lock, nil when no dialogue is
// open. Segments must be ordered by start.
//
// Plan never touches the clock: silence since the last speech is measured
// against the chunk's own start timestamp, so replaying a recovered chunk
// reaches the same decisions it would have originally.
func (st *Stitcher) Plan(chunk *store.Chunk, segments []store.Segment, state *store.DialogueState) store.CommitPlan {
	var plan store.CommitPlan

	var (
		current   uuid.UUID // dialogue receiving the next links
		startedAt time.Time
		lastEnd   time.Time
		inherited bool // current came from state, not from this plan
		open      bool
	)
	if state != nil && chunk.StartTS.Sub(state.LastSpeechEndTS) < st.silenceGap {
		current = state.OpenDialogueID
		startedAt = state.DialogueStartedAt
		lastEnd = state.LastSpeechEndTS
		inherited = true
		open = true
	}

	for _, seg := range segments {
		startAbs := chunk.StartTS.Add(time.Duration(seg.StartMs) * time.Millisecond)
		endAbs := chunk.StartTS.Add(time.Duration(seg.EndMs) * time.Millisecond)

		if open {
			gap := startAbs.Sub(lastEnd)
			if gap < 0 {
				// Overlapping chunk intervals are a recorder data-quality
				// problem; treat the segment as contiguous speech instead
				// of corrupting the open dialogue.
				gap = 0
			}
			if gap >= st.silenceGap || endAbs.Sub(startedAt) > st.maxDialogue {
				open = false
			}
		}

		if !open {
			d := store.NewDialogue{DialogueID: uuid.New(), StartTS: startAbs, EndTS: endAbs}
			plan.Dialogues = append(plan.Dialogues, d)
			current = d.DialogueID
			startedAt = startAbs
			lastEnd = endAbs
			inherited = false
			open = true
		} else {
			if endAbs.After(lastEnd) {
				lastEnd = endAbs
			}
			if inherited {
				end := lastEnd
				plan.ExtendTo = &end
			} else {
				plan.Dialogues[len(plan.Dialogues)-1].EndTS = lastEnd
			}
		}

		plan.Links = append(plan.Links, store.SegmentLink{DialogueID: current, SegmentID: seg.SegmentID})
	}

	if open {
		plan.State = &store.DialogueState{
			DeviceID:          chunk.DeviceID,
			OpenDialogueID:    current,
			DialogueStartedAt: startedAt,
			LastSpeechEndTS:   lastEnd,
		}
	}
	return plan
}
