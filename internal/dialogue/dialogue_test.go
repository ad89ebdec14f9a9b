package dialogue

import (
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/earshotlabs/earshot/internal/store"
)

var t0 = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

func defaultStitcher() *Stitcher {
	return New(12*time.Second, 120*time.Second)
}

func chunkAt(deviceID uuid.UUID, start time.Time) *store.Chunk {
	return &store.Chunk{
		ChunkID:  uuid.New(),
		DeviceID: deviceID,
		StartTS:  start,
		EndTS:    start.Add(60 * time.Second),
	}
}

func seg(startMs, endMs int) store.Segment {
	return store.Segment{SegmentID: uuid.New(), StartMs: startMs, EndMs: endMs}
}

func wantTime(t *testing.T, name string, got, want time.Time) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestPlan_SingleChunkTwoSegments(t *testing.T) {
	device := uuid.New()
	chunk := chunkAt(device, t0)
	segs := []store.Segment{seg(1000, 5000), seg(6000, 9000)}

	plan := defaultStitcher().Plan(chunk, segs, nil)

	if len(plan.Dialogues) != 1 {
		t.Fatalf("dialogues = %d, want 1", len(plan.Dialogues))
	}
	d := plan.Dialogues[0]
	wantTime(t, "dialogue start", d.StartTS, t0.Add(1*time.Second))
	wantTime(t, "dialogue end", d.EndTS, t0.Add(9*time.Second))
	if plan.ExtendTo != nil {
		t.Error("plan extends a dialogue although none was open")
	}

	if len(plan.Links) != 2 {
		t.Fatalf("links = %d, want 2", len(plan.Links))
	}
	for i, l := range plan.Links {
		if l.DialogueID != d.DialogueID {
			t.Errorf("link %d targets %s, want the new dialogue", i, l.DialogueID)
		}
		if l.SegmentID != segs[i].SegmentID {
			t.Errorf("link %d segment mismatch", i)
		}
	}

	if plan.State == nil {
		t.Fatal("no state after a chunk with speech")
	}
	if plan.State.DeviceID != device || plan.State.OpenDialogueID != d.DialogueID {
		t.Errorf("state = %+v, want open dialogue %s on device %s", plan.State, d.DialogueID, device)
	}
	wantTime(t, "state started_at", plan.State.DialogueStartedAt, t0.Add(1*time.Second))
	wantTime(t, "state last_speech", plan.State.LastSpeechEndTS, t0.Add(9*time.Second))
}

func TestPlan_ExtendsAcrossChunks(t *testing.T) {
	device := uuid.New()
	open := uuid.New()
	state := &store.DialogueState{
		DeviceID:          device,
		OpenDialogueID:    open,
		DialogueStartedAt: t0.Add(55 * time.Second),
		LastSpeechEndTS:   t0.Add(60 * time.Second),
	}
	chunkB := chunkAt(device, t0.Add(60*time.Second))

	plan := defaultStitcher().Plan(chunkB, []store.Segment{seg(0, 3000)}, state)

	if len(plan.Dialogues) != 0 {
		t.Fatalf("dialogues = %v, want none (extension only)", plan.Dialogues)
	}
	if plan.ExtendTo == nil {
		t.Fatal("open dialogue not extended")
	}
	wantTime(t, "extend to", *plan.ExtendTo, t0.Add(63*time.Second))
	if len(plan.Links) != 1 || plan.Links[0].DialogueID != open {
		t.Errorf("links = %+v, want one link to the inherited dialogue", plan.Links)
	}
	if plan.State == nil || plan.State.OpenDialogueID != open {
		t.Fatalf("state = %+v, want inherited dialogue still open", plan.State)
	}
	wantTime(t, "state started_at", plan.State.DialogueStartedAt, t0.Add(55*time.Second))
	wantTime(t, "state last_speech", plan.State.LastSpeechEndTS, t0.Add(63*time.Second))
}

func TestPlan_SilenceGapSplits(t *testing.T) {
	device := uuid.New()
	open := uuid.New()
	state := &store.DialogueState{
		DeviceID:          device,
		OpenDialogueID:    open,
		DialogueStartedAt: t0.Add(58 * time.Second),
		LastSpeechEndTS:   t0.Add(60 * time.Second),
	}
	chunkB := chunkAt(device, t0.Add(60*time.Second))

	// Speech resumes 13 s after the last speech end: past the 12 s gap.
	plan := defaultStitcher().Plan(chunkB, []store.Segment{seg(13000, 14000)}, state)

	if len(plan.Dialogues) != 1 {
		t.Fatalf("dialogues = %d, want a fresh one", len(plan.Dialogues))
	}
	d := plan.Dialogues[0]
	wantTime(t, "dialogue start", d.StartTS, t0.Add(73*time.Second))
	wantTime(t, "dialogue end", d.EndTS, t0.Add(74*time.Second))
	if plan.ExtendTo != nil {
		t.Error("closed dialogue was extended")
	}
	if plan.State == nil || plan.State.OpenDialogueID != d.DialogueID {
		t.Fatalf("state = %+v, want reopened for the new dialogue", plan.State)
	}
}

func TestPlan_MaxDurationSplits(t *testing.T) {
	device := uuid.New()
	chunk := chunkAt(device, t0)
	segs := []store.Segment{seg(0, 60000), seg(60000, 120000), seg(120000, 130000)}

	plan := defaultStitcher().Plan(chunk, segs, nil)

	if len(plan.Dialogues) != 2 {
		t.Fatalf("dialogues = %d, want 2", len(plan.Dialogues))
	}
	// The second segment lands exactly on the 120 s cap and still extends;
	// the third would stretch the dialogue to 130 s and forces the split.
	first, second := plan.Dialogues[0], plan.Dialogues[1]
	wantTime(t, "first start", first.StartTS, t0)
	wantTime(t, "first end", first.EndTS, t0.Add(120*time.Second))
	wantTime(t, "second start", second.StartTS, t0.Add(120*time.Second))
	wantTime(t, "second end", second.EndTS, t0.Add(130*time.Second))

	if plan.Links[0].DialogueID != first.DialogueID || plan.Links[1].DialogueID != first.DialogueID {
		t.Error("first two segments not linked to the first dialogue")
	}
	if plan.Links[2].DialogueID != second.DialogueID {
		t.Error("third segment not linked to the second dialogue")
	}
	if plan.State == nil || plan.State.OpenDialogueID != second.DialogueID {
		t.Fatalf("state = %+v, want the second dialogue open", plan.State)
	}
}

func TestPlan_StaleStateClosedByChunkStart(t *testing.T) {
	device := uuid.New()
	state := &store.DialogueState{
		DeviceID:          device,
		OpenDialogueID:    uuid.New(),
		DialogueStartedAt: t0.Add(-30 * time.Second),
		LastSpeechEndTS:   t0.Add(-12 * time.Second), // exactly the gap
	}

	plan := defaultStitcher().Plan(chunkAt(device, t0), nil, state)
	if plan.State != nil || plan.ExtendTo != nil || len(plan.Dialogues) != 0 {
		t.Errorf("plan = %+v, want stale state forgotten with no mutations", plan)
	}

	// With speech in the chunk a fresh dialogue opens instead of extending.
	plan = defaultStitcher().Plan(chunkAt(device, t0), []store.Segment{seg(0, 1000)}, state)
	if len(plan.Dialogues) != 1 || plan.ExtendTo != nil {
		t.Errorf("plan = %+v, want one fresh dialogue and no extension", plan)
	}
}

func TestPlan_EmptyChunkKeepsFreshState(t *testing.T) {
	device := uuid.New()
	open := uuid.New()
	state := &store.DialogueState{
		DeviceID:          device,
		OpenDialogueID:    open,
		DialogueStartedAt: t0.Add(-8 * time.Second),
		LastSpeechEndTS:   t0.Add(-5 * time.Second),
	}

	plan := defaultStitcher().Plan(chunkAt(device, t0), nil, state)

	if len(plan.Dialogues) != 0 || plan.ExtendTo != nil || len(plan.Links) != 0 {
		t.Errorf("plan = %+v, want no mutations for a silent chunk", plan)
	}
	if plan.State == nil || plan.State.OpenDialogueID != open {
		t.Fatalf("state = %+v, want the open dialogue kept", plan.State)
	}
	wantTime(t, "state started_at", plan.State.DialogueStartedAt, state.DialogueStartedAt)
	wantTime(t, "state last_speech", plan.State.LastSpeechEndTS, state.LastSpeechEndTS)
}

func TestPlan_NothingToDo(t *testing.T) {
	plan := defaultStitcher().Plan(chunkAt(uuid.New(), t0), nil, nil)
	if plan.State != nil || plan.ExtendTo != nil || len(plan.Dialogues) != 0 || len(plan.Links) != 0 {
		t.Errorf("plan = %+v, want zero plan", plan)
	}
}

func TestPlan_OverlappingChunkClampsGap(t *testing.T) {
	device := uuid.New()
	open := uuid.New()
	// The chunk starts 30 s before the recorded last speech end: a recorder
	// retry with regenerated timestamps. The segment must extend the open
	// dialogue, never rewind it.
	state := &store.DialogueState{
		DeviceID:          device,
		OpenDialogueID:    open,
		DialogueStartedAt: t0.Add(-30 * time.Second),
		LastSpeechEndTS:   t0.Add(30 * time.Second),
	}

	plan := defaultStitcher().Plan(chunkAt(device, t0), []store.Segment{seg(0, 2000)}, state)

	if len(plan.Dialogues) != 0 {
		t.Fatalf("dialogues = %v, want the overlap folded into the open dialogue", plan.Dialogues)
	}
	if plan.ExtendTo == nil {
		t.Fatal("open dialogue not retained")
	}
	wantTime(t, "extend to", *plan.ExtendTo, t0.Add(30*time.Second))
	if plan.State == nil {
		t.Fatal("state dropped")
	}
	wantTime(t, "state last_speech", plan.State.LastSpeechEndTS, t0.Add(30*time.Second))
}

func TestPlan_Properties(t *testing.T) {
	type interval struct{ start, end time.Time }
	type absSegment struct {
		start, end time.Time
		dialogue   uuid.UUID
	}

	rapid.Check(t, func(t *rapid.T) {
		silenceGap := time.Duration(rapid.IntRange(2, 30).Draw(t, "silenceGapSec")) * time.Second
		maxDialogue := time.Duration(rapid.IntRange(30, 300).Draw(t, "maxDialogueSec")) * time.Second
		st := New(silenceGap, maxDialogue)

		device := uuid.New()
		dialogues := map[uuid.UUID]*interval{}
		var all []absSegment
		var state *store.DialogueState

		for c := range rapid.IntRange(1, 6).Draw(t, "chunks") {
			chunkStart := t0.Add(time.Duration(c) * time.Minute)
			chunk := &store.Chunk{ChunkID: uuid.New(), DeviceID: device, StartTS: chunkStart, EndTS: chunkStart.Add(time.Minute)}

			var segs []store.Segment
			pos := 0
			for range rapid.IntRange(0, 5).Draw(t, "segCount") {
				startMs := pos + rapid.IntRange(0, 20000).Draw(t, "gapMs")
				endMs := startMs + rapid.IntRange(200, 15000).Draw(t, "lenMs")
				if endMs > 60000 {
					break
				}
				segs = append(segs, store.Segment{SegmentID: uuid.New(), ChunkID: chunk.ChunkID, StartMs: startMs, EndMs: endMs})
				pos = endMs
			}

			plan := st.Plan(chunk, segs, state)

			if len(plan.Links) != len(segs) {
				t.Fatalf("chunk %d: %d links for %d segments", c, len(plan.Links), len(segs))
			}
			for _, d := range plan.Dialogues {
				dialogues[d.DialogueID] = &interval{d.StartTS, d.EndTS}
			}
			if plan.ExtendTo != nil {
				if state == nil {
					t.Fatal("plan extends a dialogue but none was open")
				}
				dialogues[state.OpenDialogueID].end = *plan.ExtendTo
			}
			for i, l := range plan.Links {
				if _, ok := dialogues[l.DialogueID]; !ok {
					t.Fatalf("link %d targets unknown dialogue %s", i, l.DialogueID)
				}
				all = append(all, absSegment{
					start:    chunkStart.Add(time.Duration(segs[i].StartMs) * time.Millisecond),
					end:      chunkStart.Add(time.Duration(segs[i].EndMs) * time.Millisecond),
					dialogue: l.DialogueID,
				})
			}
			state = plan.State
		}

		// Dialogue intervals never overlap and start strictly later each time.
		ordered := make([]*interval, 0, len(dialogues))
		for _, iv := range dialogues {
			ordered = append(ordered, iv)
		}
		slices.SortFunc(ordered, func(a, b *interval) int { return a.start.Compare(b.start) })
		for i := 1; i < len(ordered); i++ {
			if ordered[i-1].end.After(ordered[i].start) {
				t.Fatalf("dialogues overlap: %v then %v", *ordered[i-1], *ordered[i])
			}
			if !ordered[i-1].start.Before(ordered[i].start) {
				t.Fatal("dialogue starts not strictly increasing")
			}
		}

		// Consecutive segments share a dialogue only across short gaps; a
		// boundary between them means a long gap or a duration split.
		for i := 1; i < len(all); i++ {
			prev, cur := all[i-1], all[i]
			gap := cur.start.Sub(prev.end)
			if prev.dialogue == cur.dialogue {
				if gap >= silenceGap {
					t.Fatalf("segments %d and %d share a dialogue across a %v gap", i-1, i, gap)
				}
			} else if gap < silenceGap && cur.end.Sub(dialogues[prev.dialogue].start) <= maxDialogue {
				t.Fatalf("segments %d and %d split apart with gap %v and no duration overrun", i-1, i, gap)
			}
		}

		// No dialogue outlives the duration cap by more than one segment.
		var maxSegLen time.Duration
		for _, s := range all {
			if l := s.end.Sub(s.start); l > maxSegLen {
				maxSegLen = l
			}
		}
		for id, iv := range dialogues {
			if d := iv.end.Sub(iv.start); d > maxDialogue && d > maxSegLen {
				t.Fatalf("dialogue %s lasted %v with cap %v", id, d, maxDialogue)
			}
		}
	})
}
