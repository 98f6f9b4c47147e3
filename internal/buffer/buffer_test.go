package buffer

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/lt-engine/internal/segment"
	"github.com/snarg/lt-engine/internal/textdiff"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestBuffer(cfg Config) *Buffer {
	return New(cfg, zerolog.Nop())
}

func partial(text, source string) segment.Segment {
	return segment.Segment{Text: text, IsPartial: true, Source: source}
}

func final(text, source string) segment.Segment {
	return segment.Segment{Text: text, Source: source}
}

func TestPartialReplacement(t *testing.T) {
	b := newTestBuffer(Config{})

	r1 := b.Add(partial("hel", "mic"), t0)
	r2 := b.Add(partial("hello", "mic"), t0.Add(time.Second))
	r3 := b.Add(partial("hello wor", "mic"), t0.Add(2*time.Second))

	if r1.SegmentID != r2.SegmentID || r2.SegmentID != r3.SegmentID {
		t.Error("partial replacement changed the segment id")
	}

	state := b.Snapshot()
	if state.CurrentPartial == nil {
		t.Fatal("expected a current partial")
	}
	if state.CurrentPartial.Text != "hello wor" {
		t.Errorf("partial text = %q, want latest", state.CurrentPartial.Text)
	}
	if len(state.Segments) != 0 {
		t.Errorf("finalized = %d, want 0", len(state.Segments))
	}
	if state.DisplayText != "hello wor" {
		t.Errorf("DisplayText = %q, want %q", state.DisplayText, "hello wor")
	}
}

func TestPartialsPerSourceIsolated(t *testing.T) {
	b := newTestBuffer(Config{})
	b.Add(partial("from mic", "mic"), t0)
	b.Add(partial("from system", "loopback"), t0.Add(time.Second))

	if got := len(b.OpenPartials()); got != 2 {
		t.Fatalf("open partials = %d, want 2", got)
	}

	// Snapshot still exposes at most one live tail: the most recent.
	state := b.Snapshot()
	if state.CurrentPartial == nil || state.CurrentPartial.Text != "from system" {
		t.Errorf("CurrentPartial = %+v, want most recently updated", state.CurrentPartial)
	}
}

func TestExtensionStreamThenFinalize(t *testing.T) {
	b := newTestBuffer(Config{})

	// 50 partial updates each appending one character, then one finalize.
	text := ""
	for i := 0; i < 50; i++ {
		text += "a"
		b.Add(partial(text, "mic"), t0.Add(time.Duration(i)*time.Millisecond))
	}
	r := b.Add(final(text+"!", "mic"), t0.Add(time.Second))

	if !r.Finalized {
		t.Fatal("expected finalization")
	}
	state := b.Snapshot()
	if len(state.Segments) != 1 {
		t.Fatalf("finalized = %d, want exactly 1", len(state.Segments))
	}
	if state.Stats.Corrections != 0 {
		t.Errorf("corrections = %d, want 0 for pure extensions", state.Stats.Corrections)
	}
	if state.CurrentPartial != nil {
		t.Error("partial slot not cleared by finalize")
	}
}

func TestCorrectionCounted(t *testing.T) {
	b := newTestBuffer(Config{})
	b.Add(partial("hello wor", "mic"), t0)
	r := b.Add(partial("hullo world", "mic"), t0.Add(time.Second))
	if !r.Correction {
		t.Error("leading revision not reported as correction")
	}
	if got := b.Snapshot().Stats.Corrections; got != 1 {
		t.Errorf("corrections = %d, want 1", got)
	}
}

func TestFinalizeTransitionClassification(t *testing.T) {
	b := newTestBuffer(Config{})
	b.Add(partial("hello", "mic"), t0)
	r := b.Add(final("hello world", "mic"), t0.Add(time.Second))
	if r.Transition != textdiff.OpInsert {
		t.Errorf("transition = %s, want insert for pure extension", r.Transition)
	}

	b.Add(partial("goodbye", "mic"), t0.Add(2*time.Second))
	r = b.Add(final("good night", "mic"), t0.Add(3*time.Second))
	if r.Transition != textdiff.OpReplace {
		t.Errorf("transition = %s, want replace", r.Transition)
	}
}

func TestFinalizeByIDIdempotent(t *testing.T) {
	b := newTestBuffer(Config{})
	r := b.Add(partial("almost done", "mic"), t0)

	fr, ok := b.Finalize(r.SegmentID, "all done", true, t0.Add(time.Second))
	if !ok || !fr.Finalized {
		t.Fatal("first finalize failed")
	}
	if _, ok := b.Finalize(r.SegmentID, "again", true, t0.Add(2*time.Second)); ok {
		t.Error("second finalize of same id reported success")
	}
	if _, ok := b.Finalize("no-such-id", "", false, t0); ok {
		t.Error("finalize of unknown id reported success")
	}

	state := b.Snapshot()
	if len(state.Segments) != 1 || state.Segments[0].Text != "all done" {
		t.Errorf("segments = %+v, want single finalized with overridden text", state.Segments)
	}
}

func TestRetentionHysteresis(t *testing.T) {
	b := newTestBuffer(Config{MaxSegments: 10, LowWaterMark: 6})

	var lastEvicted int
	for i := 0; i < 11; i++ {
		r := b.Add(final(fmt.Sprintf("seg %d", i), "mic"), t0.Add(time.Duration(i)*time.Second))
		lastEvicted = r.Evicted
	}

	// Crossing MaxSegments evicts down to the low-water mark in one sweep.
	if lastEvicted != 5 {
		t.Errorf("evicted = %d, want 5", lastEvicted)
	}
	state := b.Snapshot()
	if len(state.Segments) != 6 {
		t.Fatalf("retained = %d, want 6", len(state.Segments))
	}
	if state.Segments[0].Text != "seg 5" {
		t.Errorf("oldest retained = %q, want seg 5", state.Segments[0].Text)
	}

	// The next insert must not evict again (hysteresis, not a hard cap).
	r := b.Add(final("seg 11", "mic"), t0.Add(time.Minute))
	if r.Evicted != 0 {
		t.Errorf("evicted on insert below max = %d, want 0", r.Evicted)
	}
}

func TestOutOfOrderFinalsResequenced(t *testing.T) {
	b := newTestBuffer(Config{})

	s1 := final("first", "mic")
	s1.HasAudioTime, s1.AudioStartMs, s1.AudioEndMs = true, 0, 1000
	s3 := final("third", "mic")
	s3.HasAudioTime, s3.AudioStartMs, s3.AudioEndMs = true, 4000, 5000
	s2 := final("second", "mic")
	s2.HasAudioTime, s2.AudioStartMs, s2.AudioEndMs = true, 2000, 3000

	b.Add(s1, t0)
	b.Add(s3, t0.Add(time.Second))
	b.Add(s2, t0.Add(2*time.Second)) // arrives late

	state := b.Snapshot()
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if state.Segments[i].Text != w {
			t.Errorf("segment %d = %q, want %q", i, state.Segments[i].Text, w)
		}
	}
}

func TestClearHonorsPersistentDisplay(t *testing.T) {
	b := newTestBuffer(Config{PersistentDisplay: true})
	b.Add(final("keep me", "mic"), t0)

	if b.Clear() {
		t.Error("Clear succeeded despite persistent display policy")
	}
	if len(b.Snapshot().Segments) != 1 {
		t.Error("persistent transcript was cleared")
	}

	b2 := newTestBuffer(Config{PersistentDisplay: false})
	b2.Add(final("ephemeral", "mic"), t0)
	if !b2.Clear() {
		t.Error("Clear refused without persistent display policy")
	}
	if len(b2.Snapshot().Segments) != 0 {
		t.Error("transcript not cleared")
	}
}

func TestAvgConfidence(t *testing.T) {
	b := newTestBuffer(Config{})
	s1 := final("a", "mic")
	s1.HasConfidence, s1.Confidence = true, 0.8
	s2 := final("b", "mic")
	s2.HasConfidence, s2.Confidence = true, 0.6
	s3 := final("c", "mic") // no confidence, excluded from the average

	b.Add(s1, t0)
	b.Add(s2, t0)
	b.Add(s3, t0)

	got := b.Snapshot().Stats.AvgConfidence
	if got < 0.699 || got > 0.701 {
		t.Errorf("AvgConfidence = %v, want 0.7", got)
	}
}
