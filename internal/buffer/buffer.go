// Package buffer owns the canonical in-memory transcript: partial merging,
// finalization, retention, and snapshot assembly.
package buffer

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/lt-engine/internal/segment"
	"github.com/snarg/lt-engine/internal/textdiff"
)

// Config holds the buffer tunables.
type Config struct {
	// MaxSegments triggers eviction when exceeded. Eviction drops the oldest
	// finalized segments down to LowWaterMark, not down to MaxSegments, so a
	// full buffer does not evict on every insert.
	MaxSegments  int
	LowWaterMark int

	// PersistentDisplay makes Clear a logged no-op: sessions rendering a
	// persistent transcript must never lose history implicitly.
	PersistentDisplay bool
}

const (
	defaultMaxSegments  = 500
	defaultLowWaterMark = 400
)

// Result describes what one ingestion did to the transcript.
type Result struct {
	SegmentID string
	Finalized bool
	// Segment is the finalized segment as stored; only set when Finalized.
	Segment segment.Segment
	// Transition classifies the partial-to-final text change; only set when
	// Finalized.
	Transition textdiff.OpType
	// Correction is true when the update revised already-displayed text
	// rather than extending it.
	Correction bool
	Evicted    int
}

// Buffer is the merge engine. It is not safe for concurrent use; the
// orchestrator serializes all access.
type Buffer struct {
	cfg Config
	log zerolog.Logger

	finalized []segment.Segment
	partials  map[string]*segment.Segment // source → in-flight partial

	partialUpdates int
	corrections    int
	confSum        float64
	confCount      int
	evictedTotal   int64
}

// New creates a buffer, filling zero config fields with defaults.
func New(cfg Config, log zerolog.Logger) *Buffer {
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = defaultMaxSegments
	}
	if cfg.LowWaterMark <= 0 || cfg.LowWaterMark >= cfg.MaxSegments {
		cfg.LowWaterMark = cfg.MaxSegments * defaultLowWaterMark / defaultMaxSegments
		if cfg.LowWaterMark < 1 {
			cfg.LowWaterMark = 1
		}
	}
	return &Buffer{
		cfg:      cfg,
		log:      log.With().Str("component", "buffer").Logger(),
		partials: make(map[string]*segment.Segment),
	}
}

// Add ingests one recognition result. A partial from a source that already has
// an in-flight partial replaces it in place, keeping the same segment id; this
// is the primary defense against duplicate flickering text. A final result
// resolves the matching partial slot and appends to the finalized sequence.
func (b *Buffer) Add(seg segment.Segment, now time.Time) Result {
	seg.Sanitize(now)

	if seg.IsPartial {
		b.partialUpdates++
		if cur, ok := b.partials[seg.Source]; ok {
			correction := textdiff.IsCorrection(cur.Text, seg.Text)
			if correction {
				b.corrections++
			}
			cur.Text = seg.Text
			cur.UpdatedAt = now
			if seg.HasConfidence {
				cur.Confidence = seg.Confidence
				cur.HasConfidence = true
			}
			if seg.HasAudioTime {
				cur.AudioStartMs = seg.AudioStartMs
				cur.AudioEndMs = seg.AudioEndMs
				cur.HasAudioTime = true
			}
			return Result{SegmentID: cur.ID, Correction: correction}
		}
		cp := seg
		b.partials[seg.Source] = &cp
		return Result{SegmentID: cp.ID}
	}

	return b.finalize(seg, now)
}

// Finalize resolves a known partial by id, optionally overriding its text
// with a late confirmation. It reports false for unknown or already-finalized
// ids: finalization is idempotent, not an error.
func (b *Buffer) Finalize(id, finalText string, hasText bool, now time.Time) (Result, bool) {
	for _, s := range b.finalized {
		if s.ID == id {
			return Result{}, false
		}
	}
	for source, cur := range b.partials {
		if cur.ID != id {
			continue
		}
		final := *cur
		final.IsPartial = false
		final.Source = source
		if hasText {
			final.Text = finalText
		}
		return b.finalize(final, now), true
	}
	return Result{}, false
}

func (b *Buffer) finalize(seg segment.Segment, now time.Time) Result {
	prevText := ""
	if cur, ok := b.partials[seg.Source]; ok {
		prevText = cur.Text
		// The partial becomes the final: identity is stable across the
		// transition.
		seg.ID = cur.ID
		seg.CreatedAt = cur.CreatedAt
		if !seg.HasAudioTime && cur.HasAudioTime {
			seg.AudioStartMs = cur.AudioStartMs
			seg.AudioEndMs = cur.AudioEndMs
			seg.HasAudioTime = true
		}
		delete(b.partials, seg.Source)
	}

	seg.IsPartial = false
	seg.UpdatedAt = now

	transition := textdiff.Classify(prevText, seg.Text)
	correction := textdiff.IsCorrection(prevText, seg.Text)
	if correction {
		b.corrections++
	}
	if seg.HasConfidence {
		b.confSum += seg.Confidence
		b.confCount++
	}

	b.insertResequenced(seg)
	evicted := b.applyRetention()

	return Result{
		SegmentID:  seg.ID,
		Finalized:  true,
		Segment:    seg,
		Transition: transition,
		Correction: correction,
		Evicted:    evicted,
	}
}

// insertResequenced appends the segment, bubbling it backwards past any timed
// neighbors with later audio offsets. The transport may deliver finals out of
// order; subscribers must still observe them in timeline order.
func (b *Buffer) insertResequenced(seg segment.Segment) {
	b.finalized = append(b.finalized, seg)
	if !seg.HasAudioTime {
		return
	}
	for i := len(b.finalized) - 1; i > 0; i-- {
		prev := b.finalized[i-1]
		if !prev.HasAudioTime || prev.AudioStartMs <= b.finalized[i].AudioStartMs {
			break
		}
		b.finalized[i-1], b.finalized[i] = b.finalized[i], b.finalized[i-1]
	}
}

func (b *Buffer) applyRetention() int {
	if len(b.finalized) <= b.cfg.MaxSegments {
		return 0
	}
	excess := len(b.finalized) - b.cfg.LowWaterMark
	b.finalized = append([]segment.Segment(nil), b.finalized[excess:]...)
	b.evictedTotal += int64(excess)
	b.log.Debug().Int("evicted", excess).Int("retained", len(b.finalized)).Msg("retention eviction")
	return excess
}

// Clear wipes the transcript unless the persistent-display policy is active,
// in which case it logs the intent and refuses.
func (b *Buffer) Clear() bool {
	if b.cfg.PersistentDisplay {
		b.log.Info().Msg("clear requested but persistent display is enabled, keeping transcript")
		return false
	}
	b.Reset()
	return true
}

// Reset unconditionally drops all transcript state and counters.
func (b *Buffer) Reset() {
	b.finalized = nil
	b.partials = make(map[string]*segment.Segment)
	b.partialUpdates = 0
	b.corrections = 0
	b.confSum = 0
	b.confCount = 0
	b.evictedTotal = 0
}

// OpenPartials returns copies of all in-flight partials, most recently
// updated last.
func (b *Buffer) OpenPartials() []segment.Segment {
	out := make([]segment.Segment, 0, len(b.partials))
	for _, p := range b.partials {
		out = append(out, *p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].UpdatedAt.Before(out[j-1].UpdatedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Snapshot assembles the immutable transcript state. CurrentPartial is the
// most recently updated in-flight partial.
func (b *Buffer) Snapshot() segment.TranscriptState {
	segs := make([]segment.Segment, len(b.finalized))
	copy(segs, b.finalized)

	var current *segment.Segment
	for _, p := range b.partials {
		if current == nil || p.UpdatedAt.After(current.UpdatedAt) {
			cp := *p
			current = &cp
		}
	}

	avg := 0.0
	if b.confCount > 0 {
		avg = b.confSum / float64(b.confCount)
	}

	return segment.TranscriptState{
		Segments:       segs,
		CurrentPartial: current,
		DisplayText:    segment.BuildDisplayText(segs, current),
		Stats: segment.Stats{
			TotalSegments:  len(segs) + len(b.partials),
			PartialUpdates: b.partialUpdates,
			FinalCount:     len(segs),
			Corrections:    b.corrections,
			AvgConfidence:  avg,
		},
	}
}

// MemoryUsage reports the segment count and an estimated byte footprint for
// the diagnostics surface.
func (b *Buffer) MemoryUsage() (count int, bytes int64) {
	count = len(b.finalized) + len(b.partials)
	for i := range b.finalized {
		bytes += b.finalized[i].EstimatedBytes()
	}
	for _, p := range b.partials {
		bytes += p.EstimatedBytes()
	}
	return count, bytes
}

// EvictedTotal returns the number of segments dropped by retention since the
// last reset.
func (b *Buffer) EvictedTotal() int64 {
	return b.evictedTotal
}
