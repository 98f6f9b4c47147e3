// Package timeline tracks audio-timeline continuity across a transcription
// session: recorded segment spans, detected gaps, and a continuity score.
package timeline

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Severity buckets a gap by how disruptive it is, derived from the configured
// thresholds rather than fixed cutoffs.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Strategy selects how timestamps are estimated for segments that arrive
// without audio timing.
type Strategy string

const (
	// StrategyLinear extrapolates from the previous segment's end using a
	// fixed speaking-rate estimate.
	StrategyLinear Strategy = "linear"
	// StrategyAdaptive blends recent observed segment durations into the
	// rate estimate.
	StrategyAdaptive Strategy = "adaptive"
)

// Gap is a detected discontinuity between two consecutive segment spans.
// Gaps are never edited; a gap is superseded when a later span fills it.
type Gap struct {
	ID                 string   `json:"id"`
	StartMs            int64    `json:"start_ms"`
	EndMs              int64    `json:"end_ms"`
	DurationMs         int64    `json:"duration_ms"`
	Severity           Severity `json:"severity"`
	PrecedingSegmentID string   `json:"preceding_segment_id"`
	FollowingSegmentID string   `json:"following_segment_id"`
	Superseded         bool     `json:"superseded"`
}

// Config holds the tunables for gap detection and estimation.
type Config struct {
	GapDetectionThresholdMs int64
	MaxAcceptableGapMs      int64
	Strategy                Strategy
}

// Defaults used when a config field is zero.
const (
	defaultGapThresholdMs = 2000
	defaultMaxGapMs       = 5000

	// Baseline speaking rate for estimation: ~60ms of audio per character
	// covers typical conversational speech.
	baselineMsPerChar = 60

	durationWindow = 16
)

type span struct {
	segmentID string
	startMs   int64
	endMs     int64
}

// Tracker maintains continuity accounting for one session. It is not safe for
// concurrent use; the orchestrator serializes all calls.
type Tracker struct {
	cfg Config
	log zerolog.Logger

	spans []span
	gaps  []Gap

	// Rolling window of recent durations and text lengths feeding the
	// adaptive estimation strategy.
	recentDurations []int64
	recentChars     []int64
}

// New creates a tracker, filling zero config fields with defaults.
func New(cfg Config, log zerolog.Logger) *Tracker {
	if cfg.GapDetectionThresholdMs <= 0 {
		cfg.GapDetectionThresholdMs = defaultGapThresholdMs
	}
	if cfg.MaxAcceptableGapMs <= 0 {
		cfg.MaxAcceptableGapMs = defaultMaxGapMs
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyAdaptive
	}
	return &Tracker{cfg: cfg, log: log.With().Str("component", "timeline").Logger()}
}

// Record registers a finalized segment's audio span. A gap is recorded when
// the delta from the previous span's end exceeds the detection threshold, and
// any existing gap covered by the new span is superseded.
func (t *Tracker) Record(segmentID string, startMs, endMs int64) {
	if endMs < startMs {
		endMs = startMs
	}

	if n := len(t.spans); n > 0 {
		prev := t.spans[n-1]
		if delta := startMs - prev.endMs; delta > t.cfg.GapDetectionThresholdMs {
			g := Gap{
				ID:                 uuid.NewString(),
				StartMs:            prev.endMs,
				EndMs:              startMs,
				DurationMs:         delta,
				Severity:           t.severity(delta),
				PrecedingSegmentID: prev.segmentID,
				FollowingSegmentID: segmentID,
			}
			t.gaps = append(t.gaps, g)
			t.log.Debug().
				Int64("duration_ms", delta).
				Str("severity", string(g.Severity)).
				Msg("timeline gap detected")
		}
	}

	// A span landing inside an earlier gap means audio for that stretch
	// arrived late; the gap record is superseded, never rewritten.
	for i := range t.gaps {
		g := &t.gaps[i]
		if !g.Superseded && startMs < g.EndMs && endMs > g.StartMs {
			g.Superseded = true
		}
	}

	t.spans = append(t.spans, span{segmentID: segmentID, startMs: startMs, endMs: endMs})

	if d := endMs - startMs; d > 0 {
		t.recentDurations = append(t.recentDurations, d)
		if len(t.recentDurations) > durationWindow {
			t.recentDurations = t.recentDurations[1:]
		}
	}
}

// RecordChars feeds the observed text length for a timed segment into the
// adaptive rate estimate.
func (t *Tracker) RecordChars(chars int) {
	if chars <= 0 {
		return
	}
	t.recentChars = append(t.recentChars, int64(chars))
	if len(t.recentChars) > durationWindow {
		t.recentChars = t.recentChars[1:]
	}
}

func (t *Tracker) severity(durationMs int64) Severity {
	switch {
	case durationMs > t.cfg.MaxAcceptableGapMs:
		return SeveritySevere
	case durationMs > 2*t.cfg.GapDetectionThresholdMs:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

// Estimate produces an audio span for a segment that arrived without timing,
// using the configured strategy. Estimation never blocks ingestion: with no
// history it anchors at offset zero.
func (t *Tracker) Estimate(textChars int) (startMs, endMs int64) {
	var prevEnd int64
	if n := len(t.spans); n > 0 {
		prevEnd = t.spans[n-1].endMs
	}
	return prevEnd, prevEnd + t.EstimateDurationMs(textChars)
}

// EstimateDurationMs estimates how much audio a text of the given length
// covers, per the configured strategy.
func (t *Tracker) EstimateDurationMs(textChars int) int64 {
	if textChars < 1 {
		textChars = 1
	}
	rate := int64(baselineMsPerChar)
	if t.cfg.Strategy == StrategyAdaptive {
		if avgDur, avgChars := average(t.recentDurations), average(t.recentChars); avgDur > 0 && avgChars > 0 {
			observed := avgDur / avgChars
			if observed > 0 {
				// Blend observed rate with the baseline so one outlier
				// segment cannot skew the whole estimate.
				rate = (observed + baselineMsPerChar) / 2
			}
		}
	}
	return rate * int64(textChars)
}

// ContinuityScore is the fraction of the covered audio timeline filled by
// transcribed spans, clamped to [0,1]. With no timed spans the session is
// trivially continuous.
func (t *Tracker) ContinuityScore() float64 {
	if len(t.spans) == 0 {
		return 1
	}
	minStart := t.spans[0].startMs
	maxEnd := t.spans[0].endMs
	var active int64
	for _, s := range t.spans {
		if s.startMs < minStart {
			minStart = s.startMs
		}
		if s.endMs > maxEnd {
			maxEnd = s.endMs
		}
		active += s.endMs - s.startMs
	}
	total := maxEnd - minStart
	if total <= 0 {
		return 1
	}
	score := float64(active) / float64(total)
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Gaps returns a copy of all recorded gaps, superseded included.
func (t *Tracker) Gaps() []Gap {
	out := make([]Gap, len(t.gaps))
	copy(out, t.gaps)
	return out
}

// ActiveGaps returns only gaps that were not superseded by later spans.
func (t *Tracker) ActiveGaps() []Gap {
	var out []Gap
	for _, g := range t.gaps {
		if !g.Superseded {
			out = append(out, g)
		}
	}
	return out
}

// HasSignificantGaps reports whether any live gap exceeds the acceptable
// maximum.
func (t *Tracker) HasSignificantGaps() bool {
	for _, g := range t.gaps {
		if !g.Superseded && g.DurationMs > t.cfg.MaxAcceptableGapMs {
			return true
		}
	}
	return false
}

// GapCount returns the number of recorded gaps, superseded included.
func (t *Tracker) GapCount() int {
	return len(t.gaps)
}

// SpanCount returns the number of timed spans recorded this session.
func (t *Tracker) SpanCount() int {
	return len(t.spans)
}

// Reset drops all session state, keeping configuration.
func (t *Tracker) Reset() {
	t.spans = nil
	t.gaps = nil
	t.recentDurations = nil
	t.recentChars = nil
}

func average(vals []int64) int64 {
	if len(vals) == 0 {
		return 0
	}
	var sum int64
	for _, v := range vals {
		sum += v
	}
	return sum / int64(len(vals))
}
