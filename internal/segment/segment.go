// Package segment defines the shared data model for recognized utterance
// fragments and the derived transcript snapshot published to subscribers.
package segment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Segment is one recognized utterance fragment. Once IsPartial is false the
// text and audio span are immutable; only metadata may change afterwards.
type Segment struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
	Source    string `json:"source"`

	// Confidence is only meaningful when HasConfidence is set. Recognition
	// feeds frequently omit it on partial results.
	Confidence    float64 `json:"confidence,omitempty"`
	HasConfidence bool    `json:"has_confidence,omitempty"`

	// Audio span as monotonic offsets into the session audio timeline.
	// HasAudioTime is false when the recognizer did not report timing and
	// the span was not yet estimated.
	AudioStartMs int64 `json:"audio_start_ms"`
	AudioEndMs   int64 `json:"audio_end_ms"`
	HasAudioTime bool  `json:"has_audio_time"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sanitize corrects malformed fields in place rather than rejecting the
// segment. Upstream recognition feeds are noisy, and a displayable transcript
// beats strict validation at this boundary.
func (s *Segment) Sanitize(now time.Time) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Source == "" {
		s.Source = "default"
	}
	if s.HasConfidence {
		if s.Confidence < 0 {
			s.Confidence = 0
		}
		if s.Confidence > 1 {
			s.Confidence = 1
		}
	}
	if s.HasAudioTime {
		if s.AudioStartMs < 0 {
			s.AudioStartMs = 0
		}
		if s.AudioEndMs < s.AudioStartMs {
			s.AudioEndMs = s.AudioStartMs
		}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		s.UpdatedAt = s.CreatedAt
	}
}

// Stats holds running counters over a transcript.
type Stats struct {
	TotalSegments  int     `json:"total_segments"`
	PartialUpdates int     `json:"partial_updates"`
	FinalCount     int     `json:"final_count"`
	Corrections    int     `json:"corrections"`
	AvgConfidence  float64 `json:"avg_confidence"`
}

// TranscriptState is the immutable snapshot published on every change.
// DisplayText is always derived from Segments plus CurrentPartial via
// BuildDisplayText and never mutated independently.
type TranscriptState struct {
	Segments       []Segment `json:"segments"`
	CurrentPartial *Segment  `json:"current_partial,omitempty"`
	DisplayText    string    `json:"display_text"`
	Stats          Stats     `json:"stats"`
}

// BuildDisplayText concatenates finalized segment text and the live partial
// tail into the string handed to renderers.
func BuildDisplayText(finalized []Segment, partial *Segment) string {
	var b strings.Builder
	for _, s := range finalized {
		t := strings.TrimSpace(s.Text)
		if t == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
	}
	if partial != nil {
		if t := strings.TrimSpace(partial.Text); t != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(t)
		}
	}
	return b.String()
}

// EstimatedBytes approximates the in-memory footprint of a segment for the
// memory usage diagnostics surface.
func (s *Segment) EstimatedBytes() int64 {
	const overhead = 160 // struct fields, map slots, bookkeeping
	return int64(len(s.Text)+len(s.ID)+len(s.Source)) + overhead
}
