package engine

import (
	"encoding/json"
	"fmt"

	"github.com/snarg/lt-engine/internal/segment"
)

// RecognitionEvent is the wire shape of one recognition result, from the
// upstream stream or the ingest endpoint. Pointer fields distinguish "absent"
// from zero: recognition feeds frequently omit confidence and audio timing.
type RecognitionEvent struct {
	Text            string   `json:"text"`
	IsPartial       bool     `json:"is_partial"`
	Source          string   `json:"source"`
	Confidence      *float64 `json:"confidence,omitempty"`
	AudioStartMs    *int64   `json:"audio_start_ms,omitempty"`
	AudioDurationMs *int64   `json:"audio_duration_ms,omitempty"`
}

// DecodeRecognitionEvent parses one upstream message. Decode failures are the
// only hard rejection at this boundary; malformed field values are sanitized
// downstream instead.
func DecodeRecognitionEvent(data []byte) (RecognitionEvent, error) {
	var ev RecognitionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode recognition event: %w", err)
	}
	return ev, nil
}

func (ev RecognitionEvent) toSegment() segment.Segment {
	seg := segment.Segment{
		Text:      ev.Text,
		IsPartial: ev.IsPartial,
		Source:    ev.Source,
	}
	if ev.Confidence != nil {
		seg.Confidence = *ev.Confidence
		seg.HasConfidence = true
	}
	if ev.AudioStartMs != nil {
		seg.AudioStartMs = *ev.AudioStartMs
		seg.AudioEndMs = seg.AudioStartMs
		if ev.AudioDurationMs != nil && *ev.AudioDurationMs > 0 {
			seg.AudioEndMs += *ev.AudioDurationMs
		}
		seg.HasAudioTime = true
	}
	return seg
}
