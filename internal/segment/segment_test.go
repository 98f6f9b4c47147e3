package segment

import (
	"testing"
	"time"
)

func TestSanitize(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("regenerates_empty_id", func(t *testing.T) {
		s := Segment{Text: "hello"}
		s.Sanitize(now)
		if s.ID == "" {
			t.Error("expected a generated id")
		}
		if s.Source != "default" {
			t.Errorf("Source = %q, want default", s.Source)
		}
	})

	t.Run("clamps_negative_timestamps", func(t *testing.T) {
		s := Segment{ID: "a", HasAudioTime: true, AudioStartMs: -500, AudioEndMs: -200}
		s.Sanitize(now)
		if s.AudioStartMs != 0 {
			t.Errorf("AudioStartMs = %d, want 0", s.AudioStartMs)
		}
		if s.AudioEndMs != 0 {
			t.Errorf("AudioEndMs = %d, want 0", s.AudioEndMs)
		}
	})

	t.Run("clamps_confidence_range", func(t *testing.T) {
		s := Segment{ID: "a", HasConfidence: true, Confidence: 1.7}
		s.Sanitize(now)
		if s.Confidence != 1 {
			t.Errorf("Confidence = %v, want 1", s.Confidence)
		}
	})

	t.Run("fills_wall_clock_times", func(t *testing.T) {
		s := Segment{ID: "a"}
		s.Sanitize(now)
		if !s.CreatedAt.Equal(now) || !s.UpdatedAt.Equal(now) {
			t.Errorf("CreatedAt=%v UpdatedAt=%v, want both %v", s.CreatedAt, s.UpdatedAt, now)
		}
	})

	t.Run("keeps_valid_fields", func(t *testing.T) {
		s := Segment{ID: "keep", Source: "mic", HasAudioTime: true, AudioStartMs: 100, AudioEndMs: 900}
		s.Sanitize(now)
		if s.ID != "keep" || s.Source != "mic" || s.AudioStartMs != 100 || s.AudioEndMs != 900 {
			t.Errorf("valid fields were modified: %+v", s)
		}
	})
}

func TestBuildDisplayText(t *testing.T) {
	finalized := []Segment{
		{Text: "hello world"},
		{Text: "  this is  "},
		{Text: ""},
	}
	partial := &Segment{Text: "a live tail"}

	got := BuildDisplayText(finalized, partial)
	want := "hello world this is a live tail"
	if got != want {
		t.Errorf("BuildDisplayText = %q, want %q", got, want)
	}

	if got := BuildDisplayText(nil, nil); got != "" {
		t.Errorf("empty transcript display = %q, want empty", got)
	}

	if got := BuildDisplayText(nil, &Segment{Text: "only partial"}); got != "only partial" {
		t.Errorf("partial-only display = %q, want %q", got, "only partial")
	}
}
