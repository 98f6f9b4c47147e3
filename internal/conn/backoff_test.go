package conn

import (
	"testing"
	"time"
)

func TestDelayGrowsGeometrically(t *testing.T) {
	base := 100 * time.Millisecond
	max := 30 * time.Second

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		if got := Delay(i+1, base, max, 2); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	if got := Delay(20, 100*time.Millisecond, time.Second, 2); got != time.Second {
		t.Errorf("Delay = %v, want capped at 1s", got)
	}
}

func TestDelayClampsBadInputs(t *testing.T) {
	if got := Delay(0, 100*time.Millisecond, time.Second, 2); got != 100*time.Millisecond {
		t.Errorf("Delay(0) = %v, want base delay", got)
	}
	if got := Delay(1, 100*time.Millisecond, time.Second, 0.5); got != 100*time.Millisecond {
		t.Errorf("Delay with factor<=1 = %v, want base delay", got)
	}
}
