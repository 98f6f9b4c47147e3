package conn

import (
	"math"
	"time"
)

// Delay computes the reconnection delay for the given attempt (1-based):
// min(base * factor^(attempt-1), max). The attempt counter is reset only
// after a sustained successful connection, so flapping links keep climbing
// the curve.
func Delay(attempt int, base, max time.Duration, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if factor <= 1 {
		factor = 2
	}
	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}
