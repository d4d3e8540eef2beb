package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays for unbounded retry loops.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64 // defaults to 2
	Jitter     float64 // fraction of the delay, 0 disables
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}

	d := float64(b.Initial) * math.Pow(mult, float64(max(attempt, 0)))
	if math.IsInf(d, 0) || d > math.MaxInt64 {
		d = math.MaxInt64
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 {
		spread := d * b.Jitter
		d = d - spread + rand.Float64()*2*spread //nolint:gosec // jitter, not crypto
		if b.Max > 0 && d > float64(b.Max) {
			d = float64(b.Max)
		}
	}
	return time.Duration(d)
}
