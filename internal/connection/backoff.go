package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnection delays: exponential doubling from Base
// with symmetric jitter of ±Jitter, capped at Cap after jitter. The delay
// for attempt n always lies within [Base·2ⁿ·(1-Jitter), Base·2ⁿ·(1+Jitter)]
// clipped to Cap.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64 // fraction, 0.25 means ±25%
}

// Delay returns the wait before attempt n (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		// Past twice the cap even the most negative jitter lands above
		// Cap, so the result is pinned and further doubling (and any
		// overflow) is moot.
		if d <= 0 || d >= 2*b.Cap {
			d = 2 * b.Cap
			break
		}
	}

	if b.Jitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*b.Jitter
		d = time.Duration(float64(d) * factor)
	}
	if d > b.Cap {
		d = b.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}
