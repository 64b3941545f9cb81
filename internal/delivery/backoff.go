package delivery

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: min(base*2^(attempt-1), cap) scaled by a
// random factor in [1-jitter, 1+jitter].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	Rand   func() float64 // [0,1); nil uses math/rand/v2
}

// Delay returns the wait after failed attempt number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.Jitter <= 0 {
		return d
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	f := 1 + (r()*2-1)*b.Jitter
	if f < 0.1 {
		f = 0.1
	}
	return time.Duration(float64(d) * f)
}
