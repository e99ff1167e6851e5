package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// Exponential doubles the delay each retry: Initial * 2^(n-1), capped at
// Max, optionally spread by +/- JitterPct.
type Exponential struct {
	Initial   time.Duration
	Max       time.Duration
	JitterPct float64
}

// Delay returns the wait before retry n (1-indexed).
func (e Exponential) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(n-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.JitterPct > 0 {
		j := 1 + (rand.Float64()*2-1)*e.JitterPct
		if j < 0.1 {
			j = 0.1
		}
		d *= j
	}
	return time.Duration(d)
}
