package queue

import (
	"math/rand/v2"
	"time"
)

// BackoffMode selects how retry delays grow with the attempt number.
type BackoffMode string

const (
	BackoffExponential BackoffMode = "exponential"
	BackoffLinear      BackoffMode = "linear"
)

// Backoff computes retry delays. The zero value is unusable; use
// DefaultBackoff or fill all fields from config.
type Backoff struct {
	Mode   BackoffMode
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// DefaultBackoff is exponential from 2s capped at 60s with jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Mode:   BackoffExponential,
		Base:   2 * time.Second,
		Max:    60 * time.Second,
		Jitter: true,
	}
}

// Delay returns the wait before the given retry attempt (1-based). Jitter
// scales the delay by a random factor in [0.5, 1.5); the cap applies after
// jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch b.Mode {
	case BackoffLinear:
		d = b.Base * time.Duration(attempt)
	default:
		// Shifts beyond 16 doublings are far past any sane cap and would
		// overflow the duration.
		shift := attempt - 1
		if shift > 16 {
			shift = 16
		}
		d = b.Base << shift
	}
	if d < 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}

	if b.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
	}
	return d
}
