// Package backoff computes retry delays for assignment attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialJitter returns base doubled per attempt, capped at max,
// with +/- 20% jitter so retrying tasks don't thunder in lockstep.
// Attempt is 1-indexed; values below 1 are treated as 1.
func ExponentialJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}

	mul := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(base) * mul)
	if d > max || d <= 0 { // <= 0 catches overflow
		d = max
	}

	j := int64(float64(d) * 0.2)
	if j <= 0 {
		return d
	}
	return d - time.Duration(j) + time.Duration(rand.Int63n(2*j))
}
