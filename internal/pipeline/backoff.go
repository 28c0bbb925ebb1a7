package pipeline

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes the advisory delay before a retried job should be
// claimed again: min(base * 2^(attempt-1), cap) plus up to 10% random jitter.
//
// The delay is metadata for workers and schedulers, not a lock — the claim
// query only checks eligibility (status = pending).
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the backoff for the given attempt (1-based). Rate-limited
// failures double the base so repeated 429s spread claims further apart.
func (p BackoffPolicy) Delay(attempt int, kind Kind) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if kind == KindRateLimited {
		base *= 2
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	capped := float64(p.Cap)
	if d > capped {
		d = capped
	}
	// Up to 10% jitter to avoid thundering-herd re-claims.
	jitter := rand.Float64() * 0.1 * d
	return time.Duration(d + jitter)
}
