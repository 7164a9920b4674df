// Package backoff decides when failed operations become eligible for retry.
package backoff

import (
	"time"
)

// Policy computes retry delays for transiently failed operations.
//
// The delay grows exponentially with the attempt count and is capped at
// Max. Once an operation has consumed MaxAttempts transient failures it is
// converted to a permanent failure instead of being retried again, which
// bounds resource usage and gives the user a deterministic "needs
// attention" signal.
//
// The attempt counter resets when an operation succeeds or is replaced by
// a newer collapsed operation; the queue owns that reset, the policy is
// pure.
type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration

	// Max caps the delay regardless of attempt count.
	Max time.Duration

	// Multiplier is the growth factor between attempts (default: 2).
	Multiplier float64

	// MaxAttempts is the transient-failure budget. Attempts at or beyond
	// this count are permanent.
	MaxAttempts int
}

// DefaultPolicy returns sensible defaults: 1s base, 2x growth, 2m cap,
// 5 attempts.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Max:         2 * time.Minute,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made. Delay(0) is zero: an operation that has never
// failed is immediately eligible. The result is monotonically
// non-decreasing in attempts and never exceeds Max.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}

	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	d := float64(p.Base)
	for i := 1; i < attempts; i++ {
		d *= mult
		if d >= float64(p.Max) {
			return p.Max
		}
	}

	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// NextRetryAt returns the earliest time the operation may be retried.
func (p Policy) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}

// Exhausted reports whether the attempt budget is spent. An exhausted
// transient failure is reclassified as permanent by the caller.
func (p Policy) Exhausted(attempts int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultPolicy().MaxAttempts
	}
	return attempts >= max
}
