// Package backoff provides jittered exponential delays for polling loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Factor is the exponential factor applied to each attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the delay.
	Jitter float64
}

// Delay returns the delay to wait after the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand computes min(Max, base + base*Jitter*r) where base = Initial * Factor^(attempt-1).
func (p Policy) delayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}

	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// PortPolicy is used while waiting for a released port or a freshly spawned server.
// Initial: 50ms, Max: 500ms, Factor: 1.5, Jitter: 10%
func PortPolicy() Policy {
	return Policy{
		Initial: 50 * time.Millisecond,
		Max:     500 * time.Millisecond,
		Factor:  1.5,
		Jitter:  0.1,
	}
}
