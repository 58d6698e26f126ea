// Package scheduler holds pending retries in a min-heap keyed by fire time
// and emits each exactly once when due. Entries are persisted before the
// in-memory heap entry is considered live, so a crash between scheduling and
// firing re-arms the retry at recovery.
package scheduler

import (
	"math/rand"
	"time"

	"github.com/gleitzeit/gleitzeit/workflow"
)

// Jitter bounds: delays are scaled by a uniform factor in [0.5, 1.5).
const (
	jitterMin  = 0.5
	jitterSpan = 1.0
)

// Delay computes the wait before dispatch attempt k (1-indexed; k >= 2, the
// first attempt never waits). rng may be nil when the policy disables jitter.
func Delay(p workflow.RetryPolicy, attempt int, rng *rand.Rand) time.Duration {
	p = p.Normalize()
	base := p.BaseDelay.Std()
	max := p.MaxDelay.Std()

	var d time.Duration
	switch p.Strategy {
	case workflow.BackoffFixed:
		d = base
	case workflow.BackoffLinear:
		d = base * time.Duration(attempt-1)
	case workflow.BackoffExponential:
		shift := attempt - 2
		if shift < 0 {
			shift = 0
		}
		// Guard the shift: beyond 62 doublings the duration overflows long
		// before max_delay ever lets it through.
		if shift > 62 || base<<shift < base {
			d = max
		} else {
			d = base << shift
		}
	default:
		d = base
	}
	if d > max {
		d = max
	}

	if p.JitterEnabled() && rng != nil {
		d = time.Duration(float64(d) * (jitterMin + jitterSpan*rng.Float64()))
	}
	return d
}
