package registry

// Policy picks one candidate session for dispatch. Candidates arrive in
// stable provider-id order; cursor is a monotonically increasing counter per
// method bucket. Implementations must be deterministic given identical
// inputs and must pick from the given slice only.
type Policy interface {
	Pick(candidates []SessionView, cursor int) int
}

// LeastActive is the default policy: fewest active requests first, ties
// broken by lowest rolling average latency, remaining ties rotated
// round-robin by the bucket cursor.
type LeastActive struct{}

// Pick implements Policy.
func (LeastActive) Pick(candidates []SessionView, cursor int) int {
	best := make([]int, 0, len(candidates))
	for i, c := range candidates {
		if len(best) == 0 {
			best = append(best, i)
			continue
		}
		head := candidates[best[0]]
		switch {
		case c.Active < head.Active,
			c.Active == head.Active && c.AvgLatencyMS < head.AvgLatencyMS:
			best = best[:0]
			best = append(best, i)
		case c.Active == head.Active && c.AvgLatencyMS == head.AvgLatencyMS:
			best = append(best, i)
		}
	}
	return best[cursor%len(best)]
}

// RoundRobin ignores load and rotates through the candidates. Useful for
// tests and for providers with uniform capacity.
type RoundRobin struct{}

// Pick implements Policy.
func (RoundRobin) Pick(candidates []SessionView, cursor int) int {
	return cursor % len(candidates)
}
