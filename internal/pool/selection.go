package pool

import (
	"sync/atomic"

	"github.com/joshsmithxrm/ppds-sdk/internal/throttle"
)

// SelectionStrategy picks one source name from candidates for the next
// checkout. Implementations must be safe for concurrent use; RoundRobin
// and ThrottleAware keep rotation state, LeastConnections is stateless
// (§4.5.3).
type SelectionStrategy interface {
	Select(candidates []string, tracker *throttle.Tracker, activeCount func(source string) int64) string
}

// RoundRobinStrategy cycles through candidates in order, ignoring
// throttle state; the pool re-checks throttle after selection.
type RoundRobinStrategy struct {
	counter uint64
}

func NewRoundRobinStrategy() *RoundRobinStrategy { return &RoundRobinStrategy{} }

func (s *RoundRobinStrategy) Select(candidates []string, _ *throttle.Tracker, _ func(string) int64) string {
	if len(candidates) == 0 {
		return ""
	}
	i := atomic.AddUint64(&s.counter, 1) - 1
	return candidates[i%uint64(len(candidates))]
}

// LeastConnectionsStrategy picks the candidate with the fewest active
// checkouts, breaking ties by input order.
type LeastConnectionsStrategy struct{}

func NewLeastConnectionsStrategy() *LeastConnectionsStrategy { return &LeastConnectionsStrategy{} }

func (s *LeastConnectionsStrategy) Select(candidates []string, _ *throttle.Tracker, activeCount func(string) int64) string {
	best := ""
	var bestCount int64 = -1
	for _, name := range candidates {
		count := activeCount(name)
		if bestCount == -1 || count < bestCount {
			bestCount = count
			best = name
		}
	}
	return best
}

// ThrottleAwareStrategy is the default: it excludes currently throttled
// sources outright, round-robining among the non-throttled remainder,
// and falls back to whichever candidate's throttle window clears
// soonest if every candidate happens to be throttled (the caller's
// outer wait loop is expected to have already filtered this case in
// the common path).
type ThrottleAwareStrategy struct {
	roundRobin *RoundRobinStrategy
}

func NewThrottleAwareStrategy() *ThrottleAwareStrategy {
	return &ThrottleAwareStrategy{roundRobin: NewRoundRobinStrategy()}
}

func (s *ThrottleAwareStrategy) Select(candidates []string, tracker *throttle.Tracker, activeCount func(string) int64) string {
	if len(candidates) == 0 {
		return ""
	}

	var eligible []string
	for _, name := range candidates {
		if !tracker.IsThrottled(name) {
			eligible = append(eligible, name)
		}
	}
	if len(eligible) > 0 {
		return s.roundRobin.Select(eligible, tracker, activeCount)
	}

	// Every candidate is throttled: route to whichever clears soonest.
	best := candidates[0]
	bestExpiry, bestFound := tracker.GetThrottleExpiry(best)
	for _, name := range candidates[1:] {
		expiry, found := tracker.GetThrottleExpiry(name)
		switch {
		case !found:
			return name
		case !bestFound || expiry.Before(bestExpiry):
			best, bestExpiry, bestFound = name, expiry, true
		}
	}
	return best
}
