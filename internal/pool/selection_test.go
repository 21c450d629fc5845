package pool

import (
	"testing"
	"time"

	"github.com/joshsmithxrm/ppds-sdk/internal/throttle"
)

func TestRoundRobinStrategyRotatesThroughCandidates(t *testing.T) {
	s := NewRoundRobinStrategy()
	candidates := []string{"a", "b", "c"}
	tracker := throttle.New()

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, s.Select(candidates, tracker, func(string) int64 { return 0 }))
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation mismatch at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestRoundRobinStrategyEmptyCandidates(t *testing.T) {
	s := NewRoundRobinStrategy()
	if got := s.Select(nil, throttle.New(), nil); got != "" {
		t.Fatalf("expected empty selection, got %q", got)
	}
}

func TestLeastConnectionsStrategyPicksFewestActive(t *testing.T) {
	s := NewLeastConnectionsStrategy()
	counts := map[string]int64{"a": 5, "b": 1, "c": 3}

	got := s.Select([]string{"a", "b", "c"}, nil, func(name string) int64 { return counts[name] })
	if got != "b" {
		t.Fatalf("expected b (fewest active), got %q", got)
	}
}

func TestLeastConnectionsStrategyTiesBreakByInputOrder(t *testing.T) {
	s := NewLeastConnectionsStrategy()
	counts := map[string]int64{"a": 2, "b": 2, "c": 2}

	got := s.Select([]string{"c", "a", "b"}, nil, func(name string) int64 { return counts[name] })
	if got != "c" {
		t.Fatalf("expected first candidate c on a tie, got %q", got)
	}
}

func TestThrottleAwareStrategyRoundRobinsAmongNonThrottled(t *testing.T) {
	tracker := throttle.New()
	tracker.RecordThrottle("b", time.Minute)

	s := NewThrottleAwareStrategy()
	activeCount := func(string) int64 { return 0 }

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, s.Select([]string{"a", "b", "c"}, tracker, activeCount))
	}

	for _, name := range got {
		if name == "b" {
			t.Fatalf("throttled source b should never be selected while a/c are eligible, got sequence %v", got)
		}
	}
	want := []string{"a", "c", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round-robin mismatch among eligible sources at %d: got %v, want %v", i, got, want)
		}
	}
}

func TestThrottleAwareStrategyFallsBackToShortestExpiryWhenAllThrottled(t *testing.T) {
	tracker := throttle.New()
	tracker.RecordThrottle("a", time.Minute)
	tracker.RecordThrottle("b", 5*time.Millisecond)
	tracker.RecordThrottle("c", 30*time.Second)

	s := NewThrottleAwareStrategy()
	got := s.Select([]string{"a", "b", "c"}, tracker, func(string) int64 { return 0 })
	if got != "b" {
		t.Fatalf("expected b (soonest to clear), got %q", got)
	}
}

func TestThrottleAwareStrategyEmptyCandidates(t *testing.T) {
	s := NewThrottleAwareStrategy()
	if got := s.Select(nil, throttle.New(), nil); got != "" {
		t.Fatalf("expected empty selection, got %q", got)
	}
}
