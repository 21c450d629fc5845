// Package throttle tracks per-source protection-limit expiries so the
// connection pool can route admission around sources the service has
// asked callers to back off from.
package throttle

import (
	"sync"
	"time"
)

// Entry records one source's current throttle window.
type Entry struct {
	Source     string
	ThrottledAt time.Time
	ExpiresAt   time.Time
	RetryAfter  time.Duration
}

// Tracker is a thread-safe registry of active per-source throttle
// windows, guarded by a sync.RWMutex: readers share the lock with each
// other, and a writer blocks readers for the duration of its update.
// Reads are never stale; the pool still re-checks throttle state after
// selection because a window can be recorded between two calls.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Entry

	totalEvents   int64
	totalBackoff  time.Duration
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[string]Entry)}
}

// RecordThrottle writes (or overwrites) the throttle window for source,
// expiring retryAfter from now, and increments the global throttle
// counters.
func (t *Tracker) RecordThrottle(source string, retryAfter time.Duration) {
	if retryAfter < 0 {
		retryAfter = 0
	}
	now := time.Now()
	t.mu.Lock()
	t.entries[source] = Entry{
		Source:      source,
		ThrottledAt: now,
		ExpiresAt:   now.Add(retryAfter),
		RetryAfter:  retryAfter,
	}
	t.totalEvents++
	t.totalBackoff += retryAfter
	t.mu.Unlock()
}

// IsThrottled reports whether source currently has a live throttle
// window. Expired entries are removed opportunistically on read.
func (t *Tracker) IsThrottled(source string) bool {
	t.mu.RLock()
	entry, ok := t.entries[source]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().Before(entry.ExpiresAt) {
		return true
	}
	t.mu.Lock()
	if cur, ok := t.entries[source]; ok && !cur.ExpiresAt.After(entry.ExpiresAt) {
		delete(t.entries, source)
	}
	t.mu.Unlock()
	return false
}

// GetThrottleExpiry returns the current expiry for source, if any live
// entry exists.
func (t *Tracker) GetThrottleExpiry(source string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[source]
	if !ok || !time.Now().Before(entry.ExpiresAt) {
		return time.Time{}, false
	}
	return entry.ExpiresAt, true
}

// ClearThrottle removes any throttle window recorded for source.
func (t *Tracker) ClearThrottle(source string) {
	t.mu.Lock()
	delete(t.entries, source)
	t.mu.Unlock()
}

// ShortestExpiry returns the minimum positive time remaining across all
// live entries, or 0 if none are live.
func (t *Tracker) ShortestExpiry() time.Duration {
	now := time.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var shortest time.Duration
	found := false
	for _, entry := range t.entries {
		remaining := entry.ExpiresAt.Sub(now)
		if remaining <= 0 {
			continue
		}
		if !found || remaining < shortest {
			shortest = remaining
			found = true
		}
	}
	if !found {
		return 0
	}
	return shortest
}

// ThrottledConnections returns the set of source names currently
// throttled.
func (t *Tracker) ThrottledConnections() map[string]struct{} {
	now := time.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]struct{})
	for name, entry := range t.entries {
		if now.Before(entry.ExpiresAt) {
			out[name] = struct{}{}
		}
	}
	return out
}

// ThrottledConnectionCount returns the number of currently-throttled
// sources.
func (t *Tracker) ThrottledConnectionCount() int {
	return len(t.ThrottledConnections())
}

// Totals returns the cumulative throttle-event count and the total
// retry-after backoff requested across the Tracker's lifetime, for
// statistics reporting.
func (t *Tracker) Totals() (events int64, backoff time.Duration) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalEvents, t.totalBackoff
}
