package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joshsmithxrm/ppds-sdk/internal/clientsource"
	"github.com/joshsmithxrm/ppds-sdk/internal/detector"
)

// Dispatchable is the request-execution surface a PooledHandle wraps.
// HTTP- and gRPC-backed clients (internal/httpclient, internal/grpcclient)
// both implement it; PooledHandle and DirectHandle (§9) are the two
// concrete Dispatchable carriers the pool hands callers.
type Dispatchable interface {
	clientsource.Handle
	Execute(ctx context.Context, request any) (any, error)
}

// RetrySettings is caller-overridable per-checkout state reset to its
// zero value whenever a handle is returned to its queue.
type RetrySettings struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// PooledHandle is a clone checked out from a Source's seed, carrying
// its own connection identity and lifecycle bookkeeping (§4.5.1).
type PooledHandle struct {
	ID         string
	SourceName string
	CreatedAt  time.Time
	LastUsedAt time.Time

	dispatchable Dispatchable
	detector     *detector.Detector

	returned      atomic.Bool
	invalid       atomic.Bool
	invalidReason string

	CallerID      string
	RetrySettings RetrySettings
}

func newPooledHandle(sourceName string, dispatchable Dispatchable, det *detector.Detector) *PooledHandle {
	now := time.Now()
	return &PooledHandle{
		ID:           ulid.Make().String(),
		SourceName:   sourceName,
		CreatedAt:    now,
		LastUsedAt:   now,
		dispatchable: dispatchable,
		detector:     det,
	}
}

// reset clears per-checkout caller state and the returned/invalid flags
// so the handle can be reused by the next checkout, snapshotting back to
// construction-time defaults (§4.5.4).
func (h *PooledHandle) reset() {
	h.CallerID = ""
	h.RetrySettings = RetrySettings{}
	h.invalid.Store(false)
	h.returned.Store(false)
}

// MarkInvalid flags the handle for disposal instead of re-enqueue on
// Return.
func (h *PooledHandle) MarkInvalid(reason string) {
	h.invalid.Store(true)
	h.invalidReason = reason
}

func (h *PooledHandle) IsInvalid() bool { return h.invalid.Load() }

// Dispatch executes request against the wrapped client and classifies
// any fault via the handle's Detector, returning a *detector.ThrottleError
// or *detector.AuthError where applicable (§4.5.5).
func (h *PooledHandle) Dispatch(ctx context.Context, request any) (any, error) {
	h.LastUsedAt = time.Now()
	resp, err := h.dispatchable.Execute(ctx, request)
	return resp, h.detector.Inspect(err)
}

func (h *PooledHandle) idleFor(now time.Time) time.Duration {
	return now.Sub(h.LastUsedAt)
}

func (h *PooledHandle) ageOf(now time.Time) time.Duration {
	return now.Sub(h.CreatedAt)
}

func (h *PooledHandle) ready(ctx context.Context) bool {
	return h.dispatchable.Ready(ctx)
}

func (h *PooledHandle) close() error {
	return h.dispatchable.Close()
}
