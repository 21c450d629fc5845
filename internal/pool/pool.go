// Package pool implements the connection pool (§4.5): per-source FIFO
// queues of PooledHandle clones gated by a pool-wide admission
// semaphore, a pluggable SelectionStrategy, two-phase checkout, and
// infinite-throttle-retry Execute built on top of the Throttle Tracker,
// Client Source, Throttle/Auth Detector, and Rate Controller.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshsmithxrm/ppds-sdk/internal/clientsource"
	"github.com/joshsmithxrm/ppds-sdk/internal/detector"
	"github.com/joshsmithxrm/ppds-sdk/internal/ratecontrol"
	"github.com/joshsmithxrm/ppds-sdk/internal/throttle"
	"github.com/joshsmithxrm/ppds-sdk/internal/tracing"
)

// DispatchableFactory builds a fresh Dispatchable clone from a source's
// seed handle; wired by the caller so the pool stays transport-agnostic
// (internal/httpclient and internal/grpcclient each supply one).
type DispatchableFactory func(ctx context.Context, seed clientsource.Handle) (Dispatchable, error)

type sourceState struct {
	cfg   SourceConfig
	source *clientsource.Source
	build DispatchableFactory
	det   *detector.Detector

	mu     sync.Mutex
	queue  []*PooledHandle
	active int64

	requestsServed int64
	invalidCount   int64
}

// Pool is the §4.5 Connection Pool. Zero value is not usable; construct
// with NewPool.
type Pool struct {
	cfg     Config
	tracker *throttle.Tracker
	rate    *ratecontrol.Controller

	mu      sync.RWMutex
	sources map[string]*sourceState
	order   []string

	sem      chan struct{}
	capacity int

	disposed atomic.Bool

	stopValidation chan struct{}
	validationWG   sync.WaitGroup
}

// NewPool builds a Pool over the given sources, sharing tracker and
// rate across every source (both are already pool-scoped, not
// per-source, per §4.1/§4.4).
func NewPool(cfg Config, tracker *throttle.Tracker, rate *ratecontrol.Controller, sources []SourceConfig, seeds map[string]*clientsource.Source, build DispatchableFactory) (*Pool, error) {
	cfg = cfg.withDefaults()
	if len(sources) == 0 {
		return nil, &ConfigurationInvalidError{Reason: "at least one source is required"}
	}

	ApplyProcessTunings()

	p := &Pool{
		cfg:            cfg,
		tracker:        tracker,
		rate:           rate,
		sources:        make(map[string]*sourceState, len(sources)),
		stopValidation: make(chan struct{}),
	}

	capacity := 0
	for _, sc := range sources {
		if sc.MaxPoolSize <= 0 {
			return nil, &ConfigurationInvalidError{Reason: fmt.Sprintf("source %q must have MaxPoolSize > 0", sc.Name)}
		}
		seed, ok := seeds[sc.Name]
		if !ok {
			return nil, &ConfigurationInvalidError{Reason: fmt.Sprintf("no Source supplied for %q", sc.Name)}
		}
		st := &sourceState{cfg: sc, source: seed, build: build}
		st.det = detector.New(sc.Name, p.onThrottleFault(), p.onAuthFault(sc.Name))
		p.sources[sc.Name] = st
		p.order = append(p.order, sc.Name)
		capacity += sc.MaxPoolSize
	}

	if cfg.MaxPoolSizeOverride > 0 {
		capacity = cfg.MaxPoolSizeOverride
	}
	p.capacity = capacity
	p.sem = make(chan struct{}, capacity)

	p.warmUp()

	if !cfg.DisableValidation {
		p.validationWG.Add(1)
		go p.validationLoop()
	}

	return p, nil
}

// warmUp enqueues one clone per source so the first real checkout
// doesn't pay seed-creation latency. It runs once, synchronously,
// during construction, independently of the recurring validation loop
// started below, so it still happens when DisableValidation is set.
// A source that can't produce a handle yet (auth not ready, endpoint
// unreachable) is simply left unwarmed; the first checkout against it
// will create a handle the normal way and surface any error then.
func (p *Pool) warmUp() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, name := range p.order {
		st := p.sourceState(name)
		if st == nil {
			continue
		}
		if h, err := p.createHandle(ctx, st); err == nil {
			st.mu.Lock()
			st.queue = append(st.queue, h)
			st.mu.Unlock()
		}
	}
}

func (p *Pool) onThrottleFault() detector.ThrottleCallback {
	return func(src string, retryAfter time.Duration) {
		p.tracker.RecordThrottle(src, retryAfter)
		if p.rate != nil {
			p.rate.RecordThrottle(retryAfter)
		}
	}
}

func (p *Pool) onAuthFault(source string) detector.AuthCallback {
	return func() {
		p.invalidateSeedAndDrain(source)
	}
}

// SourceCount reports how many sources the pool was configured with.
func (p *Pool) SourceCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// GetActiveConnectionCount reports the number of checked-out handles
// for source.
func (p *Pool) GetActiveConnectionCount(source string) int64 {
	st := p.sourceState(source)
	if st == nil {
		return 0
	}
	return atomic.LoadInt64(&st.active)
}

// GetTotalRecommendedParallelism asks the Rate Controller for its
// current bound given the pool's live server hints and source count.
func (p *Pool) GetTotalRecommendedParallelism() int {
	if p.rate == nil {
		return p.capacity
	}
	p.mu.RLock()
	n := len(p.order)
	var hint float64
	if n > 0 {
		for _, name := range p.order {
			hint += p.sources[name].cfg.ServerHintPerSource
		}
		hint /= float64(n)
	}
	p.mu.RUnlock()
	return p.rate.GetParallelism(hint, n)
}

// IsEnabled reports whether the pool is usable: not yet disposed and
// backed by at least one source.
func (p *Pool) IsEnabled() bool {
	return !p.disposed.Load() && p.SourceCount() > 0
}

// GetLiveSourceDop reports the ServerHintPerSource configured for
// source, or 0 if the source is unknown. The value is not updated from
// server responses after the pool is built.
func (p *Pool) GetLiveSourceDop(source string) float64 {
	st := p.sourceState(source)
	if st == nil {
		return 0
	}
	return st.cfg.ServerHintPerSource
}

// RecordAuthFailure is an instrumentation hook external callers can use
// to note an auth failure observed outside the normal Dispatch path
// (for example, a changefeed push notification) without routing it
// through a *PooledHandle.
func (p *Pool) RecordAuthFailure(source string) {
	p.invalidateSeedAndDrain(source)
}

// RecordConnectionFailure is an instrumentation hook mirroring
// RecordAuthFailure for non-auth connection failures observed outside
// the normal Dispatch path; it currently only increments the source's
// invalid-handle counter for statistics purposes.
func (p *Pool) RecordConnectionFailure(source string) {
	if st := p.sourceState(source); st != nil {
		atomic.AddInt64(&st.invalidCount, 1)
	}
}

// TryGetClientWithCapacity performs a non-blocking best-effort checkout:
// it never waits on the admission semaphore or on throttle recovery,
// returning (nil, nil) if no non-throttled source currently has both a
// free semaphore slot and DOP headroom (active below MaxPoolSize).
func (p *Pool) TryGetClientWithCapacity(ctx context.Context) (*PooledHandle, error) {
	if p.disposed.Load() {
		return nil, &ConfigurationInvalidError{Reason: "pool has been disposed"}
	}

	candidates := p.candidateNames("")
	var chosen string
	for _, name := range candidates {
		if p.tracker.IsThrottled(name) {
			continue
		}
		st := p.sourceState(name)
		if st == nil {
			continue
		}
		if atomic.LoadInt64(&st.active) >= int64(st.cfg.MaxPoolSize) {
			continue
		}
		chosen = name
		break
	}
	if chosen == "" {
		return nil, nil
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return nil, nil
	}

	if p.tracker.IsThrottled(chosen) {
		p.releaseSemaphore()
		return nil, nil
	}

	handle, err := p.dequeueOrCreate(ctx, chosen)
	if err != nil {
		p.releaseSemaphore()
		if errors.Is(err, errSourceNowThrottled) {
			return nil, nil
		}
		return nil, err
	}

	st := p.sourceState(chosen)
	atomic.AddInt64(&st.active, 1)
	atomic.AddInt64(&st.requestsServed, 1)
	return handle, nil
}

func (p *Pool) sourceState(name string) *sourceState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sources[name]
}

func (p *Pool) candidateNames(exclude string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.order))
	for _, name := range p.order {
		if name == exclude {
			continue
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return append([]string(nil), p.order...)
	}
	return out
}

// GetClient performs the two-phase checkout described in §4.5.2: wait
// for a non-throttled candidate, then acquire the bounded admission
// semaphore, then select and dequeue-or-create. An optional exclude
// source name is skipped by both the wait and the selection phase.
func (p *Pool) GetClient(ctx context.Context, exclude ...string) (*PooledHandle, error) {
	if p.disposed.Load() {
		return nil, &ConfigurationInvalidError{Reason: "pool has been disposed"}
	}
	excludeName := ""
	if len(exclude) > 0 {
		excludeName = exclude[0]
	}

	for {
		if err := p.waitForNonThrottledSource(ctx, excludeName); err != nil {
			return nil, err
		}

		if err := p.acquireSemaphore(ctx); err != nil {
			return nil, err
		}

		candidates := p.candidateNames(excludeName)
		name := p.cfg.Strategy.Select(candidates, p.tracker, func(s string) int64 {
			if st := p.sourceState(s); st != nil {
				return atomic.LoadInt64(&st.active)
			}
			return 0
		})

		if p.tracker.IsThrottled(name) {
			p.releaseSemaphore()
			continue
		}

		spanCtx, span := tracing.StartCheckoutSpan(ctx, p.cfg.Tracer, name)
		handle, err := p.dequeueOrCreate(spanCtx, name)
		tracing.EndSpan(span, err)
		if err != nil {
			p.releaseSemaphore()
			if errors.Is(err, errSourceNowThrottled) {
				continue
			}
			return nil, err
		}

		st := p.sourceState(name)
		atomic.AddInt64(&st.active, 1)
		atomic.AddInt64(&st.requestsServed, 1)
		return handle, nil
	}
}

var errSourceNowThrottled = errors.New("source became throttled during checkout")

func (p *Pool) waitForNonThrottledSource(ctx context.Context, exclude string) error {
	for {
		candidates := p.candidateNames(exclude)
		anyFree := false
		for _, name := range candidates {
			if !p.tracker.IsThrottled(name) {
				anyFree = true
				break
			}
		}
		if anyFree {
			return nil
		}

		wait := p.tracker.ShortestExpiry()
		if wait <= 0 {
			return nil
		}

		if tol := p.shortestTolerance(); tol != nil && wait > *tol {
			return &ServiceProtectionError{Wait: wait, Tolerance: *tol}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pool) shortestTolerance() *time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var shortest *time.Duration
	for _, name := range p.order {
		tol := p.sources[name].cfg.MaxRetryAfterTolerance
		if tol == nil {
			continue
		}
		if shortest == nil || *tol < *shortest {
			shortest = tol
		}
	}
	return shortest
}

func (p *Pool) acquireSemaphore(ctx context.Context) error {
	before := len(p.sem)
	select {
	case p.sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &PoolExhaustedError{Active: before, Capacity: p.capacity, Timeout: p.cfg.AcquireTimeout}
	}
}

func (p *Pool) releaseSemaphore() {
	select {
	case <-p.sem:
	default:
	}
}

func (p *Pool) dequeueOrCreate(ctx context.Context, name string) (*PooledHandle, error) {
	st := p.sourceState(name)
	if st == nil {
		return nil, &ConfigurationInvalidError{Reason: fmt.Sprintf("unknown source %q", name)}
	}

	for {
		st.mu.Lock()
		for len(st.queue) > 0 {
			h := st.queue[0]
			st.queue = st.queue[1:]
			st.mu.Unlock()
			if p.handleStillGood(ctx, h) {
				return h, nil
			}
			p.disposeHandle(st, h)
			st.mu.Lock()
		}
		st.mu.Unlock()

		if p.tracker.IsThrottled(name) {
			return nil, errSourceNowThrottled
		}

		return p.createHandleWithRetry(ctx, st)
	}
}

// createHandleWithRetry retries a non-auth ConnectionFailedError up to
// cfg.MaxConnectionRetries times with a short linear backoff; an
// AuthError from createHandle is never retried here, since re-trying
// with the same stale credential would just fail the same way.
func (p *Pool) createHandleWithRetry(ctx context.Context, st *sourceState) (*PooledHandle, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxConnectionRetries; attempt++ {
		handle, err := p.createHandle(ctx, st)
		if err == nil {
			return handle, nil
		}
		lastErr = err

		var connErr *ConnectionFailedError
		if !errors.As(err, &connErr) {
			return nil, err
		}
		if attempt < p.cfg.MaxConnectionRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
			}
		}
	}
	return nil, lastErr
}

func (p *Pool) handleStillGood(ctx context.Context, h *PooledHandle) bool {
	if h.IsInvalid() {
		return false
	}
	now := time.Now()
	if h.idleFor(now) > p.cfg.MaxIdleTime {
		return false
	}
	if h.ageOf(now) > p.cfg.MaxLifetime {
		return false
	}
	return h.ready(ctx)
}

func (p *Pool) createHandle(ctx context.Context, st *sourceState) (*PooledHandle, error) {
	ctx, span := tracing.StartSeedSpan(ctx, p.cfg.Tracer, st.cfg.Name)
	defer func() { tracing.EndSpan(span, nil) }()

	seed, err := st.source.GetSeedClient(ctx)
	if err != nil {
		if errors.Is(err, clientsource.ErrExternalSeedExhausted) {
			seedErr := &SeedUnrecreatableError{Source: st.cfg.Name}
			span.RecordError(seedErr)
			return nil, seedErr
		}
		var ce *clientsource.CreationError
		if errors.As(err, &ce) && ce.Kind == clientsource.AuthFailed {
			authErr := &detector.AuthError{RequiresReauthentication: true, Err: err}
			span.RecordError(authErr)
			return nil, authErr
		}
		connErr := &ConnectionFailedError{Source: st.cfg.Name, Err: err}
		span.RecordError(connErr)
		return nil, connErr
	}

	dispatchable, err := st.build(ctx, seed)
	if err != nil {
		connErr := &ConnectionFailedError{Source: st.cfg.Name, Err: err}
		span.RecordError(connErr)
		return nil, connErr
	}

	return newPooledHandle(st.cfg.Name, dispatchable, st.det), nil
}

func (p *Pool) disposeHandle(st *sourceState, h *PooledHandle) {
	_ = h.close()
	atomic.AddInt64(&st.invalidCount, 1)
}

// Return releases handle back to its source queue (or disposes it if
// invalid), then releases the admission semaphore exactly once. Safe to
// call more than once; only the first call has any effect (§4.5.4).
func (p *Pool) Return(h *PooledHandle) {
	if h == nil {
		return
	}
	if !h.returned.CompareAndSwap(false, true) {
		return
	}

	st := p.sourceState(h.SourceName)
	if st != nil {
		atomic.AddInt64(&st.active, -1)
	}

	if h.IsInvalid() {
		if st != nil {
			p.disposeHandle(st, h)
		} else {
			_ = h.close()
		}
		p.releaseSemaphore()
		return
	}

	h.reset()

	if st != nil {
		st.mu.Lock()
		if len(st.queue) < st.cfg.MaxPoolSize {
			st.queue = append(st.queue, h)
			st.mu.Unlock()
		} else {
			st.mu.Unlock()
			_ = h.close()
		}
	} else {
		_ = h.close()
	}

	p.releaseSemaphore()
}

// Execute runs request to completion, transparently retrying through
// throttle faults forever (bounded only by ctx) and returning only a
// success or a non-throttle error: PoolExhaustedError,
// ServiceProtectionError, ConnectionFailedError, SeedUnrecreatableError,
// ConfigurationInvalidError (after Dispose), *detector.AuthError, any
// other error the handle's dispatch returned, or context cancellation
// (§4.5.5, §8).
func (p *Pool) Execute(ctx context.Context, request any) (any, error) {
	for {
		handle, err := p.GetClient(ctx)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := handle.Dispatch(ctx, request)
		duration := time.Since(start)

		if err == nil {
			if p.rate != nil {
				p.rate.RecordBatchCompletion(duration)
			}
			p.Return(handle)
			return resp, nil
		}

		var te *detector.ThrottleError
		if errors.As(err, &te) {
			p.Return(handle)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			continue
		}

		var ae *detector.AuthError
		if errors.As(err, &ae) {
			handle.MarkInvalid("auth_failure")
			p.Return(handle)
			return nil, err
		}

		handle.MarkInvalid("dispatch_error")
		p.Return(handle)
		return nil, err
	}
}

// InvalidateSeed discards the cached seed for source, forcing the next
// creation to re-authenticate, and drains its queue so stale clones are
// not handed out (§4.5.7).
func (p *Pool) InvalidateSeed(source string) {
	p.invalidateSeedAndDrain(source)
}

func (p *Pool) invalidateSeedAndDrain(source string) {
	st := p.sourceState(source)
	if st == nil {
		return
	}
	st.source.InvalidateSeed()

	st.mu.Lock()
	drained := st.queue
	st.queue = nil
	st.mu.Unlock()

	for _, h := range drained {
		p.disposeHandle(st, h)
	}
}

// validationLoop periodically sweeps every source's queue, evicting
// idle/expired handles and ensuring at least one warm handle remains
// per non-throttled source (§4.5.6).
func (p *Pool) validationLoop() {
	defer p.validationWG.Done()
	ticker := time.NewTicker(p.cfg.ValidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopValidation:
			return
		case <-ticker.C:
			p.validateOnce()
		}
	}
}

func (p *Pool) validateOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.mu.RLock()
	names := append([]string(nil), p.order...)
	p.mu.RUnlock()

	for _, name := range names {
		st := p.sourceState(name)
		if st == nil {
			continue
		}

		st.mu.Lock()
		pending := st.queue
		st.queue = nil
		st.mu.Unlock()

		var kept []*PooledHandle
		for _, h := range pending {
			if p.handleStillGood(ctx, h) {
				kept = append(kept, h)
			} else {
				p.disposeHandle(st, h)
			}
		}

		st.mu.Lock()
		st.queue = append(kept, st.queue...)
		st.mu.Unlock()

		if len(kept) == 0 && !p.tracker.IsThrottled(name) {
			if h, err := p.createHandle(ctx, st); err == nil {
				st.mu.Lock()
				st.queue = append(st.queue, h)
				st.mu.Unlock()
			}
		}
	}
}

// Statistics is a point-in-time snapshot of pool-wide and per-source
// state, for reporting and the dashboard.
type Statistics struct {
	Capacity             int
	ActiveTotal          int64
	IdleTotal            int64
	ThrottledSourceCount int
	Sources              map[string]SourceStatistics
	ThrottleEvents       int64
	ThrottleBackoff      time.Duration
}

// SourceStatistics is the per-source slice of Statistics.
type SourceStatistics struct {
	Active         int64
	Idle           int
	RequestsServed int64
	InvalidCount   int64
	Throttled      bool
}

// GetStatistics snapshots pool-wide and per-source counters.
func (p *Pool) GetStatistics() Statistics {
	p.mu.RLock()
	names := append([]string(nil), p.order...)
	p.mu.RUnlock()

	stats := Statistics{Capacity: p.capacity, Sources: make(map[string]SourceStatistics, len(names))}
	events, backoff := p.tracker.Totals()
	stats.ThrottleEvents = events
	stats.ThrottleBackoff = backoff
	stats.ThrottledSourceCount = p.tracker.ThrottledConnectionCount()

	for _, name := range names {
		st := p.sourceState(name)
		st.mu.Lock()
		idle := len(st.queue)
		st.mu.Unlock()

		active := atomic.LoadInt64(&st.active)
		stats.ActiveTotal += active
		stats.IdleTotal += int64(idle)
		stats.Sources[name] = SourceStatistics{
			Active:         active,
			Idle:           idle,
			RequestsServed: atomic.LoadInt64(&st.requestsServed),
			InvalidCount:   atomic.LoadInt64(&st.invalidCount),
			Throttled:      p.tracker.IsThrottled(name),
		}
	}
	return stats
}

// Dispose idempotently stops background validation and closes every
// queued handle and every source's cached seed (§4.5.8).
func (p *Pool) Dispose() error {
	if !p.disposed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopValidation)
	p.validationWG.Wait()

	p.mu.RLock()
	names := append([]string(nil), p.order...)
	p.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		st := p.sourceState(name)
		st.mu.Lock()
		queued := st.queue
		st.queue = nil
		st.mu.Unlock()

		for _, h := range queued {
			_ = h.close()
		}
		if err := st.source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
