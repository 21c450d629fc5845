// Package clientsource produces and caches one authenticated seed
// handle per named Source, coalescing concurrent creation attempts
// behind a single-flight gate the way internal/auth's OAuth2 token
// providers coalesce concurrent token fetches.
package clientsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrorKind classifies why a seed handle could not be created, driving
// log severity and user-facing hints at the call site.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	AuthFailed
	NetworkError
	ServiceError
	NotReady
)

func (k ErrorKind) String() string {
	switch k {
	case AuthFailed:
		return "auth_failed"
	case NetworkError:
		return "network_error"
	case ServiceError:
		return "service_error"
	case NotReady:
		return "not_ready"
	default:
		return "unknown"
	}
}

// CreationError wraps a seed-creation failure with its classification.
type CreationError struct {
	Kind ErrorKind
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// ErrExternalSeedExhausted is returned by GetSeedClient when an
// externally-owned Source's cached seed stops reporting ready. A
// factory-backed Source would simply mint a replacement; an external
// Source has no factory capable of doing that, since the caller owns
// authentication for the wrapped handle.
var ErrExternalSeedExhausted = errors.New("external seed handle is not ready and cannot be recreated")

// Handle is a live, authenticated client. Once returned from
// GetSeedClient it is guaranteed ready; Ready is used by the pool's
// validation loop to re-check liveness of handles cloned from it.
type Handle interface {
	Ready(ctx context.Context) bool
	Clone(ctx context.Context) (Handle, error)
	RecommendedDOP() int
	Close() error
}

// Factory constructs a fresh seed Handle. Implementations typically
// close over an auth.Provider and an HTTP/gRPC transport.
type Factory func(ctx context.Context) (Handle, error)

const creationMaxRetries = 3

// creationBackoffBase is the linear backoff unit between seed-creation
// retries (1s, 2s for the 3-attempt default). Package-level so tests
// can shrink it.
var creationBackoffBase = 1 * time.Second

// notReadyWait bounds how long GetSeedClient polls a cached seed that
// has stopped reporting ready before treating it as gone. Package-level
// so tests can shrink it.
var notReadyWait = 500 * time.Millisecond

// Source produces and caches one authenticated seed handle, created
// lazily on first demand and replaced on invalidation.
type Source struct {
	name        string
	maxPoolSize int
	weight      int
	factory     Factory
	external    bool // wraps an externally-owned handle; InvalidateSeed is a no-op

	mu              sync.Mutex
	seed            Handle
	fetchInProgress bool
	fetchCond       *sync.Cond
	lastErrorKind   ErrorKind
}

// New creates a Source backed by factory, which is invoked (with
// retry) whenever a fresh seed is required.
func New(name string, maxPoolSize int, factory Factory) *Source {
	s := &Source{name: name, maxPoolSize: maxPoolSize, factory: factory}
	s.fetchCond = sync.NewCond(&s.mu)
	return s
}

// NewExternal wraps a pre-authenticated handle that the pool does not
// own. InvalidateSeed on such a Source is a no-op; the pool must
// surface a "seed cannot be recreated" condition if it is ever invoked.
func NewExternal(name string, maxPoolSize int, handle Handle) *Source {
	s := &Source{
		name:        name,
		maxPoolSize: maxPoolSize,
		external:    true,
		seed:        handle,
	}
	s.fetchCond = sync.NewCond(&s.mu)
	s.factory = func(ctx context.Context) (Handle, error) { return handle, nil }
	return s
}

func (s *Source) Name() string      { return s.name }
func (s *Source) MaxPoolSize() int  { return s.maxPoolSize }
func (s *Source) Weight() int       { return s.weight }
func (s *Source) SetWeight(w int)   { s.weight = w }
func (s *Source) IsExternal() bool  { return s.external }

// LastErrorKind reports the classification of the most recent seed
// creation failure, if any.
func (s *Source) LastErrorKind() ErrorKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorKind
}

// GetSeedClient returns a ready authenticated handle, creating and
// caching one on first call. Concurrent callers coalesce behind a
// single creation attempt (§4.2).
func (s *Source) GetSeedClient(ctx context.Context) (Handle, error) {
	s.mu.Lock()
	if s.seed != nil {
		seed := s.seed
		s.mu.Unlock()
		if ready := s.waitReady(ctx, seed); ready {
			return seed, nil
		}
		s.mu.Lock()
		if s.external {
			// Leave the seed cached: the external factory would just
			// hand the same not-ready handle straight back, so clearing
			// it here would only delay the exhausted error by one call
			// instead of preventing the stale handle from being reused.
			s.mu.Unlock()
			return nil, ErrExternalSeedExhausted
		}
		if s.seed == seed {
			s.seed = nil
		}
	}

	for s.fetchInProgress {
		s.fetchCond.Wait()
		if s.seed != nil {
			seed := s.seed
			s.mu.Unlock()
			return seed, nil
		}
	}
	s.fetchInProgress = true
	s.mu.Unlock()

	handle, err := s.createWithRetry(ctx)

	s.mu.Lock()
	s.fetchInProgress = false
	s.fetchCond.Broadcast()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.seed = handle
	s.mu.Unlock()
	return handle, nil
}

func (s *Source) waitReady(ctx context.Context, seed Handle) bool {
	deadline := time.Now().Add(notReadyWait)
	for {
		if seed.Ready(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *Source) createWithRetry(ctx context.Context) (Handle, error) {
	var lastErr error
	for attempt := 0; attempt < creationMaxRetries; attempt++ {
		handle, err := s.factory(ctx)
		if err == nil {
			s.mu.Lock()
			s.lastErrorKind = Unknown
			s.mu.Unlock()
			return handle, nil
		}
		lastErr = err

		var ce *CreationError
		kind := Unknown
		if errors.As(err, &ce) {
			kind = ce.Kind
		}
		s.mu.Lock()
		s.lastErrorKind = kind
		s.mu.Unlock()

		if kind == AuthFailed {
			return nil, err
		}
		if attempt < creationMaxRetries-1 {
			backoff := time.Duration(attempt+1) * creationBackoffBase
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, lastErr
}

// InvalidateSeed discards the cached seed so the next GetSeedClient
// call re-authenticates. On an external source this is a no-op; the
// pool must treat a checkout against a drained external source as a
// "seed cannot be recreated" condition.
func (s *Source) InvalidateSeed() {
	if s.external {
		return
	}
	s.mu.Lock()
	if s.seed != nil {
		_ = s.seed.Close()
	}
	s.seed = nil
	s.mu.Unlock()
}

// Close disposes the cached seed, if any.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seed != nil && !s.external {
		err := s.seed.Close()
		s.seed = nil
		return err
	}
	return nil
}
