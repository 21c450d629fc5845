package pool

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Default tunables (§4.5), overridable per Config.
const (
	DefaultAcquireTimeout     = 30 * time.Second
	DefaultValidationInterval = 60 * time.Second
	DefaultMaxIdleTime        = 5 * time.Minute
	DefaultMaxLifetime        = 60 * time.Minute
)

// SourceConfig describes one named Dataverse environment the pool
// checks out connections against.
type SourceConfig struct {
	Name                  string
	MaxPoolSize           int
	ServerHintPerSource   float64
	MaxRetryAfterTolerance *time.Duration
}

// Config configures a Pool across all of its sources. The Rate
// Controller and Throttle Tracker are constructed independently by the
// caller and passed to NewPool, since both are reusable across pools in
// tests.
type Config struct {
	AcquireTimeout     time.Duration
	ValidationInterval time.Duration
	MaxIdleTime        time.Duration
	MaxLifetime        time.Duration
	Strategy           SelectionStrategy

	// DisableValidation turns off the background validation loop
	// entirely; the zero value leaves it running, since a production
	// caller normally wants it on.
	DisableValidation bool

	// MaxConnectionRetries bounds how many times a checkout retries a
	// non-auth ConnectionFailedError (seed creation/dial failure) before
	// surfacing it to the caller. Auth failures are never retried here;
	// they return immediately so the caller can re-authenticate.
	MaxConnectionRetries int

	// MaxPoolSizeOverride, if positive, replaces the sum of per-source
	// MaxPoolSize as the pool-wide admission semaphore's capacity.
	// Per-source queue depth still tracks each source's own
	// MaxPoolSize; this only changes how many checkouts may be
	// outstanding across all sources at once.
	MaxPoolSizeOverride int

	// Tracer records checkout and seed-creation spans. Defaults to a
	// no-op tracer, so tracing is opt-in.
	Tracer trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.ValidationInterval <= 0 {
		c.ValidationInterval = DefaultValidationInterval
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.Strategy == nil {
		c.Strategy = NewThrottleAwareStrategy()
	}
	if c.MaxConnectionRetries <= 0 {
		c.MaxConnectionRetries = 2
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("dvpool")
	}
	return c
}
