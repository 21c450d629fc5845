// Package ratecontrol implements the pool-wide AIMD (additive-increase,
// multiplicative-decrease) parallelism controller: it learns a safe
// current_parallelism from server hints, observed batch durations, and
// throttle history, bounded by several coordinated ceilings.
package ratecontrol

import (
	"sync"
	"time"
)

// Statistics is a point-in-time snapshot of the controller's internal
// state, suitable for logging or display.
type Statistics struct {
	Current               float64
	Floor                 float64
	Ceiling               float64
	EffectiveCeiling      float64
	ConnectionCount        int
	LastKnownGood          float64
	BatchesSinceThrottle   int64
	TotalThrottleEvents    int64
	TotalSuccessfulBatches int64
	HasHadFirstThrottle    bool
	BatchDurationEMAMs     float64
	MinBatchDurationMs     float64
	BatchRateEMA           float64
	BatchSamples           int64
	ThrottleCeiling        float64
	ThrottleCeilingActive  bool
	Preset                 Preset
}

// Controller is the pool-wide AIMD state machine described in §4.4. A
// single mutex serializes all transitions; GetParallelism also takes
// the lock but only to read/refresh the snapshot, never to perform
// I/O.
type Controller struct {
	mu      *sync.Mutex
	enabled bool
	cfg     resolvedConfig

	initialized     bool
	connectionCount int

	current       float64
	floor         float64
	ceiling       float64
	lastKnownGood float64

	lastKnownGoodTime time.Time
	lastIncreaseTime  time.Time
	lastThrottleTime  time.Time
	lastActivityTime  time.Time
	lastThrottleProcessed time.Time
	hasThrottleProcessed  bool

	batchesSinceThrottle   int64
	totalThrottleEvents    int64
	totalSuccessfulBatches int64
	hasHadFirstThrottle    bool

	batchDurationEMAMs float64
	minBatchDurationMs float64
	batchRateEMA       float64
	batchSamples       int64
	lastBatchTime      time.Time

	throttleCeiling       float64
	throttleCeilingExpiry time.Time
}

// New creates a Controller. Pass Config{} for all-preset defaults
// (Balanced).
func New(cfg Config) *Controller {
	return &Controller{mu: &sync.Mutex{}, enabled: true, cfg: cfg.resolve()}
}

// IsEnabled reports whether the controller is actively bounding
// parallelism. A disabled controller is a no-op that callers may still
// query for statistics.
func (c *Controller) IsEnabled() bool {
	return c.enabled
}

// Reset reinitializes all AIMD state except the lifetime throttle-event
// counter, which survives both Reset and idle reinitialization.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	preserved := c.totalThrottleEvents
	*c = Controller{mu: c.mu, enabled: c.enabled, cfg: c.cfg}
	c.totalThrottleEvents = preserved
}

// ensureInitializedLocked (re)computes floor/ceiling/current whenever
// the controller has never been initialized or connectionCount has
// changed, per §4.4 Bounds.
func (c *Controller) ensureInitializedLocked(serverHintPerSource float64, connectionCount int) {
	if c.initialized && c.connectionCount == connectionCount {
		return
	}
	floor := serverHintPerSource * float64(connectionCount)
	if floor < MinParallelism {
		floor = MinParallelism
	}
	ceiling := float64(HardCap * connectionCount)

	c.connectionCount = connectionCount
	c.floor = floor
	c.ceiling = ceiling
	c.current = floor
	c.lastKnownGood = floor
	now := time.Now()
	c.lastKnownGoodTime = now
	c.lastActivityTime = now
	c.initialized = true
}

func (c *Controller) applyIdleResetLocked(now time.Time) {
	if !c.initialized || c.lastActivityTime.IsZero() {
		return
	}
	if now.Sub(c.lastActivityTime) <= IdleResetWindow {
		return
	}
	preservedCount := c.totalThrottleEvents
	connectionCount := c.connectionCount
	cfg := c.cfg
	enabled := c.enabled
	*c = Controller{mu: c.mu, enabled: enabled, cfg: cfg}
	c.totalThrottleEvents = preservedCount
	c.connectionCount = connectionCount
	c.initialized = false
	_ = connectionCount
}

func (c *Controller) applyStaleLastKnownGoodLocked(now time.Time) {
	if c.lastKnownGoodTime.IsZero() {
		return
	}
	if now.Sub(c.lastKnownGoodTime) > LastKnownGoodTTL {
		c.lastKnownGood = c.current
		c.lastKnownGoodTime = now
	}
}

// effectiveCeilingLocked computes the cumulative minimum of every
// applicable ceiling (§4.4 "Ceilings applied cumulatively").
func (c *Controller) effectiveCeilingLocked(now time.Time) float64 {
	ceil := c.ceiling

	if c.batchSamples < PreSampleBatches {
		initial := float64(InitialCeilingFactor * c.connectionCount)
		if initial < ceil {
			ceil = initial
		}
	}

	if !c.throttleCeilingExpiry.IsZero() && now.Before(c.throttleCeilingExpiry) {
		if c.throttleCeiling < ceil {
			ceil = c.throttleCeiling
		}
	}

	if c.batchSamples >= PreSampleBatches && c.minBatchDurationMs > 0 {
		requestRateCeiling := c.cfg.requestRateFactor * (c.minBatchDurationMs / 1000.0)
		if requestRateCeiling > 0 && requestRateCeiling < ceil {
			ceil = requestRateCeiling
		}
	}

	if c.batchSamples >= PreSampleBatches && c.batchDurationEMAMs > 0 {
		execTimeCeiling := c.cfg.execTimeFactor * float64(c.connectionCount) / (c.batchDurationEMAMs / 1000.0)
		if execTimeCeiling > 0 && execTimeCeiling < ceil {
			ceil = execTimeCeiling
		}
	}

	if ceil < c.floor {
		ceil = c.floor
	}
	return ceil
}

// GetParallelism returns the current parallelism cap given the latest
// server-recommended per-source degree of parallelism and the pool's
// current source count. It reinitializes bounds when connectionCount
// changes, applies idle reset and stale-last-known-good promotion, and
// returns the controller's current value (already bounded by the
// effective ceiling).
func (c *Controller) GetParallelism(serverHintPerSource float64, connectionCount int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.applyIdleResetLocked(now)
	c.ensureInitializedLocked(serverHintPerSource, connectionCount)
	c.applyStaleLastKnownGoodLocked(now)

	eff := c.effectiveCeilingLocked(now)
	if c.current > eff {
		c.current = eff
	}
	if c.current < c.floor {
		c.current = c.floor
	}
	return int(c.current)
}

// RecordBatchCompletion records one opaque unit of completed work
// (whether that unit is a single request or a caller-defined batch of
// requests is up to the caller; see DESIGN.md, Open questions resolved) taking
// wall-clock duration, updates the batch-rate and batch-duration EMAs,
// and considers an additive increase.
func (c *Controller) RecordBatchCompletion(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.applyIdleResetLocked(now)
	if !c.initialized {
		c.ensureInitializedLocked(float64(c.floor), max1(c.connectionCount))
	}

	durationMs := float64(duration) / float64(time.Millisecond)

	if c.batchSamples == 0 {
		c.batchDurationEMAMs = durationMs
		c.minBatchDurationMs = durationMs
	} else {
		c.batchDurationEMAMs = EMAAlpha*durationMs + (1-EMAAlpha)*c.batchDurationEMAMs
		if durationMs < c.minBatchDurationMs {
			c.minBatchDurationMs = durationMs
		}
	}

	if !c.lastBatchTime.IsZero() {
		gap := now.Sub(c.lastBatchTime).Seconds()
		if gap > 0 {
			instantRate := 1.0 / gap
			if c.batchRateEMA == 0 {
				c.batchRateEMA = instantRate
			} else {
				c.batchRateEMA = EMAAlpha*instantRate + (1-EMAAlpha)*c.batchRateEMA
			}
		}
	}
	c.lastBatchTime = now
	c.batchSamples++
	c.batchesSinceThrottle++
	c.totalSuccessfulBatches++
	c.lastActivityTime = now

	c.applyStaleLastKnownGoodLocked(now)
	c.considerIncreaseLocked(now)
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func (c *Controller) considerIncreaseLocked(now time.Time) {
	if c.batchesSinceThrottle < c.cfg.stabilization {
		return
	}
	if !c.lastIncreaseTime.IsZero() && now.Sub(c.lastIncreaseTime) < c.cfg.minIncreaseInterval {
		return
	}
	if !c.lastThrottleTime.IsZero() && now.Sub(c.lastThrottleTime) < RecoveryCooldown {
		return
	}
	if c.batchRateEMA >= HardRateCap && c.batchRateEMA < MeasurementArtifactRate {
		return
	}
	eff := c.effectiveCeilingLocked(now)
	if c.current >= eff {
		return
	}

	base := IncreaseRate
	if c.totalSuccessfulBatches >= RampGraduationBatches || c.hasHadFirstThrottle {
		if c.floor > IncreaseRate {
			base = c.floor
		}
	}

	if c.current < c.lastKnownGood && c.cfg.aggressiveRecovery {
		base *= RecoveryMultiplier
	}

	next := c.current + base
	if next > eff {
		next = eff
	}
	if next != c.current {
		c.current = next
		c.batchesSinceThrottle = 0
		c.lastIncreaseTime = now
	}
}

// RecordThrottle records one throttle event (the server asked callers
// to back off for retryAfter) and, unless debounced or floor-protected,
// applies a multiplicative decrease and derives a time-limited throttle
// ceiling.
func (c *Controller) RecordThrottle(retryAfter time.Duration) {
	if retryAfter < 0 {
		retryAfter = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.initialized {
		c.ensureInitializedLocked(float64(MinParallelism), max1(c.connectionCount))
	}

	c.totalThrottleEvents++
	c.lastThrottleTime = now
	c.lastActivityTime = now
	c.hasHadFirstThrottle = true

	if c.hasThrottleProcessed && now.Sub(c.lastThrottleProcessed) < DebounceWindow {
		return
	}
	c.hasThrottleProcessed = true
	c.lastThrottleProcessed = now

	if c.current != c.floor {
		overshoot := retryAfter.Seconds() / OvershootWindow.Seconds()
		reduction := 1 - overshoot/2
		if reduction < 0.5 {
			reduction = 0.5
		}
		if reduction > 1.0 {
			reduction = 1.0
		}
		base := c.current
		if c.throttleCeiling > base {
			base = c.throttleCeiling
		}
		newCeiling := base * reduction
		if newCeiling < c.floor {
			newCeiling = c.floor
		}
		c.throttleCeiling = newCeiling
		c.throttleCeilingExpiry = now.Add(retryAfter).Add(ThrottleCeilingGrace)
	}

	lkg := c.current - IncreaseRate
	if lkg < c.floor {
		lkg = c.floor
	}
	c.lastKnownGood = lkg
	c.lastKnownGoodTime = now

	newCurrent := c.current * c.cfg.decreaseFactor
	if newCurrent < c.floor {
		newCurrent = c.floor
	}
	c.current = newCurrent
	c.batchesSinceThrottle = 0
}

// GetStatistics returns a snapshot of the controller's internal state.
func (c *Controller) GetStatistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	eff := c.effectiveCeilingLocked(now)
	active := !c.throttleCeilingExpiry.IsZero() && now.Before(c.throttleCeilingExpiry)

	return Statistics{
		Current:                c.current,
		Floor:                  c.floor,
		Ceiling:                c.ceiling,
		EffectiveCeiling:       eff,
		ConnectionCount:        c.connectionCount,
		LastKnownGood:          c.lastKnownGood,
		BatchesSinceThrottle:   c.batchesSinceThrottle,
		TotalThrottleEvents:    c.totalThrottleEvents,
		TotalSuccessfulBatches: c.totalSuccessfulBatches,
		HasHadFirstThrottle:    c.hasHadFirstThrottle,
		BatchDurationEMAMs:     c.batchDurationEMAMs,
		MinBatchDurationMs:     c.minBatchDurationMs,
		BatchRateEMA:           c.batchRateEMA,
		BatchSamples:           c.batchSamples,
		ThrottleCeiling:        c.throttleCeiling,
		ThrottleCeilingActive:  active,
		Preset:                 c.cfg.preset,
	}
}
