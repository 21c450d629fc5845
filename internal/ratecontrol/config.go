package ratecontrol

import "time"

const (
	// HardCap is the hard per-source parallelism ceiling multiplier
	// (§4.4 Bounds: ceiling = 52 * connection_count).
	HardCap = 52
	// MinParallelism is the absolute floor below which current_parallelism
	// never drops, regardless of server hint.
	MinParallelism = 1
	// InitialCeilingFactor bounds parallelism to a conservative multiple
	// of connection_count until enough batch samples have been observed.
	InitialCeilingFactor = 20
	// PreSampleBatches is the batch_samples threshold below which the
	// initial (conservative) ceiling applies and exec/rate ceilings are
	// not yet recomputed.
	PreSampleBatches = 3
	// IncreaseRate is the base additive-increase step.
	IncreaseRate = 2.0
	// RecoveryMultiplier scales the additive-increase step while
	// recovering toward last_known_good, when aggressive recovery is in
	// effect.
	RecoveryMultiplier = 2.0
	// RampGraduationBatches is the number of total successful batches
	// after which the additive-increase base switches from IncreaseRate
	// to max(floor, IncreaseRate).
	RampGraduationBatches = 30
	// RecoveryCooldown is the minimum time since the last throttle
	// before an additive increase is permitted.
	RecoveryCooldown = 30 * time.Second
	// HardRateCap is the batches/sec ceiling above which additive
	// increase is suppressed (unless the rate looks like a measurement
	// artifact).
	HardRateCap = 18.0
	// MeasurementArtifactRate is the batches/sec threshold above which a
	// reading is assumed to be a timer/measurement artifact rather than
	// genuine throughput, and so does not block increase.
	MeasurementArtifactRate = 100.0
	// DebounceWindow is the window within which a second RecordThrottle
	// call is counted but does not re-apply a multiplicative decrease.
	DebounceWindow = 2 * time.Second
	// ThrottleCeilingGrace is added on top of retry_after when computing
	// throttle_ceiling_expiry.
	ThrottleCeilingGrace = 5 * time.Minute
	// IdleResetWindow reinitializes rate state after this much
	// inactivity (preserving total_throttle_events).
	IdleResetWindow = 5 * time.Minute
	// LastKnownGoodTTL promotes current to last_known_good once it has
	// gone stale for this long.
	LastKnownGoodTTL = 5 * time.Minute
	// EMAAlpha is the smoothing factor for the batch-duration and
	// batch-rate exponential moving averages.
	EMAAlpha = 0.3
	// OvershootWindow is the window (5 minutes) used to compute the
	// throttle overshoot ratio from retry_after.
	OvershootWindow = 5 * time.Minute
)

// Config tunes an AIMD Controller. Zero-value fields fall back to the
// selected Preset's defaults; Explicit* flags record which fields the
// caller set directly so the effective configuration (preset value vs.
// explicit override) can be logged without guessing.
type Config struct {
	Preset Preset

	ExecTimeFactor      float64
	RequestRateFactor   float64
	DecreaseFactor      float64
	Stabilization       int64
	MinIncreaseInterval time.Duration
	AggressiveRecovery  bool

	ExplicitExecTimeFactor      bool
	ExplicitRequestRateFactor   bool
	ExplicitDecreaseFactor      bool
	ExplicitStabilization       bool
	ExplicitMinIncreaseInterval bool
	ExplicitAggressiveRecovery  bool
}

func (c Config) resolve() resolvedConfig {
	d := defaultsFor(c.Preset)
	r := resolvedConfig{preset: c.Preset}

	r.execTimeFactor = d.execTimeFactor
	if c.ExplicitExecTimeFactor {
		r.execTimeFactor = c.ExecTimeFactor
	}
	r.requestRateFactor = d.requestRateFactor
	if c.ExplicitRequestRateFactor {
		r.requestRateFactor = c.RequestRateFactor
	}
	r.decreaseFactor = d.decreaseFactor
	if c.ExplicitDecreaseFactor {
		r.decreaseFactor = c.DecreaseFactor
	}
	r.stabilization = d.stabilization
	if c.ExplicitStabilization {
		r.stabilization = c.Stabilization
	}
	r.minIncreaseInterval = d.minIncreaseInterval
	if c.ExplicitMinIncreaseInterval {
		r.minIncreaseInterval = c.MinIncreaseInterval
	}
	r.aggressiveRecovery = d.aggressiveRecovery
	if c.ExplicitAggressiveRecovery {
		r.aggressiveRecovery = c.AggressiveRecovery
	}
	return r
}

type resolvedConfig struct {
	preset              Preset
	execTimeFactor      float64
	requestRateFactor   float64
	decreaseFactor      float64
	stabilization       int64
	minIncreaseInterval time.Duration
	aggressiveRecovery  bool
}
