// Package config loads dvpool's configuration from CLI flags and an
// optional YAML file, in the teacher's layered style: cobra/pflag
// define the surface, viper binds an optional config file over
// defaults, and flag overrides win over both — tracked via
// pflag.FlagSet.Changed so overrides-vs-preset can be logged
// faithfully (see internal/ratecontrol's Explicit* fields, which this
// package's Load populates the same way).
package config

import (
	"fmt"
	"time"
)

// SelectionStrategy names one of internal/pool's SelectionStrategy
// implementations, as selected from the CLI/config file.
type SelectionStrategy string

const (
	StrategyRoundRobin      SelectionStrategy = "round-robin"
	StrategyLeastConnections SelectionStrategy = "least-connections"
	StrategyThrottleAware   SelectionStrategy = "throttle-aware"
)

// SourceConfig describes one Dataverse environment: its HTTP endpoint
// and either an OAuth2 client-credentials secret or a pre-minted
// static token.
type SourceConfig struct {
	Name                string        `mapstructure:"name"`
	BaseURL             string        `mapstructure:"base_url"`
	TokenURL            string        `mapstructure:"token_url"`
	ClientID            string        `mapstructure:"client_id"`
	ClientSecret        string        `mapstructure:"client_secret"`
	Scopes              []string      `mapstructure:"scopes"`
	StaticToken         string        `mapstructure:"static_token"`
	MaxPoolSize         int           `mapstructure:"max_pool_size"`
	ServerHintPerSource float64       `mapstructure:"server_hint_dop"`
	Weight              int           `mapstructure:"weight"`
	MaxRetryAfterTolerance time.Duration `mapstructure:"max_retry_after_tolerance"`
}

// Validate checks the fields §4.5.1/§7 require at initialization
// (ConfigurationInvalid): a name, a base URL, and either a static
// token or a full client-credentials secret.
func (s SourceConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source missing required name")
	}
	if s.BaseURL == "" {
		return fmt.Errorf("source %q missing required base_url", s.Name)
	}
	if s.StaticToken != "" {
		return nil
	}
	if s.TokenURL == "" || s.ClientID == "" || s.ClientSecret == "" {
		return fmt.Errorf("source %q needs either static_token or token_url+client_id+client_secret", s.Name)
	}
	return nil
}

// PoolConfig mirrors internal/pool.Config's enumerated tunables
// (§4.5.9), expressed as plain durations/ints for (de)serialization.
type PoolConfig struct {
	AcquireTimeout         time.Duration     `mapstructure:"acquire_timeout"`
	MaxIdleTime            time.Duration     `mapstructure:"max_idle_time"`
	MaxLifetime            time.Duration     `mapstructure:"max_lifetime"`
	ValidationInterval     time.Duration     `mapstructure:"validation_interval"`
	EnableValidation       bool              `mapstructure:"enable_validation"`
	MaxConnectionRetries   int               `mapstructure:"max_connection_retries"`
	MaxRetryAfterTolerance time.Duration     `mapstructure:"max_retry_after_tolerance"`
	MaxPoolSizeOverride    int               `mapstructure:"max_pool_size_override"`
	Strategy               SelectionStrategy `mapstructure:"selection_strategy"`

	// DisableAffinityCookie strips the Dataverse load-balancer stickiness
	// cookie on every handle instead of letting it pin requests to one
	// backend node. Defaults to true: sticky routing works against the
	// pool's own source/connection selection rather than with it.
	DisableAffinityCookie bool `mapstructure:"disable_affinity_cookie"`
}

// RateConfig mirrors internal/ratecontrol.Config, with Explicit* flags
// populated by Load from pflag.FlagSet.Changed rather than left for
// the caller to set by hand.
type RateConfig struct {
	Preset string `mapstructure:"preset"`

	ExecTimeFactor      float64       `mapstructure:"exec_time_factor"`
	RequestRateFactor   float64       `mapstructure:"request_rate_factor"`
	DecreaseFactor      float64       `mapstructure:"decrease_factor"`
	Stabilization       int64         `mapstructure:"stabilization"`
	MinIncreaseInterval time.Duration `mapstructure:"min_increase_interval"`
	AggressiveRecovery  bool          `mapstructure:"aggressive_recovery"`

	ExplicitExecTimeFactor      bool `mapstructure:"-"`
	ExplicitRequestRateFactor   bool `mapstructure:"-"`
	ExplicitDecreaseFactor      bool `mapstructure:"-"`
	ExplicitStabilization       bool `mapstructure:"-"`
	ExplicitMinIncreaseInterval bool `mapstructure:"-"`
	ExplicitAggressiveRecovery  bool `mapstructure:"-"`
}

// TracingConfig configures internal/tracing.Init. Propagate is a
// pointer so "unset" (follow Enabled()) is distinguishable from an
// explicit false.
type TracingConfig struct {
	Enable      bool    `mapstructure:"enable"`
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   *bool   `mapstructure:"-"`
}

// Enabled reports whether tracing should initialize a real exporter.
// An explicit Enable, or simply supplying an Endpoint, both count —
// mirroring how the teacher's --dashboard/--json-output flags are
// boolean gates but --html-output is gated by its value being set.
func (c TracingConfig) Enabled() bool {
	return c.Enable || c.Endpoint != ""
}

// ShouldPropagate reports whether W3C trace headers should be
// injected into outgoing requests: Propagate, if explicitly set,
// otherwise falls back to Enabled().
func (c TracingConfig) ShouldPropagate() bool {
	if c.Propagate != nil {
		return *c.Propagate
	}
	return c.Enabled()
}

// ChangeFeedConfig configures the optional internal/changefeed
// listener.
type ChangeFeedConfig struct {
	URL string `mapstructure:"url"`
}

// RunConfig parameterizes cmd/dvpool's demonstration burst (§
// [EXPANSION] SUPPLEMENTED FEATURES): how many synthetic requests to
// dispatch through Execute and how to report the result.
type RunConfig struct {
	RequestCount int     `mapstructure:"request_count"`
	Concurrency  int     `mapstructure:"concurrency"`
	JSONOutput   bool    `mapstructure:"json_output"`
	Dashboard    bool    `mapstructure:"dashboard"`
	TargetRPS    float64 `mapstructure:"target_rps"`
}

// Config is the top-level dvpool configuration, the union of
// everything a config file or flag set can set.
type Config struct {
	ConfigFile string             `mapstructure:"-"`
	Sources    []SourceConfig     `mapstructure:"sources"`
	Pool       PoolConfig         `mapstructure:"pool"`
	Rate       RateConfig         `mapstructure:"rate"`
	Tracing    TracingConfig      `mapstructure:"tracing"`
	ChangeFeed ChangeFeedConfig   `mapstructure:"changefeed"`
	Run        RunConfig          `mapstructure:"run"`
}

// Validate checks §4.5.1 item 1 ("at least one source is configured")
// and every source's own Validate, surfacing ConfigurationInvalid-
// shaped errors at initialization rather than at first checkout.
func (c Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}
