package config

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers every dvpool flag onto cmd, the same entry
// point the teacher's RegisterFlags exposes for cmd/crankfire.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

func configureFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a dataverse-pool.yaml configuration file")

	// Pool flags
	flags.Duration("acquire-timeout", 30*time.Second, "Bound on waiting for an admission semaphore slot")
	flags.Duration("max-idle-time", 5*time.Minute, "Evict a pooled handle idle longer than this")
	flags.Duration("max-lifetime", 60*time.Minute, "Evict a pooled handle older than this")
	flags.Duration("validation-interval", 60*time.Second, "Background validation sweep interval")
	flags.Bool("enable-validation", true, "Run the background validation loop")
	flags.Int("max-connection-retries", 2, "Retry attempts for non-auth connection errors on a checkout")
	flags.Duration("max-retry-after-tolerance", 0, "Upper bound on a throttle wait before ServiceProtection (0 = wait indefinitely)")
	flags.Int("max-pool-size-override", 0, "Override total admission capacity (0 = derived from sources)")
	flags.String("selection-strategy", string(StrategyThrottleAware), "Source selection strategy: round-robin, least-connections, or throttle-aware")
	flags.Bool("disable-affinity-cookie", true, "Strip the Dataverse load-balancer stickiness cookie on every handle")

	// Rate controller flags
	flags.String("rate-preset", "balanced", "AIMD preset: conservative, balanced, or aggressive")
	flags.Float64("exec-time-factor", 0, "Override the preset's exec-time-ceiling factor")
	flags.Float64("request-rate-factor", 0, "Override the preset's request-rate-ceiling factor")
	flags.Float64("decrease-factor", 0, "Override the preset's multiplicative decrease factor")
	flags.Int64("stabilization", 0, "Override the preset's stabilization batch count")
	flags.Duration("min-increase-interval", 0, "Override the preset's minimum interval between additive increases")
	flags.Bool("aggressive-recovery", false, "Override the preset's aggressive-recovery flag")

	// Tracing flags
	flags.Bool("tracing-enable", false, "Enable OpenTelemetry tracing")
	flags.String("tracing-endpoint", "", "OTLP exporter endpoint (implies tracing-enable)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: grpc or http")
	flags.String("tracing-service-name", "dvpool", "Service name reported in trace resources")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sampling ratio, 0.0-1.0")
	flags.Bool("tracing-insecure", false, "Disable TLS for the OTLP exporter")

	// Change-feed flags
	flags.String("changefeed-url", "", "WebSocket URL for the optional change-feed seed-invalidation listener")

	// Demonstration run flags
	flags.Int("request-count", 100, "Number of synthetic requests to dispatch through Execute")
	flags.Int("concurrency", 8, "Number of concurrent callers dispatching requests")
	flags.Bool("json-output", false, "Emit the final report as JSON")
	flags.Bool("dashboard", false, "Show a live terminal dashboard instead of a final report")
	flags.Float64("target-rps", 0, "Pace dispatched requests to this rate (0 = unthrottled, limited only by the pool)")
}

// newFlagCommand mirrors the teacher's private helper: a bare cobra
// command whose only purpose is to host a configured flag set for
// Loader.Load to parse.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dvpool",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	configureFlags(cmd.Flags())
	return cmd
}

// applyFlagOverrides copies every flag the user actually set (per
// fs.Changed) onto cfg, overriding both defaults and anything the
// config file supplied — flags always win, the same precedence the
// teacher's applyFlagOverrides enforces.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) {
	if fs.Changed("acquire-timeout") {
		cfg.Pool.AcquireTimeout, _ = fs.GetDuration("acquire-timeout")
	}
	if fs.Changed("max-idle-time") {
		cfg.Pool.MaxIdleTime, _ = fs.GetDuration("max-idle-time")
	}
	if fs.Changed("max-lifetime") {
		cfg.Pool.MaxLifetime, _ = fs.GetDuration("max-lifetime")
	}
	if fs.Changed("validation-interval") {
		cfg.Pool.ValidationInterval, _ = fs.GetDuration("validation-interval")
	}
	if fs.Changed("enable-validation") {
		cfg.Pool.EnableValidation, _ = fs.GetBool("enable-validation")
	}
	if fs.Changed("max-connection-retries") {
		cfg.Pool.MaxConnectionRetries, _ = fs.GetInt("max-connection-retries")
	}
	if fs.Changed("max-retry-after-tolerance") {
		cfg.Pool.MaxRetryAfterTolerance, _ = fs.GetDuration("max-retry-after-tolerance")
	}
	if fs.Changed("max-pool-size-override") {
		cfg.Pool.MaxPoolSizeOverride, _ = fs.GetInt("max-pool-size-override")
	}
	if fs.Changed("selection-strategy") {
		v, _ := fs.GetString("selection-strategy")
		cfg.Pool.Strategy = SelectionStrategy(v)
	}
	if fs.Changed("disable-affinity-cookie") {
		cfg.Pool.DisableAffinityCookie, _ = fs.GetBool("disable-affinity-cookie")
	}

	if fs.Changed("rate-preset") {
		cfg.Rate.Preset, _ = fs.GetString("rate-preset")
	}
	if fs.Changed("exec-time-factor") {
		cfg.Rate.ExecTimeFactor, _ = fs.GetFloat64("exec-time-factor")
		cfg.Rate.ExplicitExecTimeFactor = true
	}
	if fs.Changed("request-rate-factor") {
		cfg.Rate.RequestRateFactor, _ = fs.GetFloat64("request-rate-factor")
		cfg.Rate.ExplicitRequestRateFactor = true
	}
	if fs.Changed("decrease-factor") {
		cfg.Rate.DecreaseFactor, _ = fs.GetFloat64("decrease-factor")
		cfg.Rate.ExplicitDecreaseFactor = true
	}
	if fs.Changed("stabilization") {
		cfg.Rate.Stabilization, _ = fs.GetInt64("stabilization")
		cfg.Rate.ExplicitStabilization = true
	}
	if fs.Changed("min-increase-interval") {
		cfg.Rate.MinIncreaseInterval, _ = fs.GetDuration("min-increase-interval")
		cfg.Rate.ExplicitMinIncreaseInterval = true
	}
	if fs.Changed("aggressive-recovery") {
		cfg.Rate.AggressiveRecovery, _ = fs.GetBool("aggressive-recovery")
		cfg.Rate.ExplicitAggressiveRecovery = true
	}

	if fs.Changed("tracing-enable") {
		cfg.Tracing.Enable, _ = fs.GetBool("tracing-enable")
	}
	if fs.Changed("tracing-endpoint") {
		cfg.Tracing.Endpoint, _ = fs.GetString("tracing-endpoint")
	}
	if fs.Changed("tracing-protocol") {
		cfg.Tracing.Protocol, _ = fs.GetString("tracing-protocol")
	}
	if fs.Changed("tracing-service-name") {
		cfg.Tracing.ServiceName, _ = fs.GetString("tracing-service-name")
	}
	if fs.Changed("tracing-sample-rate") {
		cfg.Tracing.SampleRate, _ = fs.GetFloat64("tracing-sample-rate")
	}
	if fs.Changed("tracing-insecure") {
		cfg.Tracing.Insecure, _ = fs.GetBool("tracing-insecure")
	}

	if fs.Changed("changefeed-url") {
		cfg.ChangeFeed.URL, _ = fs.GetString("changefeed-url")
	}

	if fs.Changed("request-count") {
		cfg.Run.RequestCount, _ = fs.GetInt("request-count")
	}
	if fs.Changed("concurrency") {
		cfg.Run.Concurrency, _ = fs.GetInt("concurrency")
	}
	if fs.Changed("json-output") {
		cfg.Run.JSONOutput, _ = fs.GetBool("json-output")
	}
	if fs.Changed("dashboard") {
		cfg.Run.Dashboard, _ = fs.GetBool("dashboard")
	}
	if fs.Changed("target-rps") {
		cfg.Run.TargetRPS, _ = fs.GetFloat64("target-rps")
	}
}
