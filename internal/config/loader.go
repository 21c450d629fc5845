package config

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrHelpRequested is returned when the user passed --help, mirroring
// the teacher's Loader sentinel so cmd/dvpool can exit 0 instead of
// treating it as a failure.
var ErrHelpRequested = errors.New("help requested")

// Loader parses CLI flags, layers an optional dataverse-pool.yaml
// config file underneath, then re-applies flag overrides so flags
// always win (the same three-layer precedence the teacher's
// internal/config.Loader uses: defaults < file < flags).
type Loader struct{}

// NewLoader creates a Loader.
func NewLoader() *Loader { return &Loader{} }

// Load parses args (typically os.Args[1:]) into a validated Config.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelpRequested
		}
		return nil, err
	}
	flags := cmd.Flags()

	cfg := defaultConfig()

	configPath, _ := flags.GetString("config")
	cfg.ConfigFile = configPath
	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}

	applyFlagOverrides(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			AcquireTimeout:       30 * time.Second,
			MaxIdleTime:          5 * time.Minute,
			MaxLifetime:          60 * time.Minute,
			ValidationInterval:   60 * time.Second,
			EnableValidation:     true,
			MaxConnectionRetries: 2,
			Strategy:             StrategyThrottleAware,
			DisableAffinityCookie: true,
		},
		Rate: RateConfig{
			Preset: "balanced",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "dvpool",
			SampleRate:  1.0,
		},
		Run: RunConfig{
			RequestCount: 100,
			Concurrency:  8,
		},
	}
}
