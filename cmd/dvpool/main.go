// Command dvpool is a thin demonstration harness for the connection
// pool core: it builds a Pool from one or more configured Dataverse
// sources, dispatches a configurable burst of synthetic requests
// through Execute, and reports the result — either as a final
// human-readable/JSON summary or as a live terminal dashboard. It is
// intentionally not a scheduler or batch orchestrator; the spec scopes
// that out explicitly.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/time/rate"

	"github.com/joshsmithxrm/ppds-sdk/internal/auth"
	"github.com/joshsmithxrm/ppds-sdk/internal/changefeed"
	"github.com/joshsmithxrm/ppds-sdk/internal/clientsource"
	"github.com/joshsmithxrm/ppds-sdk/internal/config"
	"github.com/joshsmithxrm/ppds-sdk/internal/dashboard"
	"github.com/joshsmithxrm/ppds-sdk/internal/httpclient"
	"github.com/joshsmithxrm/ppds-sdk/internal/metrics"
	"github.com/joshsmithxrm/ppds-sdk/internal/output"
	"github.com/joshsmithxrm/ppds-sdk/internal/pool"
	"github.com/joshsmithxrm/ppds-sdk/internal/ratecontrol"
	"github.com/joshsmithxrm/ppds-sdk/internal/throttle"
	"github.com/joshsmithxrm/ppds-sdk/internal/tracing"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return
		}
		fmt.Fprintln(os.Stderr, "dvpool:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.NewLoader().Load(args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracer, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	releaseTuningLock := acquireProcessTuningLock()
	pool.ApplyProcessTunings()
	releaseTuningLock()

	tracker := throttle.New()
	rateCtrl := ratecontrol.New(ratecontrol.Config{
		Preset:                      ratecontrol.Preset(cfg.Rate.Preset),
		ExecTimeFactor:              cfg.Rate.ExecTimeFactor,
		RequestRateFactor:           cfg.Rate.RequestRateFactor,
		DecreaseFactor:              cfg.Rate.DecreaseFactor,
		Stabilization:               cfg.Rate.Stabilization,
		MinIncreaseInterval:         cfg.Rate.MinIncreaseInterval,
		AggressiveRecovery:          cfg.Rate.AggressiveRecovery,
		ExplicitExecTimeFactor:      cfg.Rate.ExplicitExecTimeFactor,
		ExplicitRequestRateFactor:   cfg.Rate.ExplicitRequestRateFactor,
		ExplicitDecreaseFactor:      cfg.Rate.ExplicitDecreaseFactor,
		ExplicitStabilization:       cfg.Rate.ExplicitStabilization,
		ExplicitMinIncreaseInterval: cfg.Rate.ExplicitMinIncreaseInterval,
		ExplicitAggressiveRecovery:  cfg.Rate.ExplicitAggressiveRecovery,
	})

	sources, seeds, err := buildSources(cfg)
	if err != nil {
		return err
	}

	p, err := pool.NewPool(poolConfig(cfg, tracer), tracker, rateCtrl, sources, seeds, cloneDispatchable)
	if err != nil {
		return fmt.Errorf("pool init: %w", err)
	}
	defer func() { _ = p.Dispose() }()

	if cfg.ChangeFeed.URL != "" {
		listener := changefeed.NewListener(changefeed.Config{URL: cfg.ChangeFeed.URL}, p)
		go func() {
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintln(os.Stderr, "dvpool: changefeed listener stopped:", err)
			}
		}()
		defer func() { _ = listener.Close() }()
	}

	collector := metrics.NewCollector()
	start := time.Now()

	if cfg.Run.Dashboard {
		return runDashboard(ctx, cfg, p, rateCtrl, collector, start)
	}
	return runBurst(ctx, cfg, p, collector, start, true)
}

// acquireProcessTuningLock tries to take an advisory file lock so that,
// on a machine running several dvpool processes concurrently, processes
// that obtain it mutate process-wide HTTP transport state one at a time
// (§4.5.1 item 2 applies in-process via sync.Once). The caller applies
// the tunings and then calls the returned release function. Best-effort:
// if the lock file cannot be created (read-only filesystem, sandboxed
// container) or another process already holds the lock, release is a
// no-op and tuning still proceeds, just without cross-process
// coordination.
func acquireProcessTuningLock() (release func()) {
	lockPath := os.TempDir() + "/dvpool-process-tunings.lock"
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil || !locked {
		return func() {}
	}
	return func() { _ = fl.Unlock() }
}

func poolConfig(cfg *config.Config, tracer *tracing.Provider) pool.Config {
	var strategy pool.SelectionStrategy
	switch cfg.Pool.Strategy {
	case config.StrategyRoundRobin:
		strategy = pool.NewRoundRobinStrategy()
	case config.StrategyLeastConnections:
		strategy = pool.NewLeastConnectionsStrategy()
	default:
		strategy = pool.NewThrottleAwareStrategy()
	}

	return pool.Config{
		AcquireTimeout:       cfg.Pool.AcquireTimeout,
		ValidationInterval:   cfg.Pool.ValidationInterval,
		MaxIdleTime:          cfg.Pool.MaxIdleTime,
		MaxLifetime:          cfg.Pool.MaxLifetime,
		Strategy:             strategy,
		DisableValidation:    !cfg.Pool.EnableValidation,
		MaxConnectionRetries: cfg.Pool.MaxConnectionRetries,
		MaxPoolSizeOverride:  cfg.Pool.MaxPoolSizeOverride,
		Tracer:               tracer.Tracer(),
	}
}

// buildSources constructs one clientsource.Source and one
// pool.SourceConfig per configured source, wiring either a static
// bearer token or an OAuth2 client-credentials provider into an
// httpclient seed factory.
func buildSources(cfg *config.Config) ([]pool.SourceConfig, map[string]*clientsource.Source, error) {
	poolSources := make([]pool.SourceConfig, 0, len(cfg.Sources))
	seeds := make(map[string]*clientsource.Source, len(cfg.Sources))

	for _, sc := range cfg.Sources {
		provider, err := buildProvider(sc)
		if err != nil {
			return nil, nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}

		httpCfg := httpclient.Config{
			BaseURL:               sc.BaseURL,
			UserAgent:             "dvpool/1.0",
			DisableAffinityCookie: cfg.Pool.DisableAffinityCookie,
		}
		factory := func(ctx context.Context) (clientsource.Handle, error) {
			if _, err := provider.Token(ctx); err != nil {
				return nil, &clientsource.CreationError{Kind: clientsource.AuthFailed, Err: err}
			}
			return httpclient.NewSeed(httpCfg, provider), nil
		}

		maxPoolSize := sc.MaxPoolSize
		if maxPoolSize <= 0 {
			maxPoolSize = 8
		}

		src := clientsource.New(sc.Name, maxPoolSize, factory)
		src.SetWeight(sc.Weight)
		seeds[sc.Name] = src

		var tolerance *time.Duration
		switch {
		case sc.MaxRetryAfterTolerance > 0:
			t := sc.MaxRetryAfterTolerance
			tolerance = &t
		case cfg.Pool.MaxRetryAfterTolerance > 0:
			t := cfg.Pool.MaxRetryAfterTolerance
			tolerance = &t
		}

		hint := sc.ServerHintPerSource
		if hint <= 0 {
			hint = float64(ratecontrol.MinParallelism)
		}

		poolSources = append(poolSources, pool.SourceConfig{
			Name:                   sc.Name,
			MaxPoolSize:            maxPoolSize,
			ServerHintPerSource:    hint,
			MaxRetryAfterTolerance: tolerance,
		})
	}

	return poolSources, seeds, nil
}

func buildProvider(sc config.SourceConfig) (auth.Provider, error) {
	if sc.StaticToken != "" {
		return auth.NewStaticTokenProvider(sc.StaticToken), nil
	}
	return auth.NewOAuth2ClientCredentialsProvider(sc.TokenURL, sc.ClientID, sc.ClientSecret, sc.Scopes, 2*time.Minute)
}

// cloneDispatchable is the pool.DispatchableFactory shared by every
// HTTP-backed source: it clones the source's cached seed and relies on
// the clone already satisfying pool.Dispatchable (httpclient.Handle
// implements both clientsource.Handle and Execute).
func cloneDispatchable(ctx context.Context, seed clientsource.Handle) (pool.Dispatchable, error) {
	cloned, err := seed.Clone(ctx)
	if err != nil {
		return nil, err
	}
	d, ok := cloned.(pool.Dispatchable)
	if !ok {
		return nil, fmt.Errorf("dvpool: seed clone %T does not implement pool.Dispatchable", cloned)
	}
	return d, nil
}

// runBurst dispatches cfg.Run.RequestCount synthetic WhoAmI requests
// across cfg.Run.Concurrency concurrent callers, then, when interactive
// is true, prints a final report; with interactive false it prints
// nothing and returns nil.
func runBurst(ctx context.Context, cfg *config.Config, p *pool.Pool, collector *metrics.Collector, start time.Time, interactive bool) error {
	concurrency := cfg.Run.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	// A target RPS paces how fast the caller issues requests into the
	// pool, independent of how fast the pool itself lets them through;
	// the same separation of concerns as the teacher's uniformArrival
	// pacing requests ahead of its own concurrency limiter.
	var limiter *rate.Limiter
	if cfg.Run.TargetRPS > 0 {
		burst := int(cfg.Run.TargetRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Run.TargetRPS), burst)
	}

	var progress *output.ProgressReporter
	if interactive && !cfg.Run.JSONOutput {
		progress = output.NewProgressReporter(collector, p.GetStatistics, 500*time.Millisecond, os.Stderr)
		progress.Start()
	}

	var wg sync.WaitGroup
	jobs := make(chan struct{}, cfg.Run.RequestCount)
	for i := 0; i < cfg.Run.RequestCount; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return
					}
				}
				reqStart := time.Now()
				_, err := p.Execute(ctx, &httpclient.Request{Method: "GET", Path: "WhoAmI"})
				collector.RecordRequest(time.Since(reqStart), err, nil)
				if errors.Is(err, context.Canceled) {
					return
				}
			}
		}()
	}
	wg.Wait()
	if progress != nil {
		progress.Stop()
		fmt.Fprintln(os.Stderr)
	}

	if !interactive {
		return nil
	}

	elapsed := time.Since(start)
	stats := collector.Stats(elapsed)
	poolStats := p.GetStatistics()

	if cfg.Run.JSONOutput {
		return output.PrintJSONReport(os.Stdout, stats, poolStats)
	}
	output.PrintReport(os.Stdout, stats, poolStats)
	return nil
}

// runDashboard runs the burst in the background while rendering a live
// termui dashboard in the foreground; pressing q or Ctrl-C cancels the
// burst and exits.
func runDashboard(ctx context.Context, cfg *config.Config, p *pool.Pool, rateCtrl *ratecontrol.Controller, collector *metrics.Collector, start time.Time) error {
	ctx, cancel := context.WithCancel(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runBurst(ctx, cfg, p, collector, start, false)
	}()

	snapshot := func() dashboard.Snapshot {
		return dashboard.Snapshot{
			Pool:    p.GetStatistics(),
			Rate:    rateCtrl.GetStatistics(),
			Stats:   collector.Stats(time.Since(start)),
			Elapsed: time.Since(start),
		}
	}

	d, err := dashboard.New(snapshot, 500*time.Millisecond, cancel)
	if err != nil {
		cancel()
		<-done
		return err
	}
	err = dashboard.Run(d)
	cancel()
	<-done
	if err != nil {
		return err
	}

	stats := collector.Stats(time.Since(start))
	output.PrintReport(os.Stdout, stats, p.GetStatistics())
	return nil
}
