package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/joshsmithxrm/ppds-sdk/internal/metrics"
	"github.com/joshsmithxrm/ppds-sdk/internal/pool"
)

// PoolSnapshotFunc supplies the live pool statistics the progress line
// folds in alongside request latency; wired to Pool.GetStatistics.
type PoolSnapshotFunc func() pool.Statistics

// ProgressReporter displays real-time single-line progress updates.
type ProgressReporter struct {
	collector    *metrics.Collector
	poolSnapshot PoolSnapshotFunc
	ticker       *time.Ticker
	done         chan struct{}
	finished     chan struct{}
	writer       io.Writer
	active       int32
	start        time.Time
}

// NewProgressReporter creates a progress reporter that updates at the
// given interval. poolSnapshot may be nil to omit pool state from the
// line.
func NewProgressReporter(collector *metrics.Collector, poolSnapshot PoolSnapshotFunc, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		collector:    collector,
		poolSnapshot: poolSnapshot,
		ticker:       time.NewTicker(interval),
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
		writer:       writer,
		start:        time.Now(),
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	for {
		select {
		case <-p.ticker.C:
			elapsed := time.Since(p.start)
			stats := p.collector.Stats(elapsed)
			line := fmt.Sprintf("\rRequests: %d | Successes: %d | Failures: %d | RPS: %.1f",
				stats.Total, stats.Successes, stats.Failures, stats.RequestsPerSec)
			if p.poolSnapshot != nil {
				ps := p.poolSnapshot()
				line += fmt.Sprintf(" | Active: %d/%d | Throttled: %d",
					ps.ActiveTotal, ps.Capacity, ps.ThrottledSourceCount)
			}
			fmt.Fprint(p.writer, line)
		case <-p.done:
			return
		}
	}
}
