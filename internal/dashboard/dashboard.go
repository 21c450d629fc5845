// Package dashboard renders a live terminal view of pool state: per-source
// active/idle/throttled counts, current AIMD parallelism, and request
// latency, built on termui.
package dashboard

import (
	"fmt"
	"sort"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/joshsmithxrm/ppds-sdk/internal/metrics"
	"github.com/joshsmithxrm/ppds-sdk/internal/pool"
	"github.com/joshsmithxrm/ppds-sdk/internal/ratecontrol"
)

// Snapshot is everything the dashboard needs to redraw one frame. The
// caller computes it (typically from Pool.GetStatistics, the rate
// controller, and the metrics collector) on every tick.
type Snapshot struct {
	Pool    pool.Statistics
	Rate    ratecontrol.Statistics
	Stats   metrics.Stats
	Elapsed time.Duration
}

// SnapshotFunc produces a fresh Snapshot each time the dashboard ticks.
type SnapshotFunc func() Snapshot

// Dashboard renders the live terminal view described above.
type Dashboard struct {
	snapshot SnapshotFunc
	interval time.Duration
	shutdown func()

	grid           *ui.Grid
	summaryPara    *widgets.Paragraph
	rateGauge      *widgets.Gauge
	metricsPara    *widgets.Paragraph
	latencySparkle *widgets.SparklineGroup
	sourceList     *widgets.List

	latencyHistory []float64
	last           Snapshot
}

// New initializes termui and builds a Dashboard. shutdown, if non-nil, is
// invoked when the user presses q or Ctrl-C, before Run returns.
func New(snapshot SnapshotFunc, interval time.Duration, shutdown func()) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}

	d := &Dashboard{
		snapshot:       snapshot,
		interval:       interval,
		shutdown:       shutdown,
		latencyHistory: make([]float64, 0, 100),
	}

	d.initWidgets()
	d.setupGrid()

	return d, nil
}

func (d *Dashboard) initWidgets() {
	d.summaryPara = widgets.NewParagraph()
	d.summaryPara.Title = "Dataverse Pool"
	d.summaryPara.Text = "Initializing..."
	d.summaryPara.BorderStyle.Fg = ui.ColorCyan

	d.rateGauge = widgets.NewGauge()
	d.rateGauge.Title = "Parallelism"
	d.rateGauge.Percent = 0
	d.rateGauge.BarColor = ui.ColorBlue
	d.rateGauge.BorderStyle.Fg = ui.ColorCyan
	d.rateGauge.LabelStyle = ui.NewStyle(ui.ColorWhite)

	d.metricsPara = widgets.NewParagraph()
	d.metricsPara.Title = "Pool"
	d.metricsPara.Text = "Waiting for data..."
	d.metricsPara.BorderStyle.Fg = ui.ColorCyan

	sparkline := widgets.NewSparkline()
	sparkline.Title = "p50 Latency (ms)"
	sparkline.LineColor = ui.ColorGreen
	sparkline.Data = []float64{0}
	d.latencySparkle = widgets.NewSparklineGroup(sparkline)
	d.latencySparkle.Title = "Real-time Latency"
	d.latencySparkle.BorderStyle.Fg = ui.ColorCyan

	d.sourceList = widgets.NewList()
	d.sourceList.Title = "Sources"
	d.sourceList.Rows = []string{"Awaiting data"}
	d.sourceList.TextStyle = ui.NewStyle(ui.ColorCyan)
	d.sourceList.BorderStyle.Fg = ui.ColorCyan
}

func (d *Dashboard) setupGrid() {
	w, h := ui.TerminalDimensions()

	d.grid = ui.NewGrid()
	d.grid.SetRect(0, 0, w, h)

	d.grid.Set(
		ui.NewRow(0.16,
			ui.NewCol(1.0, d.summaryPara),
		),
		ui.NewRow(0.2,
			ui.NewCol(0.5, d.rateGauge),
			ui.NewCol(0.5, d.metricsPara),
		),
		ui.NewRow(0.24,
			ui.NewCol(1.0, d.latencySparkle),
		),
		ui.NewRow(0.4,
			ui.NewCol(1.0, d.sourceList),
		),
	)
}

// Run polls termui events and the snapshot ticker until the user quits
// (q or Ctrl-C), re-laying out the grid on a resize event, then closes
// the termui screen before returning.
func Run(d *Dashboard) error {
	return d.run()
}

func (d *Dashboard) run() error {
	defer ui.Close()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	uiEvents := ui.PollEvents()

	d.update()
	d.render()

	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				if d.shutdown != nil {
					d.shutdown()
				}
				return nil
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				d.grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				d.render()
			}
		case <-ticker.C:
			d.update()
			d.render()
		}
	}
}

func (d *Dashboard) update() {
	d.last = d.snapshot()
	s := d.last

	d.summaryPara.Text = fmt.Sprintf(
		"Elapsed: %s | Requests: %d | Successes: %d | Failures: %d | RPS: %.1f",
		s.Elapsed.Round(time.Second), s.Stats.Total, s.Stats.Successes, s.Stats.Failures, s.Stats.RequestsPerSec,
	)

	pct := 0
	if s.Rate.EffectiveCeiling > 0 {
		pct = int((s.Rate.Current / s.Rate.EffectiveCeiling) * 100)
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
	}
	d.rateGauge.Percent = pct
	d.rateGauge.Label = fmt.Sprintf("%.1f (floor %.1f, ceiling %.1f)", s.Rate.Current, s.Rate.Floor, s.Rate.EffectiveCeiling)

	d.metricsPara.Text = fmt.Sprintf(
		"Capacity:  %d\nActive:    %d\nIdle:      %d\nThrottled: %d src\nLatency:   p50 %s | p90 %s | p99 %s",
		s.Pool.Capacity, s.Pool.ActiveTotal, s.Pool.IdleTotal, s.Pool.ThrottledSourceCount,
		s.Stats.P50Latency, s.Stats.P90Latency, s.Stats.P99Latency,
	)

	if s.Stats.P50Latency > 0 {
		ms := float64(s.Stats.P50Latency) / float64(time.Millisecond)
		d.latencyHistory = append(d.latencyHistory, ms)
		if len(d.latencyHistory) > 100 {
			d.latencyHistory = d.latencyHistory[1:]
		}
		d.latencySparkle.Sparklines[0].Data = d.latencyHistory
		d.latencySparkle.Title = fmt.Sprintf("Real-time Latency | current %.2fms", ms)
	}

	d.sourceList.Rows = formatSourceRows(s.Pool)
}

func (d *Dashboard) render() {
	ui.Render(d.grid)
}

func formatSourceRows(stats pool.Statistics) []string {
	if len(stats.Sources) == 0 {
		return []string{"[No sources](fg:green)"}
	}

	names := make([]string, 0, len(stats.Sources))
	for name := range stats.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]string, 0, len(names))
	for _, name := range names {
		src := stats.Sources[name]
		state := "[ok](fg:green)"
		if src.Throttled {
			state = "[throttled](fg:red)"
		}
		rows = append(rows, fmt.Sprintf("%-20s active=%-3d idle=%-3d served=%-6d invalid=%-3d %s",
			name, src.Active, src.Idle, src.RequestsServed, src.InvalidCount, state))
	}
	return rows
}
